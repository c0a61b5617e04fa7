package netcall

import (
	"net/url"
	"sync"
	"time"

	"github.com/rendis/chatflow/pkg/schema"
)

// BreakerState is the state of one host's circuit.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls flow
	BreakerOpen                         // calls rejected until cooldown
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open a circuit
	Cooldown         time.Duration // time a circuit stays open
	HalfOpenMax      int           // probe calls allowed while half-open
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type hostCircuit struct {
	state    BreakerState
	failures int
	openedAt time.Time
	probes   int
}

// Breaker counts consecutive failures per host and rejects calls to hosts
// whose circuit is open.
type Breaker struct {
	mu     sync.Mutex
	config BreakerConfig
	hosts  map[string]*hostCircuit
	now    func() time.Time
}

// NewBreaker creates a Breaker. Zero config fields take their defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &Breaker{config: cfg, hosts: make(map[string]*hostCircuit), now: time.Now}
}

// hostOf returns the breaker key for a request URL.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func (b *Breaker) circuit(host string) *hostCircuit {
	c, ok := b.hosts[host]
	if !ok {
		c = &hostCircuit{}
		b.hosts[host] = c
	}
	return c
}

// Allow reports whether a call to host may proceed.
func (b *Breaker) Allow(host string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(host)
	switch c.state {
	case BreakerOpen:
		if b.now().Sub(c.openedAt) < b.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for %s after %d consecutive failures", host, c.failures).
				WithDetails(map[string]any{"host": host, "failures": c.failures})
		}
		c.state = BreakerHalfOpen
		c.probes = 1
		return nil
	case BreakerHalfOpen:
		if c.probes >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for %s: probe in flight", host)
		}
		c.probes++
	}
	return nil
}

// Success closes host's circuit.
func (b *Breaker) Success(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(host)
	c.state = BreakerClosed
	c.failures = 0
	c.probes = 0
}

// Failure records a failed call to host and returns the resulting state.
func (b *Breaker) Failure(host string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(host)
	c.failures++
	if c.state == BreakerHalfOpen || c.failures >= b.config.FailureThreshold {
		c.state = BreakerOpen
		c.openedAt = b.now()
	}
	return c.state
}

// State returns host's current state.
func (b *Breaker) State(host string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(host)
	if c.state == BreakerOpen && b.now().Sub(c.openedAt) >= b.config.Cooldown {
		return BreakerHalfOpen
	}
	return c.state
}
