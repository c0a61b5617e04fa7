package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsJobs(t *testing.T) {
	p := New(2, nil)
	defer p.Close()

	var ran atomic.Int32
	for range 5 {
		require.NoError(t, p.Go(context.Background(), "s", func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Wait())
	assert.Equal(t, int32(5), ran.Load())
	assert.Equal(t, Stats{Succeeded: 5}, p.Stats())
}

func TestPool_RespectsLimit(t *testing.T) {
	p := New(3, nil)
	defer p.Close()

	var cur, peak atomic.Int32
	for range 12 {
		require.NoError(t, p.Go(context.Background(), "s", func(context.Context) error {
			n := cur.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			cur.Add(-1)
			return nil
		}))
	}
	require.NoError(t, p.Wait())
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestPool_GoBlocksWhileFull(t *testing.T) {
	p := New(1, nil)
	defer p.Close()

	release := make(chan struct{})
	require.NoError(t, p.Go(context.Background(), "first", func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Go(ctx, "second", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Wait())
}

func TestPool_CollectsFailuresAndPanics(t *testing.T) {
	p := New(4, nil)
	defer p.Close()

	boom := errors.New("boom")
	require.NoError(t, p.Go(context.Background(), "ok", func(context.Context) error { return nil }))
	require.NoError(t, p.Go(context.Background(), "bad", func(context.Context) error { return boom }))
	require.NoError(t, p.Go(context.Background(), "worse", func(context.Context) error { panic("x") }))

	err := p.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "job worse panicked")

	s := p.Stats()
	assert.Equal(t, int64(1), s.Succeeded)
	assert.Equal(t, int64(2), s.Failed)
	assert.Equal(t, int64(1), s.Panicked)
	assert.Zero(t, s.Running)
}

func TestPool_CloseDrainsAndRejects(t *testing.T) {
	p := New(2, nil)
	var done atomic.Int32
	for range 4 {
		require.NoError(t, p.Go(context.Background(), "s", func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
			return nil
		}))
	}
	p.Close()
	assert.Equal(t, int32(4), done.Load())

	assert.ErrorIs(t, p.Go(context.Background(), "late", func(context.Context) error { return nil }), ErrClosed)
	p.Close()
}
