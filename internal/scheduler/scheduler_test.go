package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/internal/clock"
	"github.com/rendis/chatflow/internal/session"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/pkg/schema"
)

var fixedNow = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func promoFlow() *schema.Flow {
	return &schema.Flow{
		ID: "promo",
		Nodes: []schema.Node{
			{ID: "hello", Type: "message", Data: schema.NodeData{Text: "Hi {{name}}, you are #{{recipient}}"}},
		},
	}
}

func loader(flow *schema.Flow) func(string) (*schema.Flow, error) {
	return func(path string) (*schema.Flow, error) {
		if path != "flows/promo.yaml" {
			return nil, errors.New("no such flow")
		}
		return flow, nil
	}
}

func newTestScheduler(t *testing.T, st store.Store, runner SessionRunner) *Scheduler {
	t.Helper()
	return NewScheduler(st, runner, Options{
		LoadFlow: loader(promoFlow()),
		Now:      func() time.Time { return fixedNow },
	})
}

func TestCalculateNextRun(t *testing.T) {
	s := NewScheduler(nil, nil, Options{})

	next, err := s.CalculateNextRun("0 10 * * *", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("@hourly", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("every tuesday", fixedNow)
	assert.Error(t, err)
}

func TestAdd(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	s := newTestScheduler(t, st, nil)

	sc := &store.Schedule{Name: "promo", CronExpression: "*/15 * * * *", FlowPath: "flows/promo.yaml", Enabled: true}
	require.NoError(t, s.Add(ctx, sc))
	assert.NotEmpty(t, sc.ID)

	got, err := st.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(time.Date(2025, 3, 10, 9, 45, 0, 0, time.UTC)))
	assert.Equal(t, 1, got.Recipients)

	err = s.Add(ctx, &store.Schedule{CronExpression: "nope", FlowPath: "x"})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	err = s.Add(ctx, &store.Schedule{CronExpression: "@daily"})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func addDue(t *testing.T, st store.Store, sc *store.Schedule) {
	t.Helper()
	due := fixedNow.Add(-time.Minute)
	sc.NextRunAt = &due
	require.NoError(t, st.CreateSchedule(context.Background(), sc))
}

func TestTick_StartsOneSessionPerRecipient(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := session.NewManager(session.Options{Store: st, ClockMode: clock.ModeMock})
	defer m.Close()
	s := newTestScheduler(t, st, m)

	addDue(t, st, &store.Schedule{
		ID: "s1", CronExpression: "0 * * * *", FlowPath: "flows/promo.yaml",
		Variables: map[string]any{"name": "Ada"}, Recipients: 3, Enabled: true,
	})

	assert.Equal(t, 1, s.Tick(ctx))
	assert.Equal(t, 3, m.Len())

	var texts []string
	for _, snap := range m.List() {
		assert.Equal(t, schema.StatusCompleted, snap.Status)
		assert.Equal(t, "schedule:s1", snap.Source)
		sess, err := m.Get(snap.ID)
		require.NoError(t, err)
		texts = append(texts, sess.Messages()[0].Text)
	}
	assert.ElementsMatch(t, []string{"Hi Ada, you are #1", "Hi Ada, you are #2", "Hi Ada, you are #3"}, texts)

	got, err := st.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.LastRunAt.Equal(fixedNow))
	assert.True(t, got.NextRunAt.Equal(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)))

	// Not due again until the next run.
	assert.Equal(t, 0, s.Tick(ctx))
	assert.Equal(t, 3, m.Len())
}

func TestTick_SkipsDisabledAndFuture(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := session.NewManager(session.Options{ClockMode: clock.ModeMock})
	defer m.Close()
	s := newTestScheduler(t, st, m)

	addDue(t, st, &store.Schedule{ID: "off", CronExpression: "@hourly", FlowPath: "flows/promo.yaml"})
	later := fixedNow.Add(time.Hour)
	require.NoError(t, st.CreateSchedule(ctx, &store.Schedule{
		ID: "later", CronExpression: "@hourly", FlowPath: "flows/promo.yaml", Enabled: true, NextRunAt: &later,
	}))

	assert.Equal(t, 0, s.Tick(ctx))
	assert.Equal(t, 0, m.Len())
}

func TestTick_FlowLoadFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := session.NewManager(session.Options{ClockMode: clock.ModeMock})
	defer m.Close()
	s := newTestScheduler(t, st, m)

	addDue(t, st, &store.Schedule{ID: "bad", CronExpression: "@daily", FlowPath: "flows/missing.yaml", Enabled: true})

	assert.Equal(t, 1, s.Tick(ctx))
	got, err := st.GetSchedule(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, RunError, got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(fixedNow))
}

// flakyRunner fails Start for every second session.
type flakyRunner struct {
	*session.Manager
	mu    sync.Mutex
	calls int
}

func (f *flakyRunner) Start(ctx context.Context, id string, vars map[string]any) (session.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls%2 == 0
	f.mu.Unlock()
	if fail {
		return session.Snapshot{}, errors.New("gateway down")
	}
	return f.Manager.Start(ctx, id, vars)
}

func TestTick_PartialCampaign(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := session.NewManager(session.Options{ClockMode: clock.ModeMock})
	defer m.Close()
	s := newTestScheduler(t, st, &flakyRunner{Manager: m})

	addDue(t, st, &store.Schedule{ID: "p", CronExpression: "@daily", FlowPath: "flows/promo.yaml", Recipients: 4, Enabled: true})

	s.Tick(ctx)
	got, err := st.GetSchedule(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, RunPartial, got.LastRunStatus)
}

func TestStartStop(t *testing.T) {
	st := newTestStore(t)
	m := session.NewManager(session.Options{ClockMode: clock.ModeMock})
	defer m.Close()
	s := newTestScheduler(t, st, m)

	addDue(t, st, &store.Schedule{ID: "s", CronExpression: "@hourly", FlowPath: "flows/promo.yaml", Enabled: true})

	require.NoError(t, s.Start(context.Background()))
	err := s.Start(context.Background())
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	require.Eventually(t, func() bool { return m.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}
