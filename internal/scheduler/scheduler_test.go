package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFlags struct {
	mu    sync.Mutex
	flags map[string]bool
}

func (m *memFlags) JobEnabled(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[name], nil
}

func (m *memFlags) SetJobEnabled(_ context.Context, name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flags == nil {
		m.flags = make(map[string]bool)
	}
	m.flags[name] = enabled
	return nil
}

func newScheduler(t *testing.T) (*Scheduler, *memFlags) {
	t.Helper()
	flags := &memFlags{}
	s, err := New(flags, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, flags
}

func TestStart_RunsImmediatelyThenPeriodically(t *testing.T) {
	t.Parallel()
	s, flags := newScheduler(t)

	var runs atomic.Int32
	s.Register(JobSync, func(context.Context) { runs.Add(1) })

	require.NoError(t, s.Start(context.Background(), JobSync, 50*time.Millisecond))
	enabled, _ := flags.JobEnabled(context.Background(), JobSync)
	assert.True(t, enabled)

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Scheduled, eventuallyNotRunning(t, s, JobSync))
}

func TestStop_CancelsTimerAndPersists(t *testing.T) {
	t.Parallel()
	s, flags := newScheduler(t)

	var runs atomic.Int32
	s.Register(JobCheck, func(context.Context) { runs.Add(1) })
	require.NoError(t, s.Start(context.Background(), JobCheck, 40*time.Millisecond))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background(), JobCheck))
	enabled, _ := flags.JobEnabled(context.Background(), JobCheck)
	assert.False(t, enabled)
	assert.Equal(t, Idle, eventuallyNotRunning(t, s, JobCheck))

	after := runs.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after stop")
}

func TestStop_InFlightRunFinishes(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var sawCancel atomic.Bool
	s.Register(JobSync, func(ctx context.Context) {
		close(started)
		<-release
		sawCancel.Store(ctx.Err() != nil)
		finished.Store(true)
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, JobSync, time.Hour))
	<-started
	assert.Equal(t, Running, s.State(JobSync))

	require.NoError(t, s.Stop(ctx, JobSync))
	cancel()
	close(release)

	require.Eventually(t, finished.Load, time.Second, 5*time.Millisecond)
	assert.False(t, sawCancel.Load(), "task context is never cancelled")
}

func TestResume_ArmsEnabledJobWithoutImmediateRun(t *testing.T) {
	t.Parallel()
	s, flags := newScheduler(t)
	ctx := context.Background()

	var runs atomic.Int32
	s.Register(JobSync, func(context.Context) { runs.Add(1) })
	s.Register(JobCheck, func(context.Context) {})

	require.NoError(t, flags.SetJobEnabled(ctx, JobSync, true))

	armed, err := s.Resume(ctx, JobSync, time.Hour)
	require.NoError(t, err)
	assert.True(t, armed)
	assert.Equal(t, Scheduled, s.State(JobSync))

	armed, err = s.Resume(ctx, JobSync, time.Hour)
	require.NoError(t, err)
	assert.False(t, armed, "already live")

	armed, err = s.Resume(ctx, JobCheck, time.Hour)
	require.NoError(t, err)
	assert.False(t, armed, "disabled job stays idle")
	assert.Equal(t, Idle, s.State(JobCheck))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runs.Load())
}

func TestEnable_PersistsAndArmsWithoutImmediateRun(t *testing.T) {
	t.Parallel()
	s, flags := newScheduler(t)
	ctx := context.Background()

	var runs atomic.Int32
	s.Register(JobSync, func(context.Context) { runs.Add(1) })

	require.NoError(t, s.Enable(ctx, JobSync, time.Hour))
	enabled, _ := flags.JobEnabled(ctx, JobSync)
	assert.True(t, enabled)
	assert.Equal(t, Scheduled, s.State(JobSync))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runs.Load())

	require.Error(t, s.Enable(ctx, JobCheck, time.Hour), "unregistered job")
}

func TestRearm_OnlyTouchesLiveJobs(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)
	ctx := context.Background()

	var runs atomic.Int32
	s.Register(JobSync, func(context.Context) { runs.Add(1) })
	s.Register(JobCheck, func(context.Context) {})

	require.NoError(t, s.Rearm(ctx, JobCheck, time.Minute))
	assert.Equal(t, Idle, s.State(JobCheck))

	require.NoError(t, s.Start(ctx, JobSync, time.Hour))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Rearm(ctx, JobSync, 30*time.Millisecond))
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownJobAndBadInterval(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Start(ctx, "nope", time.Second), ErrUnknownJob)
	assert.ErrorIs(t, s.Stop(ctx, "nope"), ErrUnknownJob)

	s.Register(JobSync, func(context.Context) {})
	assert.Error(t, s.Start(ctx, JobSync, 0))
	enabled, _ := s.Enabled(ctx, JobSync)
	assert.False(t, enabled, "a rejected start persists nothing")
	assert.Equal(t, Idle, s.State(JobSync))
}

func eventuallyNotRunning(t *testing.T, s *Scheduler, name string) State {
	t.Helper()
	var st State
	require.Eventually(t, func() bool {
		st = s.State(name)
		return st != Running
	}, time.Second, time.Millisecond)
	return st
}
