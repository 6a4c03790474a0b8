package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"urlsentry/internal/config"
	"urlsentry/internal/events"
	"urlsentry/internal/model"
	"urlsentry/internal/scheduler"
	"urlsentry/internal/state"
	"urlsentry/internal/store"
)

// webhook records every POST it receives
type webhook struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []map[string]any
	keys   []string
}

func newWebhook(t *testing.T) *webhook {
	t.Helper()
	wh := &webhook{}
	wh.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		wh.mu.Lock()
		wh.bodies = append(wh.bodies, body)
		wh.keys = append(wh.keys, r.Header.Get("Idempotency-Key"))
		wh.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(wh.Close)
	return wh
}

func (wh *webhook) received() ([]map[string]any, []string) {
	wh.mu.Lock()
	defer wh.mu.Unlock()
	return append([]map[string]any(nil), wh.bodies...), append([]string(nil), wh.keys...)
}

// fixture serves a remote list pointing at its own /up and /down targets
func fixture(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/down", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) })
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		base := "http://" + r.Host
		fmt.Fprintf(w, `{"status":"ok","data":[{"id":1,"url":"%[1]s/up","title":"up"},{"id":2,"url":"%[1]s/down","title":"down"}]}`, base)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testOptions(remote, callback string) config.Options {
	opts := config.Defaults()
	opts.RemoteEndpoint = remote
	opts.CallbackEndpoint = callback
	opts.JitterMs = 0
	opts.RetryDelayMs = 10
	opts.TimeoutMs = 2000
	opts.CheckIntervalMs = time.Hour.Milliseconds()
	opts.SyncIntervalMs = time.Hour.Milliseconds()
	opts.Device.ID = "device-1"
	return opts
}

func newEngine(t *testing.T, s store.Store, opts config.Options) *Engine {
	t.Helper()
	e, err := New(context.Background(), Deps{Store: s, Registerer: prometheus.NewRegistry()}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestRunSyncThenCheck_DeliversBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	target := fixture(t)
	wh := newWebhook(t)

	e := newEngine(t, store.NewMemoryStore(), testOptions(target.URL+"/list", wh.URL))
	evs, unsubscribe := e.Subscribe()
	defer unsubscribe()

	cs, err := e.RunSyncNow(ctx)
	require.NoError(t, err)
	assert.Len(t, cs.Added, 2)

	batch, err := e.RunCheckNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CheckManual, batch.CheckType)
	assert.False(t, batch.Background)
	assert.Equal(t, model.Summary{Total: 2, Active: 1, Inactive: 1}, batch.Summary)

	bodies, keys := wh.received()
	require.Len(t, bodies, 1)
	assert.Equal(t, batch.ID, keys[0])
	assert.Equal(t, batch.ID, bodies[0]["batchId"])
	assert.Equal(t, "manual", bodies[0]["checkType"])
	device := bodies[0]["device"].(map[string]any)
	assert.Equal(t, "device-1", device["id"])

	history, err := e.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, batch.ID, history[0].ID)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Sync.SuccessfulSyncs)
	assert.Equal(t, int64(1), stats.Service.TotalChecks)
	assert.Equal(t, int64(2), stats.Service.TotalProbes)
	assert.Equal(t, int64(1), stats.Service.SuccessfulCallbacks)
	assert.Equal(t, scheduler.Idle, stats.Jobs[scheduler.JobSync])

	var names []string
	for len(names) < 3 {
		select {
		case ev := <-evs:
			names = append(names, ev.Name)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", names)
		}
	}
	assert.Equal(t, []string{events.SyncSuccess, events.CheckCompleted, events.DeliverySuccess}, names)
}

func TestRunCheck_NoCallbackSkipsDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	target := fixture(t)

	e := newEngine(t, store.NewMemoryStore(), testOptions(target.URL+"/list", ""))
	_, err := e.RunSyncNow(ctx)
	require.NoError(t, err)
	_, err = e.RunCheckNow(ctx)
	require.NoError(t, err)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Service.SuccessfulCallbacks+stats.Service.FailedCallbacks)
}

func TestStart_RequiresItemSource(t *testing.T) {
	t.Parallel()

	e := newEngine(t, store.NewMemoryStore(), testOptions("", ""))
	err := e.Start(context.Background())
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "remoteEndpoint", cfgErr.Field)
}

func TestStartStop_JobStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	target := fixture(t)

	e := newEngine(t, store.NewMemoryStore(), testOptions(target.URL+"/list", ""))
	require.NoError(t, e.Start(ctx))

	require.Eventually(t, func() bool {
		stats, err := e.Stats(ctx)
		return err == nil && stats.Sync.SuccessfulSyncs >= 1 &&
			stats.Jobs[scheduler.JobSync] == scheduler.Scheduled &&
			stats.Jobs[scheduler.JobCheck] == scheduler.Scheduled
	}, 3*time.Second, 10*time.Millisecond)

	// the first check probes what the initial sync stored
	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Items, 2)
	var history []model.CheckBatch
	require.Eventually(t, func() bool {
		history, err = e.History(ctx)
		return err == nil && len(history) >= 1
	}, 3*time.Second, 10*time.Millisecond)
	first := history[len(history)-1]
	assert.Equal(t, len(snap.Items), first.Summary.Total)
	assert.Equal(t, model.CheckScheduled, first.CheckType)

	require.NoError(t, e.Stop(ctx))
	require.Eventually(t, func() bool {
		stats, err := e.Stats(ctx)
		return err == nil && stats.Jobs[scheduler.JobSync] == scheduler.Idle &&
			stats.Jobs[scheduler.JobCheck] == scheduler.Idle
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStart_SlowListIsSyncedBeforeFirstCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	target := fixture(t)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		http.Redirect(w, r, target.URL+"/list", http.StatusFound)
	}))
	t.Cleanup(slow.Close)

	e := newEngine(t, store.NewMemoryStore(), testOptions(slow.URL, ""))
	require.NoError(t, e.Start(ctx))

	var history []model.CheckBatch
	require.Eventually(t, func() bool {
		var err error
		history, err = e.History(ctx)
		return err == nil && len(history) >= 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, history[len(history)-1].Summary.Total)
}

func TestStart_ReplaysPendingDeliveries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	target := fixture(t)
	wh := newWebhook(t)
	s := store.NewMemoryStore()

	repo := state.New(s, clockwork.NewRealClock())
	crashed := model.DeliveryAttempt{
		ID:            "attempt-1",
		Batch:         model.CheckBatch{ID: "crashed-batch", CheckType: model.CheckScheduled, At: time.Now()},
		Endpoint:      wh.URL,
		AttemptsMade:  1,
		NextAttemptAt: time.Now(),
		CreatedAt:     time.Now(),
	}
	require.NoError(t, repo.SavePending(ctx, crashed))

	e := newEngine(t, s, testOptions(target.URL+"/list", wh.URL))
	require.NoError(t, e.Start(ctx))

	_, keys := wh.received()
	require.NotEmpty(t, keys)
	assert.Equal(t, "crashed-batch", keys[0], "pending delivery is replayed before the first cycle")

	pending, err := repo.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStaticItemsServeAsSource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	target := fixture(t)

	items := []model.Item{model.Item{ID: "a", URL: target.URL + "/up"}.WithIdentity()}
	e, err := New(ctx, Deps{Store: store.NewMemoryStore(), StaticItems: items}, testOptions("", ""))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	require.NoError(t, e.Options().ValidateForStart(len(items)))
	cs, err := e.RunSyncNow(ctx)
	require.NoError(t, err)
	assert.Len(t, cs.Added, 1)
}

func TestConfigure_ValidatesPersistsAndRestores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemoryStore()

	e := newEngine(t, s, testOptions("", ""))

	bad := e.Options()
	bad.MaxRetries = 0
	var cfgErr *model.ConfigError
	require.ErrorAs(t, e.Configure(ctx, bad), &cfgErr)
	assert.Equal(t, "maxRetries", cfgErr.Field)

	good := e.Options()
	good.RemoteEndpoint = "https://lists.example.com/items"
	good.HistoryLimit = 30
	require.NoError(t, e.Configure(ctx, good))
	assert.Equal(t, good, e.Options())

	restored := newEngine(t, s, testOptions("", ""))
	assert.Equal(t, "https://lists.example.com/items", restored.Options().RemoteEndpoint)
	assert.Equal(t, 30, restored.Options().HistoryLimit)

	fresh, err := New(ctx, Deps{Store: s, IgnoreStoredOptions: true}, testOptions("", ""))
	require.NoError(t, err)
	t.Cleanup(func() { _ = fresh.Close() })
	assert.Empty(t, fresh.Options().RemoteEndpoint)
}

func TestConfigure_KeepsDeviceID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	opts := testOptions("", "")
	opts.Device.ID = ""
	e := newEngine(t, store.NewMemoryStore(), opts)
	id := e.Options().Device.ID
	require.NotEmpty(t, id)

	next := e.Options()
	next.Device.ID = ""
	require.NoError(t, e.Configure(ctx, next))
	assert.Equal(t, id, e.Options().Device.ID)
}

func TestWake_ResumesEnabledJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	target := fixture(t)
	s := store.NewMemoryStore()
	opts := testOptions(target.URL+"/list", "")

	first, err := New(ctx, Deps{Store: s}, opts)
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	require.NoError(t, first.Close())

	second := newEngine(t, s, opts)
	stats, err := second.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Idle, stats.Jobs[scheduler.JobSync])

	require.NoError(t, second.Wake(ctx))
	stats, err = second.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Scheduled, stats.Jobs[scheduler.JobSync])
	assert.Equal(t, scheduler.Scheduled, stats.Jobs[scheduler.JobCheck])

	history, err := second.History(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, model.CheckScheduled, history[0].CheckType)
}

func TestResetStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	target := fixture(t)

	e := newEngine(t, store.NewMemoryStore(), testOptions(target.URL+"/list", ""))
	_, err := e.RunSyncNow(ctx)
	require.NoError(t, err)

	require.NoError(t, e.ResetStats(ctx))
	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Sync.TotalSyncs)
}

func TestNew_RequiresStore(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Deps{}, config.Defaults())
	assert.Error(t, err)
}
