package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"TicketForge/internal/conf"
	"TicketForge/internal/data"
	"TicketForge/internal/model"
	pkgerrors "TicketForge/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type trackerFixture struct {
	*TicketTracker
	repo    *memoryRepo
	audit   *recordingAudit
	clock   *fakeClock
	metrics *MetricsCollector
}

func newTestTracker(t *testing.T, c *conf.Tracker) *trackerFixture {
	t.Helper()
	if c == nil {
		c = &conf.Tracker{
			MaxRetries:        3,
			RetryDelays:       []time.Duration{time.Minute, 2 * time.Minute, 3 * time.Minute},
			ProcessingTimeout: time.Hour,
		}
	}
	clock := newFakeClock()
	metrics := newTestMetrics(clock)
	repo := &memoryRepo{}
	audit := &recordingAudit{}
	tr := NewTicketTracker(c, repo, audit, metrics, testLogger)
	tr.now = clock.Now
	return &trackerFixture{TicketTracker: tr, repo: repo, audit: audit, clock: clock, metrics: metrics}
}

// fail runs one failed attempt of key.
func (f *trackerFixture) fail(t *testing.T, key string) {
	t.Helper()
	require.NoError(t, f.MarkStart(key, "h"))
	require.NoError(t, f.MarkFailed(key, "agent timeout", nil))
}

func TestTicketTracker_ContentChangeScenario(t *testing.T) {
	f := newTestTracker(t, nil)
	h1 := ContentHash("Add endpoint", "Return 200 on /ping")

	assert.True(t, f.ShouldProcess("T-1", h1))
	rec, ok := f.Get("T-1")
	require.True(t, ok)
	assert.Equal(t, model.TicketNew, rec.Status)

	require.NoError(t, f.MarkStart("T-1", h1))
	require.NoError(t, f.MarkComplete("T-1", "https://example.com/pr/1", map[string]string{"language": "go", "domain": "web"}))

	assert.False(t, f.ShouldProcess("T-1", h1), "unchanged content is not reprocessed")

	h2 := ContentHash("Add endpoint", "Return 204 on /ping")
	assert.True(t, f.ShouldProcess("T-1", h2))
	rec, _ = f.Get("T-1")
	assert.Equal(t, model.TicketNeedsReprocessing, rec.Status)
	assert.Equal(t, "content changed", rec.ReprocessReason)
	assert.Equal(t, "go", rec.Language)

	require.NoError(t, f.MarkStart("T-1", h2))
	rec, _ = f.Get("T-1")
	assert.Equal(t, model.TicketProcessing, rec.Status)
	assert.Equal(t, 2, rec.AttemptCount)
	assert.Equal(t, h2, rec.ContentHash)

	assert.Equal(t, []string{
		model.AuditEventTicketStarted,
		model.AuditEventTicketCompleted,
		model.AuditEventTicketReprocess,
		model.AuditEventTicketStarted,
	}, f.audit.types())
}

func TestTicketTracker_InvalidTransitions(t *testing.T) {
	f := newTestTracker(t, nil)

	err := f.MarkComplete("T-9", "", nil)
	assert.True(t, pkgerrors.IsInvalidTransition(err))

	f.ShouldProcess("T-1", "h")
	assert.True(t, pkgerrors.IsInvalidTransition(f.MarkFailed("T-1", "x", nil)))

	require.NoError(t, f.MarkStart("T-1", "h"))
	err = f.MarkStart("T-1", "h")
	require.True(t, pkgerrors.IsInvalidTransition(err))
	assert.Contains(t, err.Error(), "already in progress")
	assert.False(t, f.ShouldProcess("T-1", "h"), "processing tickets are skipped until stale")

	require.NoError(t, f.MarkComplete("T-1", "ok", nil))
	assert.True(t, pkgerrors.IsInvalidTransition(f.MarkStart("T-1", "h")))
}

func TestTicketTracker_MarkStartRegistersUnseen(t *testing.T) {
	f := newTestTracker(t, nil)
	require.NoError(t, f.MarkStart("T-2", "h"))
	rec, ok := f.Get("T-2")
	require.True(t, ok)
	assert.Equal(t, model.TicketProcessing, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
}

func TestTicketTracker_RetryBackoff(t *testing.T) {
	f := newTestTracker(t, nil)
	f.ShouldProcess("T-1", "h")
	f.fail(t, "T-1")

	rec, _ := f.Get("T-1")
	assert.Equal(t, model.TicketFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "agent timeout", rec.LastError)

	// retry_count 1 waits retry_delays[1]
	next, ok := f.NextRetryAt(rec)
	require.True(t, ok)
	assert.Equal(t, f.clock.Now().Add(2*time.Minute), next)

	f.clock.Advance(time.Minute)
	assert.False(t, f.ShouldProcess("T-1", "h"))
	assert.Empty(t, f.RetryCandidates())
	err := f.MarkStart("T-1", "h")
	require.True(t, pkgerrors.IsInvalidTransition(err))
	assert.Contains(t, err.Error(), "backoff")

	f.clock.Advance(time.Minute)
	assert.True(t, f.ShouldProcess("T-1", "h"))
	assert.Len(t, f.RetryCandidates(), 1)
	require.NoError(t, f.MarkStart("T-1", "h"))
	require.NoError(t, f.MarkComplete("T-1", "ok", nil))

	rec, _ = f.Get("T-1")
	assert.Equal(t, 0, rec.RetryCount, "success resets the retry count")
	assert.Empty(t, rec.LastError)
}

func TestTicketTracker_RetryBudgetExhausted(t *testing.T) {
	f := newTestTracker(t, nil)
	f.ShouldProcess("T-1", "h")

	for i := 0; i < 3; i++ {
		f.fail(t, "T-1")
		f.clock.Advance(time.Hour)
	}

	rec, _ := f.Get("T-1")
	assert.Equal(t, 3, rec.RetryCount)
	assert.False(t, f.ShouldProcess("T-1", "h"), "retry_count == max_retries is not eligible")
	_, ok := f.NextRetryAt(rec)
	assert.False(t, ok)

	err := f.MarkStart("T-1", "h")
	assert.True(t, IsExhausted(err))

	exhausted := f.Exhausted()
	require.Len(t, exhausted, 1)
	assert.Equal(t, "T-1", exhausted[0].Key)
	assert.Empty(t, f.RetryCandidates())

	require.NoError(t, f.Requeue("T-1"))
	rec, _ = f.Get("T-1")
	assert.Equal(t, model.TicketNeedsReprocessing, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Equal(t, "manual requeue", rec.ReprocessReason)
	assert.True(t, f.ShouldProcess("T-1", "h"))
}

func TestTicketTracker_ZeroRetries(t *testing.T) {
	f := newTestTracker(t, &conf.Tracker{MaxRetries: 0, RetryDelays: []time.Duration{time.Minute}})
	f.ShouldProcess("T-1", "h")
	f.fail(t, "T-1")

	f.clock.Advance(24 * time.Hour)
	assert.False(t, f.ShouldProcess("T-1", "h"))
	assert.Len(t, f.Exhausted(), 1)
}

func TestTicketTracker_DelayTableReuse(t *testing.T) {
	f := newTestTracker(t, nil)
	assert.Equal(t, time.Minute, f.retryDelay(0))
	assert.Equal(t, 3*time.Minute, f.retryDelay(2))
	assert.Equal(t, 3*time.Minute, f.retryDelay(9), "the last delay is reused")
}

func TestTicketTracker_StaleProcessing(t *testing.T) {
	f := newTestTracker(t, nil)
	require.NoError(t, f.MarkStart("T-1", "h"))

	f.clock.Advance(time.Hour)
	assert.False(t, f.ShouldProcess("T-1", "h"), "exactly at the timeout is not stale yet")

	f.clock.Advance(time.Second)
	assert.True(t, f.ShouldProcess("T-1", "h"))
	require.NoError(t, f.MarkStart("T-1", "h"))

	rec, _ := f.Get("T-1")
	assert.Equal(t, 2, rec.AttemptCount)
}

func TestTicketTracker_Persistence(t *testing.T) {
	f := newTestTracker(t, nil)
	f.ShouldProcess("T-1", "h")
	require.NoError(t, f.MarkStart("T-1", "h"))
	require.NoError(t, f.MarkComplete("T-1", "ok", map[string]string{"branch": "autogen/t-1"}))

	saved := f.repo.get("T-1")
	require.NotNil(t, saved)
	assert.Equal(t, model.TicketCompleted, saved.Status)
	assert.Equal(t, "autogen/t-1", saved.Metadata["branch"])

	reloaded := NewTicketTracker(nil, f.repo, nil, f.metrics, testLogger)
	rec, ok := reloaded.Get("T-1")
	require.True(t, ok)
	assert.Equal(t, model.TicketCompleted, rec.Status)
	assert.False(t, reloaded.ShouldProcess("T-1", "h"))
}

func TestTicketTracker_FlushFailureIsNonFatal(t *testing.T) {
	f := newTestTracker(t, nil)
	f.repo.saveErr = errors.New("disk full")

	assert.True(t, f.ShouldProcess("T-1", "h"))
	require.NoError(t, f.MarkStart("T-1", "h"))

	rec, ok := f.Get("T-1")
	require.True(t, ok)
	assert.Equal(t, model.TicketProcessing, rec.Status, "memory state advances even when the write fails")
	assert.Equal(t, int64(2), f.FlushFailures())

	st, found := f.metrics.Stats("tracker_flush_failures", 0)
	require.True(t, found)
	assert.Equal(t, 2, st.Count)

	stats := f.Statistics()
	assert.Equal(t, int64(2), stats.FlushFailures)
	assert.NotEmpty(t, stats.Recommendations)

	f.repo.saveErr = nil
	require.NoError(t, f.MarkComplete("T-1", "ok", nil))
	assert.Equal(t, model.TicketCompleted, f.repo.get("T-1").Status, "the next write carries the full state")
}

func TestTicketTracker_StaleSnapshotIsNotWritten(t *testing.T) {
	f := newTestTracker(t, nil)
	f.ShouldProcess("T-1", "h")

	f.mu.Lock()
	older := f.snapshotLocked()
	f.records["T-2"] = &model.TicketRecord{Key: "T-2", Status: model.TicketNew}
	newer := f.snapshotLocked()
	f.mu.Unlock()

	saves := f.repo.saves
	f.flush(newer)
	f.flush(older)
	assert.Equal(t, saves+1, f.repo.saves)
	assert.NotNil(t, f.repo.get("T-2"))
}

func TestTicketTracker_CorruptSnapshotStartsEmpty(t *testing.T) {
	repo := new(MockSnapshotRepo)
	repo.On("Load", mock.Anything).Return(nil, fmt.Errorf("decode snapshot: %w", pkgerrors.ErrSnapshotCorrupt))
	repo.On("Save", mock.Anything, mock.Anything).Return(nil)
	repo.On("Ping", mock.Anything).Return(nil)

	tr := NewTicketTracker(nil, repo, nil, NewMetricsCollector(10, time.Hour), testLogger)
	assert.True(t, tr.Loaded())
	assert.Empty(t, tr.List())

	assert.True(t, tr.ShouldProcess("T-1", "h"))
	assert.NoError(t, tr.Ping(context.Background()))
	repo.AssertCalled(t, "Save", mock.Anything, mock.Anything)
	repo.AssertNumberOfCalls(t, "Load", 1)
	repo.AssertExpectations(t)
}

func storedHistory() map[string]*model.TicketRecord {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	out := make(map[string]*model.TicketRecord)
	for _, key := range []string{"T-1", "T-2", "T-3"} {
		out[key] = &model.TicketRecord{Key: key, Status: model.TicketCompleted, ContentHash: "h", FirstSeen: at, LastUpdate: at, CompletedAt: &at}
	}
	return out
}

func TestTicketTracker_LoadFailureHoldsWrites(t *testing.T) {
	repo := &memoryRepo{records: storedHistory(), loadErr: errors.New("LOADING transient")}
	tr := NewTicketTracker(nil, repo, nil, NewMetricsCollector(100, time.Hour), testLogger)
	assert.False(t, tr.Loaded())
	assert.Empty(t, tr.List())

	assert.False(t, tr.ShouldProcess("T-9", "x"), "nothing is registered before the snapshot loads")
	assert.Error(t, tr.Ping(context.Background()))
	assert.ErrorContains(t, tr.Clear("T-1"), "snapshot not loaded")
	assert.Zero(t, repo.saveCount())
	assert.Equal(t, 3, repo.size())

	repo.setLoadErr(nil)
	assert.True(t, tr.ShouldProcess("T-9", "x"))
	assert.True(t, tr.Loaded())
	assert.Equal(t, 4, repo.size(), "stored history survives the first write")
	assert.Equal(t, model.TicketCompleted, repo.get("T-1").Status)
	assert.False(t, tr.ShouldProcess("T-1", "h"))
	assert.NoError(t, tr.Ping(context.Background()))
}

func TestTicketTracker_RedisLoadErrorKeepsSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()

	repo := data.NewRedisSnapshotRepo(rdb, "")
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, storedHistory()))

	mr.SetError("LOADING transient")
	tr := NewTicketTracker(nil, repo, nil, NewMetricsCollector(100, time.Hour), testLogger)
	assert.False(t, tr.Loaded())
	mr.SetError("")

	assert.True(t, tr.ShouldProcess("T-9", "x"))

	stored, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 4)
	assert.Equal(t, model.TicketCompleted, stored["T-1"].Status)
	assert.Equal(t, model.TicketNew, stored["T-9"].Status)
}

func TestTicketTracker_HeldWriteMergesOnLoad(t *testing.T) {
	repo := &memoryRepo{records: storedHistory(), loadErr: errors.New("connection refused")}
	tr := NewTicketTracker(nil, repo, nil, NewMetricsCollector(100, time.Hour), testLogger)

	// T-1 is touched in memory before the stored copy is visible
	require.NoError(t, tr.MarkStart("T-1", "h2"))
	assert.Zero(t, repo.saveCount())
	assert.Equal(t, int64(1), tr.FlushFailures())

	repo.setLoadErr(nil)
	require.NoError(t, tr.MarkFailed("T-1", "agent timeout", nil))
	assert.Equal(t, 1, repo.saveCount())
	assert.Equal(t, 3, repo.size())
	assert.Equal(t, model.TicketFailed, repo.get("T-1").Status, "the in-memory record wins over the stored one")
	assert.Equal(t, model.TicketCompleted, repo.get("T-2").Status)
}

func TestTicketTracker_ResetWhileUnloaded(t *testing.T) {
	repo := &memoryRepo{records: storedHistory(), loadErr: errors.New("connection refused")}
	tr := NewTicketTracker(nil, repo, nil, NewMetricsCollector(100, time.Hour), testLogger)

	assert.Zero(t, tr.Reset())
	assert.True(t, tr.Loaded(), "reset discards the stored snapshot on purpose")
	assert.Equal(t, 1, repo.saveCount())
	assert.Zero(t, repo.size())
}

func TestTicketTracker_RequeueClearReset(t *testing.T) {
	f := newTestTracker(t, nil)
	f.ShouldProcess("T-1", "h")
	f.ShouldProcess("T-2", "h")

	assert.ErrorIs(t, f.Requeue("T-404"), pkgerrors.ErrNotFound)
	assert.True(t, pkgerrors.IsInvalidTransition(f.Requeue("T-1")), "new tickets cannot be requeued")

	require.NoError(t, f.MarkStart("T-1", "h"))
	require.NoError(t, f.MarkComplete("T-1", "ok", nil))
	require.NoError(t, f.Requeue("T-1"))

	require.NoError(t, f.Clear("T-2"))
	_, ok := f.Get("T-2")
	assert.False(t, ok)
	assert.ErrorIs(t, f.Clear("T-2"), pkgerrors.ErrNotFound)

	assert.Equal(t, 1, f.Reset())
	assert.Empty(t, f.List())
	assert.Empty(t, f.repo.records)
	assert.Contains(t, f.audit.types(), model.AuditEventTicketCleared)
}

func TestTicketTracker_ListAndStatistics(t *testing.T) {
	f := newTestTracker(t, nil)
	for _, key := range []string{"T-3", "T-1", "T-2", "T-4"} {
		f.ShouldProcess(key, "h")
	}
	for _, key := range []string{"T-1", "T-2", "T-3"} {
		require.NoError(t, f.MarkStart(key, "h"))
	}
	require.NoError(t, f.MarkComplete("T-1", "ok", map[string]string{"language": "python", "domain": "data"}))
	require.NoError(t, f.MarkComplete("T-2", "ok", map[string]string{"language": "python"}))
	require.NoError(t, f.MarkFailed("T-3", "boom", map[string]string{"language": "go"}))

	all := f.List()
	require.Len(t, all, 4)
	assert.Equal(t, "T-1", all[0].Key)
	assert.Len(t, f.List(model.TicketCompleted), 2)
	assert.Len(t, f.List(model.TicketFailed, model.TicketNew), 2)

	st := f.Statistics()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.ByStatus[model.TicketCompleted])
	assert.Equal(t, 2, st.ByLanguage["python"])
	assert.Equal(t, 1, st.ByDomain["data"])
	assert.InDelta(t, 2.0/3.0, st.SuccessRate, 1e-9)
	assert.Equal(t, HealthCritical, st.Health)

	empty := newTestTracker(t, nil).Statistics()
	assert.Equal(t, 1.0, empty.SuccessRate)
	assert.Equal(t, HealthHealthy, empty.Health)
}

func TestTicketTracker_Truncation(t *testing.T) {
	f := newTestTracker(t, nil)
	require.NoError(t, f.MarkStart("T-1", "h"))
	require.NoError(t, f.MarkFailed("T-1", strings.Repeat("é", 400), nil))

	rec, _ := f.Get("T-1")
	assert.LessOrEqual(t, len(rec.LastError), 500)
	assert.True(t, strings.HasSuffix(rec.LastError, "é"), "cut on a rune boundary")
}

func TestContentHash(t *testing.T) {
	a := ContentHash("s", "d")
	assert.Len(t, a, 64)
	assert.Equal(t, a, ContentHash("s", "d"))
	assert.NotEqual(t, a, ContentHash("s", "d2"))
}

func TestTicketTracker_GetReturnsCopy(t *testing.T) {
	f := newTestTracker(t, nil)
	f.ShouldProcess("T-1", "h")

	rec, _ := f.Get("T-1")
	rec.Status = model.TicketCompleted

	again, _ := f.Get("T-1")
	assert.Equal(t, model.TicketNew, again.Status)
}
