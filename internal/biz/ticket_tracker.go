package biz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"TicketForge/internal/conf"
	"TicketForge/internal/model"
	pkgerrors "TicketForge/pkg/errors"
	pkglog "TicketForge/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	maxResultLen = 1000
	maxErrorLen  = 500

	reasonContentChanged = "content changed"
	reasonManualRequeue  = "manual requeue"
)

// Health classification thresholds of TrackerStatistics.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// ContentHash digests the fields whose edits make a completed ticket stale.
func ContentHash(summary, description string) string {
	sum := sha256.Sum256([]byte(summary + "\n" + description))
	return hex.EncodeToString(sum[:])
}

// TrackerStatistics summarizes the tracker for the monitor API and ticketctl.
type TrackerStatistics struct {
	Total           int                        `json:"total"`
	ByStatus        map[model.TicketStatus]int `json:"by_status"`
	ByLanguage      map[string]int             `json:"by_language"`
	ByDomain        map[string]int             `json:"by_domain"`
	RetryCandidates int                        `json:"retry_candidates"`
	Exhausted       int                        `json:"exhausted"`
	FlushFailures   int64                      `json:"flush_failures"`
	SuccessRate     float64                    `json:"success_rate"`
	Health          string                     `json:"health"`
	Recommendations []string                   `json:"recommendations,omitempty"`
}

type trackerSnapshot struct {
	version uint64
	records map[string]*model.TicketRecord
}

// TicketTracker owns the processing state of every ticket and persists the
// whole map after each mutation. In-memory state is authoritative: a failed
// flush is logged and counted, never returned.
//
// Until the stored snapshot has been read once, writes are held so a store
// that was briefly unreachable at start is never overwritten by a partial
// map. Each held write retries the load.
type TicketTracker struct {
	maxRetries        int
	retryDelays       []time.Duration
	processingTimeout time.Duration
	flushTimeout      time.Duration

	repo    SnapshotRepo
	audit   AuditLogger
	metrics *MetricsCollector
	log     *pkglog.LogHelper
	now     func() time.Time

	mu      sync.Mutex
	records map[string]*model.TicketRecord
	version uint64

	flushMu       sync.Mutex
	savedVersion  uint64
	flushFailures atomic.Int64

	loadMu sync.Mutex
	loaded atomic.Bool
}

// NewTicketTracker loads the snapshot from repo. A corrupt snapshot is
// logged and the tracker starts empty. Any other load failure leaves the
// tracker unloaded: nothing is written until a later load succeeds.
func NewTicketTracker(c *conf.Tracker, repo SnapshotRepo, audit AuditLogger, metrics *MetricsCollector, logger log.Logger) *TicketTracker {
	t := &TicketTracker{
		maxRetries:        3,
		retryDelays:       []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour, 2 * time.Hour},
		processingTimeout: time.Hour,
		flushTimeout:      5 * time.Second,
		repo:              repo,
		audit:             audit,
		metrics:           metrics,
		log:               pkglog.NewLogHelper(log.With(logger, "module", "biz/tracker")),
		now:               time.Now,
		records:           make(map[string]*model.TicketRecord),
	}
	if c != nil {
		t.maxRetries = c.MaxRetries
		if len(c.RetryDelays) > 0 {
			t.retryDelays = append([]time.Duration(nil), c.RetryDelays...)
		}
		if c.ProcessingTimeout > 0 {
			t.processingTimeout = c.ProcessingTimeout
		}
		if c.FlushTimeout > 0 {
			t.flushTimeout = c.FlushTimeout
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.flushTimeout)
	defer cancel()
	if err := t.load(ctx); err != nil {
		t.log.Errorw("msg", "ticket snapshot unavailable, holding writes until it loads", "backend", repo.Backend(), "error", err)
	}
	return t
}

// load reads the stored snapshot and merges it under the in-memory map.
// Keys already touched in memory keep their in-memory record.
func (t *TicketTracker) load(ctx context.Context) error {
	records, err := t.repo.Load(ctx)
	if err != nil {
		if !pkgerrors.IsSnapshotCorrupt(err) {
			return err
		}
		t.log.Errorw("msg", "ticket snapshot corrupt, starting empty", "backend", t.repo.Backend(), "error", err)
		records = nil
	}

	t.mu.Lock()
	merged := 0
	for key, rec := range records {
		if rec == nil {
			continue
		}
		if _, ok := t.records[key]; ok {
			continue
		}
		if rec.Key == "" {
			rec.Key = key
		}
		t.records[key] = rec
		merged++
	}
	t.mu.Unlock()

	t.loaded.Store(true)
	t.log.Snapshot("ticket snapshot loaded", "backend", t.repo.Backend(), "records", merged)
	return nil
}

// ensureLoaded retries the initial load if it has not succeeded yet.
func (t *TicketTracker) ensureLoaded(ctx context.Context) error {
	if t.loaded.Load() {
		return nil
	}
	t.loadMu.Lock()
	defer t.loadMu.Unlock()
	if t.loaded.Load() {
		return nil
	}
	return t.load(ctx)
}

// ready is ensureLoaded bounded by the flush timeout.
func (t *TicketTracker) ready(op, key string) bool {
	if t.loaded.Load() {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.flushTimeout)
	defer cancel()
	if err := t.ensureLoaded(ctx); err != nil {
		t.log.Warnw("msg", "ticket snapshot still unavailable", "op", op, "ticket", key, "error", err)
		return false
	}
	return true
}

// Loaded reports whether the stored snapshot has been read.
func (t *TicketTracker) Loaded() bool {
	return t.loaded.Load()
}

// retryDelay returns the backoff after retryCount failures; the last entry
// of the table is reused once it runs out.
func (t *TicketTracker) retryDelay(retryCount int) time.Duration {
	idx := retryCount
	if idx >= len(t.retryDelays) {
		idx = len(t.retryDelays) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return t.retryDelays[idx]
}

// retryEligibleLocked: retry_count < max_retries and the backoff for the
// current retry_count has elapsed since the last attempt.
func (t *TicketTracker) retryEligibleLocked(rec *model.TicketRecord, now time.Time) bool {
	if rec.Status != model.TicketFailed || rec.RetryCount >= t.maxRetries {
		return false
	}
	if rec.LastAttempt == nil {
		return true
	}
	return now.Sub(*rec.LastAttempt) >= t.retryDelay(rec.RetryCount)
}

func (t *TicketTracker) exhaustedLocked(rec *model.TicketRecord) bool {
	return rec.Status == model.TicketFailed && rec.RetryCount >= t.maxRetries
}

func (t *TicketTracker) staleLocked(rec *model.TicketRecord, now time.Time) bool {
	return rec.Status == model.TicketProcessing && now.Sub(rec.LastUpdate) > t.processingTimeout
}

// ShouldProcess decides whether key must be (re)processed given the hash of
// its current content. An unseen key is registered as new. A completed
// ticket whose hash changed is moved to needs_reprocessing. Nothing is
// processed while the stored snapshot cannot be read.
func (t *TicketTracker) ShouldProcess(key, contentHash string) bool {
	if !t.ready("should_process", key) {
		return false
	}
	now := t.now()

	t.mu.Lock()
	rec, ok := t.records[key]
	if !ok {
		rec = &model.TicketRecord{Key: key, Status: model.TicketNew, FirstSeen: now, LastUpdate: now, ContentHash: contentHash}
		t.records[key] = rec
		snap := t.snapshotLocked()
		t.mu.Unlock()
		t.flush(snap)
		return true
	}

	switch rec.Status {
	case model.TicketNew, model.TicketNeedsReprocessing:
		t.mu.Unlock()
		return true

	case model.TicketCompleted:
		if rec.ContentHash == contentHash {
			t.mu.Unlock()
			return false
		}
		rec.Status = model.TicketNeedsReprocessing
		rec.ReprocessReason = reasonContentChanged
		rec.LastUpdate = now
		snap := t.snapshotLocked()
		t.mu.Unlock()

		t.flush(snap)
		t.record(model.AuditEventTicketReprocess, key, model.TicketCompleted, model.TicketNeedsReprocessing, map[string]interface{}{"reason": reasonContentChanged})
		t.log.Infow("msg", "ticket content changed since completion", "ticket", key)
		return true

	case model.TicketProcessing:
		stale := t.staleLocked(rec, now)
		t.mu.Unlock()
		if stale {
			t.log.Warnw("msg", "ticket stuck in processing, picking it up again", "ticket", key, "timeout", t.processingTimeout.String())
		}
		return stale

	case model.TicketFailed:
		eligible := t.retryEligibleLocked(rec, now)
		t.mu.Unlock()
		return eligible
	}

	t.mu.Unlock()
	return false
}

// MarkStart moves key to processing, stamping the content hash being worked on.
func (t *TicketTracker) MarkStart(key, contentHash string) error {
	now := t.now()

	t.mu.Lock()
	rec, ok := t.records[key]
	if !ok {
		rec = &model.TicketRecord{Key: key, Status: model.TicketNew, FirstSeen: now}
		t.records[key] = rec
	}

	from := rec.Status
	switch from {
	case model.TicketNew, model.TicketNeedsReprocessing:
	case model.TicketFailed:
		if !t.retryEligibleLocked(rec, now) {
			t.mu.Unlock()
			reason := "retry backoff has not elapsed"
			if t.exhaustedLocked(rec) {
				reason = "retry budget exhausted"
			}
			return &pkgerrors.InvalidTransitionError{Key: key, From: string(from), To: string(model.TicketProcessing), Reason: reason}
		}
	case model.TicketProcessing:
		if !t.staleLocked(rec, now) {
			t.mu.Unlock()
			return &pkgerrors.InvalidTransitionError{Key: key, From: string(from), To: string(model.TicketProcessing), Reason: "already in progress"}
		}
	default:
		t.mu.Unlock()
		return &pkgerrors.InvalidTransitionError{Key: key, From: string(from), To: string(model.TicketProcessing)}
	}

	rec.Status = model.TicketProcessing
	rec.AttemptCount++
	rec.LastUpdate = now
	rec.StartedAt = &now
	rec.ContentHash = contentHash
	attempt := rec.AttemptCount
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.flush(snap)
	t.record(model.AuditEventTicketStarted, key, from, model.TicketProcessing, map[string]interface{}{"attempt": attempt})
	return nil
}

// MarkComplete records a successful run. retry_count is reset.
func (t *TicketTracker) MarkComplete(key, result string, metadata map[string]string) error {
	now := t.now()

	t.mu.Lock()
	rec, err := t.processingLocked(key, model.TicketCompleted)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	rec.Status = model.TicketCompleted
	rec.RetryCount = 0
	rec.Result = truncate(result, maxResultLen)
	rec.LastError = ""
	rec.ReprocessReason = ""
	rec.CompletedAt = &now
	rec.LastUpdate = now
	applyMetadata(rec, metadata)
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.flush(snap)
	t.record(model.AuditEventTicketCompleted, key, model.TicketProcessing, model.TicketCompleted, nil)
	return nil
}

// MarkFailed records a failed run and consumes one retry.
func (t *TicketTracker) MarkFailed(key, errMsg string, metadata map[string]string) error {
	now := t.now()

	t.mu.Lock()
	rec, err := t.processingLocked(key, model.TicketFailed)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	rec.Status = model.TicketFailed
	rec.RetryCount++
	rec.LastAttempt = &now
	rec.LastUpdate = now
	rec.LastError = truncate(errMsg, maxErrorLen)
	applyMetadata(rec, metadata)
	retries := rec.RetryCount
	exhausted := t.exhaustedLocked(rec)
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.flush(snap)
	t.record(model.AuditEventTicketFailed, key, model.TicketProcessing, model.TicketFailed,
		map[string]interface{}{"retry_count": retries, "exhausted": exhausted, "error": truncate(errMsg, maxErrorLen)})
	if exhausted {
		t.log.Warnw("msg", "ticket exhausted its retry budget, manual handling required", "ticket", key, "retry_count", retries)
	}
	return nil
}

func (t *TicketTracker) processingLocked(key string, to model.TicketStatus) (*model.TicketRecord, error) {
	rec, ok := t.records[key]
	if !ok {
		return nil, &pkgerrors.InvalidTransitionError{Key: key, From: "unknown", To: string(to)}
	}
	if rec.Status != model.TicketProcessing {
		return nil, &pkgerrors.InvalidTransitionError{Key: key, From: string(rec.Status), To: string(to)}
	}
	return rec, nil
}

// Requeue sends a failed or completed ticket back for processing with a
// fresh retry budget.
func (t *TicketTracker) Requeue(key string) error {
	now := t.now()

	t.mu.Lock()
	rec, ok := t.records[key]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("ticket %s: %w", key, pkgerrors.ErrNotFound)
	}
	from := rec.Status
	if from != model.TicketFailed && from != model.TicketCompleted {
		t.mu.Unlock()
		return &pkgerrors.InvalidTransitionError{Key: key, From: string(from), To: string(model.TicketNeedsReprocessing), Reason: "only failed or completed tickets can be requeued"}
	}
	rec.Status = model.TicketNeedsReprocessing
	rec.RetryCount = 0
	rec.ReprocessReason = reasonManualRequeue
	rec.LastUpdate = now
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.flush(snap)
	t.record(model.AuditEventTicketRequeued, key, from, model.TicketNeedsReprocessing, nil)
	return nil
}

// Clear forgets key; it will be treated as unseen next time.
func (t *TicketTracker) Clear(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.flushTimeout)
	defer cancel()
	if err := t.ensureLoaded(ctx); err != nil {
		return fmt.Errorf("clear %s: snapshot not loaded: %w", key, err)
	}

	t.mu.Lock()
	rec, ok := t.records[key]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("ticket %s: %w", key, pkgerrors.ErrNotFound)
	}
	from := rec.Status
	delete(t.records, key)
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.flush(snap)
	t.record(model.AuditEventTicketCleared, key, from, "", nil)
	return nil
}

// Reset forgets every ticket and returns how many were removed. The stored
// snapshot is replaced even if it was never loaded.
func (t *TicketTracker) Reset() int {
	t.loadMu.Lock()
	t.mu.Lock()
	n := len(t.records)
	t.records = make(map[string]*model.TicketRecord)
	snap := t.snapshotLocked()
	t.mu.Unlock()
	t.loaded.Store(true)
	t.loadMu.Unlock()

	t.flush(snap)
	t.record(model.AuditEventTicketCleared, "*", "", "", map[string]interface{}{"removed": n})
	return n
}

// Get returns a copy of the record of key.
func (t *TicketTracker) Get(key string) (*model.TicketRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// List returns copies of every record with one of statuses (all when none
// given), sorted by key.
func (t *TicketTracker) List(statuses ...model.TicketStatus) []*model.TicketRecord {
	want := make(map[model.TicketStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	t.mu.Lock()
	out := make([]*model.TicketRecord, 0, len(t.records))
	for _, rec := range t.records {
		if len(want) == 0 || want[rec.Status] {
			out = append(out, rec.Clone())
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// RetryCandidates lists failed tickets eligible for a retry right now.
func (t *TicketTracker) RetryCandidates() []*model.TicketRecord {
	return t.filter(func(rec *model.TicketRecord, now time.Time) bool {
		return t.retryEligibleLocked(rec, now)
	})
}

// Exhausted lists failed tickets that will never be retried automatically.
func (t *TicketTracker) Exhausted() []*model.TicketRecord {
	return t.filter(func(rec *model.TicketRecord, _ time.Time) bool {
		return t.exhaustedLocked(rec)
	})
}

func (t *TicketTracker) filter(keep func(rec *model.TicketRecord, now time.Time) bool) []*model.TicketRecord {
	now := t.now()

	t.mu.Lock()
	var out []*model.TicketRecord
	for _, rec := range t.records {
		if keep(rec, now) {
			out = append(out, rec.Clone())
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// NextRetryAt returns when a failed ticket becomes eligible, or false when
// it never will.
func (t *TicketTracker) NextRetryAt(rec *model.TicketRecord) (time.Time, bool) {
	if rec.Status != model.TicketFailed || rec.RetryCount >= t.maxRetries {
		return time.Time{}, false
	}
	if rec.LastAttempt == nil {
		return t.now(), true
	}
	return rec.LastAttempt.Add(t.retryDelay(rec.RetryCount)), true
}

// Statistics summarizes the tracked tickets.
func (t *TicketTracker) Statistics() TrackerStatistics {
	now := t.now()
	st := TrackerStatistics{
		ByStatus:      make(map[model.TicketStatus]int),
		ByLanguage:    make(map[string]int),
		ByDomain:      make(map[string]int),
		FlushFailures: t.flushFailures.Load(),
	}

	t.mu.Lock()
	for _, rec := range t.records {
		st.Total++
		st.ByStatus[rec.Status]++
		if rec.Language != "" {
			st.ByLanguage[rec.Language]++
		}
		if rec.Domain != "" {
			st.ByDomain[rec.Domain]++
		}
		if t.retryEligibleLocked(rec, now) {
			st.RetryCandidates++
		}
		if t.exhaustedLocked(rec) {
			st.Exhausted++
		}
	}
	t.mu.Unlock()

	finished := st.ByStatus[model.TicketCompleted] + st.ByStatus[model.TicketFailed]
	st.SuccessRate = 1
	if finished > 0 {
		st.SuccessRate = float64(st.ByStatus[model.TicketCompleted]) / float64(finished)
	}
	switch {
	case st.SuccessRate >= 0.9:
		st.Health = HealthHealthy
	case st.SuccessRate >= 0.7:
		st.Health = HealthWarning
	default:
		st.Health = HealthCritical
	}

	if st.Exhausted > 0 {
		st.Recommendations = append(st.Recommendations,
			fmt.Sprintf("%d ticket(s) exhausted their retries; inspect them with `ticketctl exhausted` and requeue with `ticketctl retry <key>`", st.Exhausted))
	}
	if st.Health == HealthCritical {
		st.Recommendations = append(st.Recommendations, "success rate is below 70%; check the code agent and source control breakers")
	}
	if st.FlushFailures > 0 {
		st.Recommendations = append(st.Recommendations, "snapshot writes have failed; check the snapshot store health probe")
	}
	return st
}

// FlushFailures returns how many snapshot writes failed since start.
func (t *TicketTracker) FlushFailures() int64 {
	return t.flushFailures.Load()
}

// Ping checks the snapshot store. An unloaded tracker retries the load and
// reports unhealthy while it keeps failing.
func (t *TicketTracker) Ping(ctx context.Context) error {
	if err := t.ensureLoaded(ctx); err != nil {
		return fmt.Errorf("snapshot not loaded: %w", err)
	}
	return t.repo.Ping(ctx)
}

func (t *TicketTracker) snapshotLocked() trackerSnapshot {
	t.version++
	records := make(map[string]*model.TicketRecord, len(t.records))
	for k, rec := range t.records {
		records[k] = rec.Clone()
	}
	return trackerSnapshot{version: t.version, records: records}
}

// flush writes snap unless a newer snapshot has already been saved.
func (t *TicketTracker) flush(snap trackerSnapshot) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	if snap.version <= t.savedVersion {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.flushTimeout)
	defer cancel()

	if !t.loaded.Load() {
		if err := t.ensureLoaded(ctx); err != nil {
			t.flushFailed(fmt.Errorf("write held, snapshot not loaded: %w", err))
			return
		}
		// the load merged stored records in; persist the merged map
		t.mu.Lock()
		snap = t.snapshotLocked()
		t.mu.Unlock()
	}

	if err := t.repo.Save(ctx, snap.records); err != nil {
		t.flushFailed(err)
		return
	}
	t.savedVersion = snap.version
	t.log.Snapshot("ticket snapshot saved", "backend", t.repo.Backend(), "records", len(snap.records))
}

func (t *TicketTracker) flushFailed(err error) {
	perr := &pkgerrors.PersistenceWriteError{Backend: t.repo.Backend(), Err: err}
	t.flushFailures.Add(1)
	t.metrics.Inc("tracker_flush_failures", map[string]string{"backend": t.repo.Backend()})
	t.log.Errorw("msg", "failed to persist ticket snapshot", "error", perr)
}

func (t *TicketTracker) record(eventType, key string, from, to model.TicketStatus, detail map[string]interface{}) {
	if t.audit == nil {
		return
	}
	t.audit.Log(context.Background(), &model.AuditEntry{
		EventType: eventType,
		Subject:   key,
		From:      string(from),
		To:        string(to),
		Detail:    detail,
		At:        t.now(),
	})
}

func applyMetadata(rec *model.TicketRecord, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	if lang, ok := metadata["language"]; ok {
		rec.Language = lang
	}
	if domain, ok := metadata["domain"]; ok {
		rec.Domain = domain
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// cut on a rune boundary
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// IsExhausted reports whether err came from MarkStart on an exhausted ticket.
func IsExhausted(err error) bool {
	var it *pkgerrors.InvalidTransitionError
	return errors.As(err, &it) && it.Reason == "retry budget exhausted"
}
