package biz

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"TicketForge/internal/conf"
	"TicketForge/internal/data"
	"TicketForge/internal/model"
	pkgerrors "TicketForge/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIssues struct {
	mu          sync.Mutex
	issues      []*model.Issue
	searchErr   error
	commentErr  error
	comments    map[string][]string
	transitions map[string]string
}

func (f *fakeIssues) SearchIssues(context.Context, string) ([]*model.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.issues, nil
}

func (f *fakeIssues) AddComment(_ context.Context, key, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commentErr != nil {
		return f.commentErr
	}
	if f.comments == nil {
		f.comments = make(map[string][]string)
	}
	f.comments[key] = append(f.comments[key], body)
	return nil
}

func (f *fakeIssues) Transition(_ context.Context, key, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitions == nil {
		f.transitions = make(map[string]string)
	}
	f.transitions[key] = state
	return nil
}

func (f *fakeIssues) set(fn func(f *fakeIssues)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// agentFunc adapts a function to CodeAgent.
type agentFunc func(ctx context.Context, prompt string) (string, error)

func (f agentFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// reviewingAgent answers draft prompts with draft and review prompts with review.
func reviewingAgent(draft, review string) agentFunc {
	return func(_ context.Context, prompt string) (string, error) {
		if strings.HasPrefix(prompt, "Review round") {
			return review, nil
		}
		return draft, nil
	}
}

const (
	draftReply  = "Here you go:\n```python\nprint('draft')\n```\n"
	reviewReply = "Found one issue.\n```python\nprint('v1')\n```\nFixed:\n```python\nprint('final')\n```"
)

type processorFixture struct {
	*TicketProcessor
	tracker *trackerFixture
	issues  *fakeIssues
	scm     *data.NoopSourceControl
	rm      *testResilience
}

func newTestProcessor(t *testing.T, agent CodeAgent) *processorFixture {
	t.Helper()
	tracker := newTestTracker(t, nil)
	rm := newTestResilience(100, 1)
	issues := &fakeIssues{issues: []*model.Issue{
		{Key: "PROJ-7", Summary: "Parse CSV with pandas", Description: "Sum the amount column."},
	}}
	scm := data.NewNoopSourceControl(testLogger)

	p, err := NewTicketProcessor(&conf.Processor{
		Enabled: true, Interval: time.Minute, CycleTimeout: time.Minute, Query: "q",
		Workers: 2, MaxRevisionRounds: 2, ArtifactDir: "generated", BaseBranch: "main",
		DoneTransition: "Done", SearchCacheSize: 4,
	}, tracker.TicketTracker, rm.ResilienceManager, issues, scm, agent, NewPromptBuilder(), tracker.metrics, testLogger)
	require.NoError(t, err)
	p.now = tracker.clock.Now
	return &processorFixture{TicketProcessor: p, tracker: tracker, issues: issues, scm: scm, rm: rm}
}

func TestTicketProcessor_RunCycle(t *testing.T) {
	f := newTestProcessor(t, reviewingAgent(draftReply, reviewReply))

	report, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Found)
	assert.Equal(t, 1, report.Selected)
	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.NotEmpty(t, report.CycleID)
	assert.Same(t, report, f.LastReport())

	rec, ok := f.tracker.Get("PROJ-7")
	require.True(t, ok)
	assert.Equal(t, model.TicketCompleted, rec.Status)
	assert.Equal(t, "python", rec.Language)
	assert.Equal(t, "general", rec.Domain)
	assert.Equal(t, "autogen/proj-7", rec.Metadata["branch"])
	assert.Equal(t, "generated/proj-7/solution.py", rec.Metadata["artifact"])
	assert.Equal(t, "1", rec.Metadata["revised_in_round"])
	assert.Equal(t, "1", rec.Metadata["revision_rounds"])
	assert.Equal(t, "noop://pull/1", rec.Metadata["pr_url"])
	assert.Contains(t, rec.Result, "noop://pull/1")

	assert.Equal(t, []string{"generated/proj-7/solution.py"}, f.scm.Commits("autogen/proj-7"))
	require.Len(t, f.issues.comments["PROJ-7"], 1)
	assert.Contains(t, f.issues.comments["PROJ-7"][0], "noop://pull/1")
	assert.Equal(t, "Done", f.issues.transitions["PROJ-7"])
	assert.Zero(t, f.ActiveTickets())

	st, ok := f.tracker.metrics.Stats("pipeline_tickets_success", 0)
	require.True(t, ok)
	assert.Equal(t, 1, st.Count)

	// unchanged tickets are skipped on the next cycle
	report, err = f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Selected)
	assert.Equal(t, 1, report.Skipped)
}

func TestTicketProcessor_NoCodeBlock(t *testing.T) {
	f := newTestProcessor(t, reviewingAgent("I cannot help with that.", reviewReply))

	report, err := f.RunCycle(context.Background())
	require.NoError(t, err, "a ticket failure never fails the cycle")
	assert.Equal(t, 1, report.Failed)

	rec, _ := f.tracker.Get("PROJ-7")
	assert.Equal(t, model.TicketFailed, rec.Status)
	assert.Contains(t, rec.LastError, "no code block")
	assert.Equal(t, 1, rec.RetryCount)
	assert.Empty(t, f.scm.Commits("autogen/proj-7"))
}

func TestTicketProcessor_RevisionWithoutCodeKeepsDraft(t *testing.T) {
	f := newTestProcessor(t, reviewingAgent(draftReply, "Looks good to me."))

	_, err := f.RunCycle(context.Background())
	require.NoError(t, err)

	rec, _ := f.tracker.Get("PROJ-7")
	assert.Equal(t, model.TicketCompleted, rec.Status)
	assert.Equal(t, "2", rec.Metadata["revision_rounds"])
	assert.NotContains(t, rec.Metadata, "revised_in_round")
}

func TestTicketProcessor_SearchFallback(t *testing.T) {
	f := newTestProcessor(t, reviewingAgent(draftReply, reviewReply))

	_, err := f.RunCycle(context.Background())
	require.NoError(t, err)

	f.issues.set(func(fi *fakeIssues) { fi.searchErr = errUpstream })
	report, err := f.RunCycle(context.Background())
	require.NoError(t, err, "the cached search result is served")
	assert.Equal(t, 1, report.Found)
	assert.Equal(t, 1, report.Skipped)
}

func TestTicketProcessor_SearchFailsWithoutCache(t *testing.T) {
	f := newTestProcessor(t, reviewingAgent(draftReply, reviewReply))
	f.issues.set(func(fi *fakeIssues) { fi.searchErr = errUpstream })

	_, err := f.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsFallbackExhausted(err))
	assert.ErrorIs(t, err, errUpstream)
	assert.Nil(t, f.LastReport())
}

func TestTicketProcessor_CommentFallback(t *testing.T) {
	f := newTestProcessor(t, reviewingAgent(draftReply, reviewReply))
	f.issues.set(func(fi *fakeIssues) { fi.commentErr = errUpstream })

	report, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded, "a failed comment does not fail a finished ticket")

	st, ok := f.tracker.metrics.Stats("pipeline_manual_updates", 0)
	require.True(t, ok)
	assert.Equal(t, 1, st.Count)
}

type panickingPrompts struct{}

func (panickingPrompts) Draft(*model.Issue, string, string) (string, error) {
	panic("draft template not registered")
}

func (panickingPrompts) Revise(*model.Issue, string, string, int) (string, error) {
	return "", nil
}

func TestTicketProcessor_PanickingAgent(t *testing.T) {
	f := newTestProcessor(t, agentFunc(func(context.Context, string) (string, error) {
		panic("agent client bug")
	}))

	var report *CycleReport
	var err error
	require.NotPanics(t, func() { report, err = f.RunCycle(context.Background()) })
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Succeeded)

	rec, _ := f.tracker.Get("PROJ-7")
	assert.Equal(t, model.TicketFailed, rec.Status)
	assert.Contains(t, rec.LastError, "code_agent.generate panicked: agent client bug")
	assert.Equal(t, model.CircuitClosed, f.rm.Breaker(conf.ServiceCodeAgent).State())
}

func TestTicketProcessor_PanickingPipeline(t *testing.T) {
	f := newTestProcessor(t, reviewingAgent(draftReply, reviewReply))
	f.prompts = panickingPrompts{}
	f.issues.set(func(fi *fakeIssues) {
		fi.issues = append(fi.issues, &model.Issue{Key: "PROJ-8", Summary: "Add a Go handler"})
	})

	var report *CycleReport
	var err error
	require.NotPanics(t, func() { report, err = f.RunCycle(context.Background()) })
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed, "every worker survives its panic")

	for _, key := range []string{"PROJ-7", "PROJ-8"} {
		rec, ok := f.tracker.Get(key)
		require.True(t, ok)
		assert.Equal(t, model.TicketFailed, rec.Status)
		assert.Contains(t, rec.LastError, "pipeline "+key+" panicked")
		assert.Equal(t, 1, rec.RetryCount)
	}
	st, ok := f.tracker.metrics.Stats("pipeline_panics", 0)
	require.True(t, ok)
	assert.Equal(t, 2, st.Count)
}

func TestTicketProcessor_AgentCircuitOpen(t *testing.T) {
	f := newTestProcessor(t, reviewingAgent(draftReply, reviewReply))
	f.rm.SetRetryPolicy(conf.ServiceCodeAgent, RetryPolicy{MaxAttempts: 1})
	cb := f.rm.Breaker(conf.ServiceCodeAgent)
	for i := 0; i < 100; i++ {
		cb.onFailure(false)
	}

	report, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	rec, _ := f.tracker.Get("PROJ-7")
	assert.Contains(t, rec.LastError, "circuit breaker for code_agent is open")
}

func TestTicketProcessor_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newTestProcessor(t, agentFunc(func(ctx context.Context, _ string) (string, error) {
		cancel()
		return "", ctx.Err()
	}))

	issue := &model.Issue{Key: "PROJ-8", Summary: "Go worker", Description: "goroutine pool"}
	err := f.ProcessItem(ctx, issue, ContentHash(issue.Summary, issue.Description))
	require.Error(t, err)

	rec, _ := f.tracker.Get("PROJ-8")
	assert.Equal(t, model.TicketFailed, rec.Status)
	assert.True(t, strings.HasPrefix(rec.LastError, "interrupted: "), rec.LastError)
	assert.Equal(t, "go", rec.Language)
	assert.Equal(t, model.CircuitClosed, f.rm.Breaker(conf.ServiceCodeAgent).State())
}

func TestTicketProcessor_WorkerLimit(t *testing.T) {
	var running, peak atomic.Int32
	f := newTestProcessor(t, agentFunc(func(context.Context, string) (string, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return draftReply, nil
	}))
	var issues []*model.Issue
	for _, key := range []string{"A-1", "A-2", "A-3", "A-4", "A-5"} {
		issues = append(issues, &model.Issue{Key: key, Summary: "task " + key})
	}
	f.issues.set(func(fi *fakeIssues) { fi.issues = issues })

	report, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestTicketProcessor_ReportsExhausted(t *testing.T) {
	f := newTestProcessor(t, reviewingAgent(draftReply, reviewReply))
	f.issues.set(func(fi *fakeIssues) { fi.issues = nil })
	for i := 0; i < 3; i++ {
		f.tracker.fail(t, "OLD-1")
		f.tracker.clock.Advance(time.Hour)
	}

	report, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Exhausted)

	g, ok := f.tracker.metrics.Latest("pipeline_tickets_exhausted")
	require.True(t, ok)
	assert.Equal(t, 1.0, g.Value)
}

func TestTicketProcessor_Accessors(t *testing.T) {
	f := newTestProcessor(t, reviewingAgent(draftReply, reviewReply))
	assert.True(t, f.Enabled())
	assert.Equal(t, time.Minute, f.Interval())
	assert.Equal(t, time.Minute, f.CycleTimeout())
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "proj-12", slugify("PROJ-12"))
	assert.Equal(t, "weird-key", slugify("  Weird_Key!! "))
}
