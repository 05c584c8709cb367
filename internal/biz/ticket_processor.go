package biz

import (
	"context"
	"errors"
	"fmt"
	"path"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"TicketForge/internal/conf"
	"TicketForge/internal/model"
	"TicketForge/pkg/classify"
	"TicketForge/pkg/codeblock"
	pkgerrors "TicketForge/pkg/errors"
	pkglog "TicketForge/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// CycleReport summarizes one RunCycle.
type CycleReport struct {
	CycleID   string        `json:"cycle_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Found     int           `json:"found"`
	Selected  int           `json:"selected"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Exhausted int           `json:"exhausted"`
}

// TicketProcessor turns tracker-approved tickets into pull requests. Every
// outbound call goes through the ResilienceManager.
type TicketProcessor struct {
	cfg     conf.Processor
	tracker *TicketTracker
	rm      *ResilienceManager
	issues  IssueTracker
	scm     SourceControl
	agent   CodeAgent
	prompts PromptBuilder
	metrics *MetricsCollector
	log     *pkglog.LogHelper
	now     func() time.Time

	// last known good search result per query, served when the tracker is down
	searchCache *lru.Cache[string, []*model.Issue]
	active      atomic.Int64
	lastReport  atomic.Pointer[CycleReport]
}

// NewTicketProcessor wires the processor and registers its fallbacks on rm.
func NewTicketProcessor(
	c *conf.Processor,
	tracker *TicketTracker,
	rm *ResilienceManager,
	issues IssueTracker,
	scm SourceControl,
	agent CodeAgent,
	prompts PromptBuilder,
	metrics *MetricsCollector,
	logger log.Logger,
) (*TicketProcessor, error) {
	cfg := conf.Processor{Workers: 1, MaxRevisionRounds: 5, ArtifactDir: "generated", BaseBranch: "main", SearchCacheSize: 32}
	if c != nil {
		cfg = *c
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.SearchCacheSize < 1 {
		cfg.SearchCacheSize = 1
	}

	cache, err := lru.New[string, []*model.Issue](cfg.SearchCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create search cache: %w", err)
	}

	p := &TicketProcessor{
		cfg:         cfg,
		tracker:     tracker,
		rm:          rm,
		issues:      issues,
		scm:         scm,
		agent:       agent,
		prompts:     prompts,
		metrics:     metrics,
		log:         pkglog.NewLogHelper(log.With(logger, "module", "biz/processor")),
		now:         time.Now,
		searchCache: cache,
	}

	rm.RegisterFallback(conf.ServiceIssueTracker, "search", p.searchFallback)
	rm.RegisterFallback(conf.ServiceIssueTracker, "comment", p.manualUpdateFallback("comment"))
	rm.RegisterFallback(conf.ServiceIssueTracker, "transition", p.manualUpdateFallback("transition"))
	return p, nil
}

// Enabled reports whether the scheduler should run cycles.
func (p *TicketProcessor) Enabled() bool {
	return p.cfg.Enabled
}

// Interval is the configured polling interval.
func (p *TicketProcessor) Interval() time.Duration {
	return p.cfg.Interval
}

// CycleTimeout bounds one RunCycle.
func (p *TicketProcessor) CycleTimeout() time.Duration {
	return p.cfg.CycleTimeout
}

// ActiveTickets is the number of tickets being processed right now.
func (p *TicketProcessor) ActiveTickets() int64 {
	return p.active.Load()
}

// LastReport returns the report of the latest finished cycle, if any.
func (p *TicketProcessor) LastReport() *CycleReport {
	return p.lastReport.Load()
}

// RunCycle searches for tickets, keeps those the tracker wants processed and
// processes them with a bounded worker pool. A single ticket's failure never
// aborts the cycle; only a failed search does.
func (p *TicketProcessor) RunCycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{CycleID: pkglog.GenerateID(), StartedAt: p.now()}
	ctx = pkglog.WithCycle(ctx, report.CycleID)

	issues, err := Invoke(ctx, p.rm, conf.ServiceIssueTracker, "search", func(ctx context.Context) ([]*model.Issue, error) {
		found, err := p.issues.SearchIssues(ctx, p.cfg.Query)
		if err == nil {
			p.searchCache.Add(p.cfg.Query, found)
		}
		return found, err
	})
	if err != nil {
		p.metrics.Inc("pipeline_cycle_failures", nil)
		p.log.Errorw(append(pkglog.TraceKVs(ctx), "msg", "issue search failed, skipping cycle", "error", err)...)
		return report, fmt.Errorf("search issues: %w", err)
	}
	report.Found = len(issues)

	type workItem struct {
		issue *model.Issue
		hash  string
	}
	var work []workItem
	for _, issue := range issues {
		if issue == nil || issue.Key == "" {
			continue
		}
		hash := ContentHash(issue.Summary, issue.Description)
		if p.tracker.ShouldProcess(issue.Key, hash) {
			work = append(work, workItem{issue: issue, hash: hash})
		} else {
			report.Skipped++
		}
	}
	report.Selected = len(work)

	var succeeded, failed, skipped atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, item := range work {
		if ctx.Err() != nil {
			break
		}
		item := item
		g.Go(func() error {
			err := p.ProcessItem(ctx, item.issue, item.hash)
			switch {
			case err == nil:
				succeeded.Add(1)
			case pkgerrors.IsInvalidTransition(err):
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Succeeded = int(succeeded.Load())
	report.Failed = int(failed.Load())
	report.Skipped += int(skipped.Load())
	report.Exhausted = len(p.tracker.Exhausted())
	report.Duration = p.now().Sub(report.StartedAt)

	p.metrics.Gauge("pipeline_tickets_exhausted", float64(report.Exhausted), nil)
	p.metrics.Observe("pipeline_cycle_seconds", report.Duration, nil)
	if report.Exhausted > 0 {
		p.log.Warnw(append(pkglog.TraceKVs(ctx), "msg", "tickets exhausted their retries and need manual handling", "count", report.Exhausted)...)
	}
	p.log.Cycle(ctx, "processing cycle finished",
		"found", report.Found, "selected", report.Selected,
		"success", report.Succeeded, "failed", report.Failed, "skipped", report.Skipped,
		"duration", report.Duration.String())

	p.lastReport.Store(report)
	return report, nil
}

// ProcessItem runs the full pipeline for one ticket and records the outcome
// in the tracker.
func (p *TicketProcessor) ProcessItem(ctx context.Context, issue *model.Issue, contentHash string) error {
	ctx = pkglog.WithTicket(ctx, issue.Key)

	if err := p.tracker.MarkStart(issue.Key, contentHash); err != nil {
		p.log.Warnw(append(pkglog.TraceKVs(ctx), "msg", "ticket not started", "error", err)...)
		return err
	}

	p.metrics.Inc("pipeline_tickets_started", nil)
	p.metrics.Gauge("pipeline_active_tickets", float64(p.active.Add(1)), nil)
	defer func() {
		p.metrics.Gauge("pipeline_active_tickets", float64(p.active.Add(-1)), nil)
	}()

	start := p.now()
	meta := make(map[string]string)
	result, err := p.safeExecute(ctx, issue, meta)
	elapsed := p.now().Sub(start)
	meta["duration"] = elapsed.Round(time.Millisecond).String()
	p.metrics.Observe("pipeline_ticket_duration", elapsed, map[string]string{"language": meta["language"]})

	if err != nil {
		msg := err.Error()
		if ctx.Err() != nil {
			msg = "interrupted: " + msg
		}
		if markErr := p.tracker.MarkFailed(issue.Key, msg, meta); markErr != nil {
			p.log.Errorw(append(pkglog.TraceKVs(ctx), "msg", "failed to record ticket failure", "error", markErr)...)
		}
		p.metrics.Inc("pipeline_tickets_failed", map[string]string{"language": meta["language"]})
		p.log.Errorw(append(pkglog.TraceKVs(ctx), "msg", "ticket processing failed", "error", err)...)
		return err
	}

	if err := p.tracker.MarkComplete(issue.Key, result, meta); err != nil {
		p.log.Errorw(append(pkglog.TraceKVs(ctx), "msg", "failed to record ticket completion", "error", err)...)
		return err
	}
	p.metrics.Inc("pipeline_tickets_success", map[string]string{"language": meta["language"]})
	p.log.Ticket(ctx, "ticket completed", "pr_url", meta["pr_url"], "duration", meta["duration"])
	return nil
}

// safeExecute turns a panic anywhere in the pipeline into an error so the
// ticket is marked failed and the worker keeps running.
func (p *TicketProcessor) safeExecute(ctx context.Context, issue *model.Issue, meta map[string]string) (result string, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		stack := debug.Stack()
		p.metrics.Inc("pipeline_panics", nil)
		p.log.Errorw(append(pkglog.TraceKVs(ctx), "msg", "ticket pipeline panicked", "panic", fmt.Sprint(r), "stack", string(stack))...)
		result, err = "", &pkgerrors.PanicError{Where: "pipeline " + issue.Key, Value: r, Stack: stack}
	}()
	return p.execute(ctx, issue, meta)
}

func (p *TicketProcessor) execute(ctx context.Context, issue *model.Issue, meta map[string]string) (string, error) {
	detected := classify.Detect(issue.Summary + "\n" + issue.Description)
	lang := detected.Language
	if lang == classify.General {
		lang = classify.DefaultLanguage
	}
	meta["language"] = lang
	meta["domain"] = detected.Domain

	prompt, err := p.prompts.Draft(issue, lang, detected.Domain)
	if err != nil {
		return "", fmt.Errorf("render draft prompt: %w", err)
	}
	draft, err := p.generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate draft: %w", err)
	}
	code := codeblock.First(draft)
	if code == "" {
		return "", errors.New("draft response contained no code block")
	}

	rounds := 0
	for round := 1; round <= p.cfg.MaxRevisionRounds; round++ {
		rounds = round
		prompt, err := p.prompts.Revise(issue, lang, code, round)
		if err != nil {
			return "", fmt.Errorf("render revision prompt: %w", err)
		}
		reply, err := p.generate(ctx, prompt)
		if err != nil {
			return "", fmt.Errorf("revision round %d: %w", round, err)
		}
		if candidate := codeblock.Last(reply); candidate != "" {
			code = candidate
			meta["revised_in_round"] = strconv.Itoa(round)
			break
		}
	}
	meta["revision_rounds"] = strconv.Itoa(rounds)

	slug := slugify(issue.Key)
	branch := "autogen/" + slug
	artifact := path.Join(p.cfg.ArtifactDir, slug, "solution"+classify.Extension(lang))
	meta["branch"] = branch
	meta["artifact"] = artifact

	if err := Do(ctx, p.rm, conf.ServiceSourceControl, "create_branch", func(ctx context.Context) error {
		return p.scm.CreateBranch(ctx, branch, p.cfg.BaseBranch)
	}); err != nil {
		return "", fmt.Errorf("create branch: %w", err)
	}

	commitMsg := fmt.Sprintf("%s: %s", issue.Key, issue.Summary)
	if err := Do(ctx, p.rm, conf.ServiceSourceControl, "commit_file", func(ctx context.Context) error {
		return p.scm.CommitFile(ctx, branch, artifact, code+"\n", commitMsg)
	}); err != nil {
		return "", fmt.Errorf("commit artifact: %w", err)
	}

	body := fmt.Sprintf("Automated %s solution for %s.\n\nRevision rounds: %d", lang, issue.Key, rounds)
	pr, err := Invoke(ctx, p.rm, conf.ServiceSourceControl, "open_pull_request", func(ctx context.Context) (*model.PullRequest, error) {
		return p.scm.OpenPullRequest(ctx, branch, p.cfg.BaseBranch, commitMsg, body)
	})
	if err != nil {
		return "", fmt.Errorf("open pull request: %w", err)
	}
	if pr == nil {
		return "", errors.New("open pull request: no pull request returned")
	}
	meta["pr_url"] = pr.URL

	if p.cfg.AutoMerge {
		if err := Do(ctx, p.rm, conf.ServiceSourceControl, "merge_pull_request", func(ctx context.Context) error {
			return p.scm.MergePullRequest(ctx, pr)
		}); err != nil {
			return "", fmt.Errorf("merge pull request: %w", err)
		}
		meta["merged"] = "true"
	}

	comment := fmt.Sprintf("Generated a %s solution: %s (branch %s)", lang, pr.URL, branch)
	if err := Do(ctx, p.rm, conf.ServiceIssueTracker, "comment", func(ctx context.Context) error {
		return p.issues.AddComment(ctx, issue.Key, comment)
	}); err != nil {
		return "", fmt.Errorf("comment on issue: %w", err)
	}

	if p.cfg.DoneTransition != "" {
		if err := Do(ctx, p.rm, conf.ServiceIssueTracker, "transition", func(ctx context.Context) error {
			return p.issues.Transition(ctx, issue.Key, p.cfg.DoneTransition)
		}); err != nil {
			return "", fmt.Errorf("transition issue: %w", err)
		}
	}

	return fmt.Sprintf("pull request %s (branch %s)", pr.URL, branch), nil
}

func (p *TicketProcessor) generate(ctx context.Context, prompt string) (string, error) {
	return Invoke(ctx, p.rm, conf.ServiceCodeAgent, "generate", func(ctx context.Context) (string, error) {
		return p.agent.Generate(ctx, prompt)
	})
}

func (p *TicketProcessor) searchFallback(_ context.Context, _ error) (interface{}, error) {
	issues, ok := p.searchCache.Get(p.cfg.Query)
	if !ok {
		return nil, errors.New("no cached search result")
	}
	p.log.Fallback("serving last known search result", "query", p.cfg.Query, "issues", len(issues))
	return issues, nil
}

// manualUpdateFallback keeps a finished ticket from failing only because the
// issue tracker could not be updated; the update is logged for a human.
func (p *TicketProcessor) manualUpdateFallback(operation string) FallbackFunc {
	return func(ctx context.Context, cause error) (interface{}, error) {
		p.metrics.Inc("pipeline_manual_updates", map[string]string{"operation": operation})
		p.log.Fallback("issue tracker update logged for manual follow-up",
			append(pkglog.TraceKVs(ctx), "operation", operation, "cause", cause)...)
		return nil, nil
	}
}

func slugify(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
