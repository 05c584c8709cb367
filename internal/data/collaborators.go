package data

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"TicketForge/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// NoopIssueTracker is the demo-mode issue tracker: it finds nothing and
// logs write-backs.
type NoopIssueTracker struct {
	logger *log.Helper
}

// NewNoopIssueTracker creates a new noop issue tracker
func NewNoopIssueTracker(logger log.Logger) *NoopIssueTracker {
	return &NoopIssueTracker{logger: log.NewHelper(log.With(logger, "module", "data/issues"))}
}

func (t *NoopIssueTracker) SearchIssues(_ context.Context, query string) ([]*model.Issue, error) {
	t.logger.Debugw("msg", "issue search (issue tracker disabled)", "query", query)
	return nil, nil
}

func (t *NoopIssueTracker) AddComment(_ context.Context, key, body string) error {
	t.logger.Infow("msg", "issue comment (issue tracker disabled)", "ticket", key, "comment", body)
	return nil
}

func (t *NoopIssueTracker) Transition(_ context.Context, key, state string) error {
	t.logger.Infow("msg", "issue transition (issue tracker disabled)", "ticket", key, "state", state)
	return nil
}

// NoopSourceControl is the demo-mode source control: branches, commits and
// pull requests are only logged and kept in memory.
type NoopSourceControl struct {
	logger *log.Helper
	seq    atomic.Int64

	mu      sync.Mutex
	commits map[string][]string // branch -> committed paths
}

// NewNoopSourceControl creates a new noop source control
func NewNoopSourceControl(logger log.Logger) *NoopSourceControl {
	return &NoopSourceControl{
		logger:  log.NewHelper(log.With(logger, "module", "data/scm")),
		commits: make(map[string][]string),
	}
}

func (s *NoopSourceControl) CreateBranch(_ context.Context, branch, base string) error {
	s.logger.Infow("msg", "create branch (source control disabled)", "branch", branch, "base", base)
	s.mu.Lock()
	if _, ok := s.commits[branch]; !ok {
		s.commits[branch] = nil
	}
	s.mu.Unlock()
	return nil
}

func (s *NoopSourceControl) CommitFile(_ context.Context, branch, path, content, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commits[branch]; !ok {
		return fmt.Errorf("branch %s does not exist", branch)
	}
	s.commits[branch] = append(s.commits[branch], path)
	s.logger.Infow("msg", "commit file (source control disabled)", "branch", branch, "path", path, "bytes", len(content), "message", message)
	return nil
}

func (s *NoopSourceControl) OpenPullRequest(_ context.Context, branch, base, title, _ string) (*model.PullRequest, error) {
	n := int(s.seq.Add(1))
	pr := &model.PullRequest{Number: n, URL: fmt.Sprintf("noop://pull/%d", n), Branch: branch}
	s.logger.Infow("msg", "open pull request (source control disabled)", "branch", branch, "base", base, "title", title, "number", n)
	return pr, nil
}

func (s *NoopSourceControl) MergePullRequest(_ context.Context, pr *model.PullRequest) error {
	s.logger.Infow("msg", "merge pull request (source control disabled)", "number", pr.Number, "branch", pr.Branch)
	return nil
}

// Commits returns the paths committed to branch.
func (s *NoopSourceControl) Commits(branch string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commits[branch]...)
}
