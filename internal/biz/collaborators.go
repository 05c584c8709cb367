package biz

import (
	"context"

	"TicketForge/internal/model"
)

// IssueTracker is the ticket source (Jira or similar).
type IssueTracker interface {
	SearchIssues(ctx context.Context, query string) ([]*model.Issue, error)
	AddComment(ctx context.Context, key, body string) error
	Transition(ctx context.Context, key, state string) error
}

// SourceControl receives the generated artifact.
type SourceControl interface {
	CreateBranch(ctx context.Context, branch, base string) error
	CommitFile(ctx context.Context, branch, path, content, message string) error
	OpenPullRequest(ctx context.Context, branch, base, title, body string) (*model.PullRequest, error)
	MergePullRequest(ctx context.Context, pr *model.PullRequest) error
}

// CodeAgent turns a prompt into a free text answer containing code blocks.
type CodeAgent interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// PromptBuilder renders the prompts sent to the CodeAgent.
type PromptBuilder interface {
	Draft(issue *model.Issue, language, domain string) (string, error)
	Revise(issue *model.Issue, language, code string, round int) (string, error)
}
