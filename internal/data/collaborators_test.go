package data

import (
	"context"
	"testing"

	"TicketForge/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopSourceControl_Flow(t *testing.T) {
	scm := NewNoopSourceControl(log.DefaultLogger)
	ctx := context.Background()

	assert.Error(t, scm.CommitFile(ctx, "autogen/x", "a.go", "package a", "msg"), "commit needs the branch")

	require.NoError(t, scm.CreateBranch(ctx, "autogen/proj-1", "main"))
	require.NoError(t, scm.CommitFile(ctx, "autogen/proj-1", "generated/proj-1/solution.go", "package main", "PROJ-1: x"))
	assert.Equal(t, []string{"generated/proj-1/solution.go"}, scm.Commits("autogen/proj-1"))

	pr1, err := scm.OpenPullRequest(ctx, "autogen/proj-1", "main", "t", "b")
	require.NoError(t, err)
	pr2, err := scm.OpenPullRequest(ctx, "autogen/proj-2", "main", "t", "b")
	require.NoError(t, err)
	assert.Equal(t, 1, pr1.Number)
	assert.Equal(t, "noop://pull/2", pr2.URL)

	assert.NoError(t, scm.MergePullRequest(ctx, &model.PullRequest{Number: 1, Branch: "autogen/proj-1"}))
}

func TestNoopIssueTracker(t *testing.T) {
	tracker := NewNoopIssueTracker(log.DefaultLogger)
	ctx := context.Background()

	issues, err := tracker.SearchIssues(ctx, "project = PROJ")
	assert.NoError(t, err)
	assert.Empty(t, issues)
	assert.NoError(t, tracker.AddComment(ctx, "PROJ-1", "done"))
	assert.NoError(t, tracker.Transition(ctx, "PROJ-1", "Done"))
}
