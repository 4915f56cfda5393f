package tracker

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() *LogTracker {
	return NewLogTracker(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLogTracker_Lifecycle(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	id, err := tr.CreateIssue(ctx, &Issue{
		RunID: "run-1", NodeID: "verify",
		Title:  "feedback budget exhausted",
		Labels: []string{"feedback"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	open := tr.OpenIssues()
	require.Len(t, open, 1)
	assert.Equal(t, "open", open[0].State)
	assert.Equal(t, "feedback budget exhausted", open[0].Title)

	require.NoError(t, tr.Comment(ctx, id, "retried manually"))
	require.NoError(t, tr.CloseIssue(ctx, id))
	assert.Empty(t, tr.OpenIssues())
}

func TestLogTracker_UnknownIssueIsTolerated(t *testing.T) {
	tr := newTestTracker()
	assert.NoError(t, tr.Comment(context.Background(), "missing", "hello"))
	assert.NoError(t, tr.CloseIssue(context.Background(), "missing"))
}
