package jobs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewmarion/workflow-service/internal/jobs"
	"github.com/matthewmarion/workflow-service/internal/store"
)

func TestFindWorkflow(t *testing.T) {
	s := store.NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, jobs.RegisterWorkflow(ctx, s, jobs.Workflow{Name: "test1", Definition: "arn:test1"}))
	require.NoError(t, jobs.RegisterWorkflow(ctx, s, jobs.Workflow{Name: "test2", Definition: "arn:test2"}))

	w, err := jobs.FindWorkflow(ctx, s, "test2")
	require.NoError(t, err)
	assert.Equal(t, "/workflows/test2", w.ID)
	assert.Equal(t, "arn:test2", w.Definition)

	_, err = jobs.FindWorkflow(ctx, s, "missing")
	assert.ErrorIs(t, err, jobs.ErrInvalidJob)
}
