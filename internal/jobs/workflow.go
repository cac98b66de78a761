package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matthewmarion/workflow-service/internal/store"
)

// WorkflowPath is the store path under which workflows are registered.
const WorkflowPath = "/workflows"

// Workflow maps a job profile name to an engine definition.
type Workflow struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Definition  string          `json:"definition"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// RegisterWorkflow stores w under /workflows/<name>.
func RegisterWorkflow(ctx context.Context, s store.Store, w Workflow) error {
	w.ID = WorkflowPath + "/" + w.Name
	if err := store.PutAs(ctx, s, w.ID, w); err != nil {
		return fmt.Errorf("registering workflow %s: %w", w.Name, err)
	}
	return nil
}

// ListWorkflows returns every registered workflow.
func ListWorkflows(ctx context.Context, s store.Store) ([]Workflow, error) {
	return store.QueryAll[Workflow](ctx, s, WorkflowPath)
}

// FindWorkflow returns the workflow named profile.
func FindWorkflow(ctx context.Context, s store.Store, profile string) (*Workflow, error) {
	workflows, err := ListWorkflows(ctx, s)
	if err != nil {
		return nil, err
	}
	for i := range workflows {
		if workflows[i].Name == profile {
			return &workflows[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no workflow found for job profile %q", ErrInvalidJob, profile)
}
