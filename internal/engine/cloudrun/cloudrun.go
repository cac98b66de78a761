// Package cloudrun implements engine.Client on the Cloud Run Jobs API, or
// on an emulator that speaks it.
//
// A Cloud Run job is treated as a single-state workflow: the definition
// reference is the job's resource name, the execution handle is the
// execution's resource name and the workflow input is passed to the
// container in the WORKFLOW_INPUT environment variable. Cloud Run has no
// task tokens, so task callbacks return engine.ErrUnsupported.
package cloudrun

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	runpb "cloud.google.com/go/run/apiv2/runpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/matthewmarion/workflow-service/internal/engine"
)

// InputEnv is the container environment variable carrying the workflow input.
const InputEnv = "WORKFLOW_INPUT"

// Client is an engine.Client backed by Cloud Run Jobs.
type Client struct {
	jobs       runpb.JobsClient
	executions runpb.ExecutionsClient
}

// New returns a client using conn.
func New(conn grpc.ClientConnInterface) *Client {
	return &Client{
		jobs:       runpb.NewJobsClient(conn),
		executions: runpb.NewExecutionsClient(conn),
	}
}

// Dial connects to the Jobs API at addr. Use insecure for local emulators.
func Dial(addr string, insecureConn bool) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(nil)
	if insecureConn {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialing cloud run at %s: %w", addr, err)
	}
	return conn, nil
}

func (c *Client) DescribeExecution(ctx context.Context, handle string) (*engine.Execution, error) {
	exec, err := c.executions.GetExecution(ctx, &runpb.GetExecutionRequest{Name: handle})
	if err != nil {
		return nil, mapError(handle, err)
	}
	return &engine.Execution{Handle: handle, Status: executionStatus(exec)}, nil
}

// executionStatus folds an execution's counters and Completed condition
// into an engine status.
func executionStatus(exec *runpb.Execution) engine.Status {
	if exec.GetCancelledCount() > 0 {
		return engine.StatusAborted
	}
	cond := completedCondition(exec)
	if cond == nil {
		return engine.StatusRunning
	}
	switch cond.GetState() {
	case runpb.Condition_CONDITION_SUCCEEDED:
		return engine.StatusSucceeded
	case runpb.Condition_CONDITION_FAILED:
		return engine.StatusFailed
	case runpb.Condition_CONDITION_PENDING, runpb.Condition_CONDITION_RECONCILING:
		return engine.StatusRunning
	default:
		return engine.StatusUnknown
	}
}

func completedCondition(exec *runpb.Execution) *runpb.Condition {
	for _, c := range exec.GetConditions() {
		if c.GetType() == "Completed" {
			return c
		}
	}
	return nil
}

func (c *Client) DescribeDefinition(ctx context.Context, handle string) (*engine.Definition, error) {
	exec, err := c.executions.GetExecution(ctx, &runpb.GetExecutionRequest{Name: handle})
	if err != nil {
		return nil, mapError(handle, err)
	}
	job, err := c.jobs.GetJob(ctx, &runpb.GetJobRequest{Name: exec.GetJob()})
	if err != nil {
		return nil, mapError(handle, err)
	}

	name := shortName(job.GetName())
	def, err := json.Marshal(map[string]any{
		"StartAt": name,
		"States": map[string]any{
			name: map[string]any{"Type": "Task", "End": true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding definition of %s: %w", job.GetName(), err)
	}
	return &engine.Definition{Name: name, Definition: string(def)}, nil
}

// ListHistory synthesizes a history from the execution's current state.
// Everything fits on one page.
func (c *Client) ListHistory(ctx context.Context, handle, _ string) (*engine.HistoryPage, error) {
	exec, err := c.executions.GetExecution(ctx, &runpb.GetExecutionRequest{Name: handle})
	if err != nil {
		return nil, mapError(handle, err)
	}

	state := shortName(exec.GetJob())
	events := []engine.HistoryEvent{{ID: 1, Type: "ExecutionStarted"}}
	switch executionStatus(exec) {
	case engine.StatusSucceeded:
		events = append(events,
			engine.HistoryEvent{ID: 2, Type: "TaskStateExited", StateName: state},
			engine.HistoryEvent{ID: 3, Type: "ExecutionSucceeded"},
		)
	case engine.StatusFailed:
		events = append(events, engine.HistoryEvent{
			ID:      2,
			Type:    engine.EventExecutionFailed,
			Failure: failure(exec),
		})
	case engine.StatusAborted:
		events = append(events, engine.HistoryEvent{ID: 2, Type: "ExecutionAborted"})
	}
	return &engine.HistoryPage{Events: events}, nil
}

func failure(exec *runpb.Execution) *engine.Failure {
	msg := ""
	if cond := completedCondition(exec); cond != nil {
		msg = cond.GetMessage()
	}
	if msg == "" {
		msg = fmt.Sprintf("%d of %d tasks failed", exec.GetFailedCount(), exec.GetTaskCount())
	}
	cause, _ := json.Marshal(map[string]string{"errorMessage": msg})
	return &engine.Failure{Error: "Error", Cause: string(cause)}
}

func (c *Client) Start(ctx context.Context, definitionRef string, input []byte) (string, error) {
	op, err := c.jobs.RunJob(ctx, &runpb.RunJobRequest{
		Name: definitionRef,
		Overrides: &runpb.RunJobRequest_Overrides{
			ContainerOverrides: []*runpb.RunJobRequest_Overrides_ContainerOverride{{
				Env: []*runpb.EnvVar{{
					Name:   InputEnv,
					Values: &runpb.EnvVar_Value{Value: string(input)},
				}},
			}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("running job %s: %w", definitionRef, err)
	}

	if meta := op.GetMetadata(); meta != nil {
		var exec runpb.Execution
		if err := meta.UnmarshalTo(&exec); err != nil {
			return "", fmt.Errorf("decoding execution of %s: %w", definitionRef, err)
		}
		if exec.GetName() != "" {
			return exec.GetName(), nil
		}
	}
	if op.GetName() == "" {
		return "", fmt.Errorf("running job %s: operation carries no execution name", definitionRef)
	}
	return op.GetName(), nil
}

func (c *Client) Stop(ctx context.Context, handle string) error {
	if _, err := c.executions.CancelExecution(ctx, &runpb.CancelExecutionRequest{Name: handle}); err != nil {
		// An execution that already finished cannot be canceled.
		if status.Code(err) == codes.FailedPrecondition {
			return nil
		}
		return mapError(handle, err)
	}
	return nil
}

func (c *Client) SendTaskSuccess(context.Context, string, []byte) error {
	return fmt.Errorf("cloud run: send task success: %w", engine.ErrUnsupported)
}

func (c *Client) SendTaskFailure(context.Context, string, string, string) error {
	return fmt.Errorf("cloud run: send task failure: %w", engine.ErrUnsupported)
}

// shortName extracts the last segment of a resource name.
func shortName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func mapError(handle string, err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", engine.ErrExecutionNotFound, handle)
	}
	return fmt.Errorf("execution %s: %w", handle, err)
}

var _ engine.Client = (*Client)(nil)
