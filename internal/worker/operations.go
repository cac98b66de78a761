package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/matthewmarion/workflow-service/internal/engine"
	"github.com/matthewmarion/workflow-service/internal/jobs"
	"github.com/matthewmarion/workflow-service/internal/problem"
	"github.com/matthewmarion/workflow-service/internal/registry"
	"github.com/matthewmarion/workflow-service/internal/store"
)

// Operation names.
const (
	OpProcessJobAssignment = "ProcessJobAssignment"
	OpProcessCancel        = "ProcessCancel"
	OpProcessNotification  = "ProcessNotification"
	OpReconcile            = "Reconcile"
)

// Failure tags sent to the engine when a job the workflow waits on ends badly.
const (
	TaskErrorJobFailed   = "JobFailed"
	TaskErrorJobCanceled = "JobCanceled"
)

// Enabler re-arms the periodic trigger.
type Enabler interface {
	Enable(ctx context.Context) error
}

// Operations implements the job assignment operations.
type Operations struct {
	Store    store.Store
	Engine   engine.Client
	Registry *registry.Registry
	Trigger  Enabler
	Notifier jobs.Notifier
	Logger   *slog.Logger
	// PublicURL is the base URL workflows use to call back into the API.
	PublicURL string
}

// Register adds the operations to w.
func (o *Operations) Register(w *Worker) {
	w.AddOperation(OpProcessJobAssignment, o.ProcessJobAssignment).
		AddOperation(OpProcessCancel, o.ProcessCancel).
		AddOperation(OpProcessNotification, o.ProcessNotification)
}

// Runner runs one reconciliation pass.
type Runner interface {
	Run(ctx context.Context) error
}

// Reconcile adapts a reconciler to an Operation. The request input is ignored.
func Reconcile(r Runner) Operation {
	return func(ctx context.Context, _ jobs.Request) error {
		return r.Run(ctx)
	}
}

func (o *Operations) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// withJobAssignment runs fn with a helper under the job assignment's mutex.
func (o *Operations) withJobAssignment(ctx context.Context, req jobs.Request, fn func(*jobs.Helper) error) error {
	id := req.JobAssignmentID()
	if id == "" {
		return fmt.Errorf("request has no %s", jobs.InputJobAssignmentID)
	}
	logger := o.logger()
	m := o.Store.CreateMutex(id, uuid.NewString())
	return store.WithMutex(ctx, m, func() error {
		return fn(jobs.NewHelper(o.Store, o.Notifier, id, logger))
	}, func(err error) {
		logger.Error("unlocking job assignment", "job_assignment", id, "error", err)
	})
}

// ProcessJobAssignment starts the workflow for a new job assignment. Any
// failure is recorded on the job assignment instead of being returned.
func (o *Operations) ProcessJobAssignment(ctx context.Context, req jobs.Request) error {
	return o.withJobAssignment(ctx, req, func(h *jobs.Helper) error {
		if err := o.startWorkflow(ctx, req, h); err != nil {
			o.logger().Error("starting workflow", "job_assignment", h.ID(), "error", err)
			if ferr := h.Fail(ctx, problem.GenericJobFailure(err)); ferr != nil {
				o.logger().Error("recording failure on job assignment", "job_assignment", h.ID(), "error", ferr)
			}
		}
		return nil
	})
}

func (o *Operations) startWorkflow(ctx context.Context, req jobs.Request, h *jobs.Helper) error {
	if err := h.Initialize(ctx, jobs.StatusRunning); err != nil {
		return err
	}
	a := h.Assignment()
	if a.JobType != jobs.WorkflowJobType {
		return fmt.Errorf("%w: job type %q is not supported", jobs.ErrInvalidJob, a.JobType)
	}

	wf, err := jobs.FindWorkflow(ctx, o.Store, a.JobProfile)
	if err != nil {
		return err
	}
	if err := h.Validate(wf.InputSchema); err != nil {
		return err
	}

	input, err := json.Marshal(map[string]any{
		"input":                h.JobInput(),
		"notificationEndpoint": jobs.NotificationEndpoint{HTTPEndpoint: o.notificationURL(a.ID)},
		"tracker":              h.Tracker(),
	})
	if err != nil {
		return fmt.Errorf("encoding workflow input: %w", err)
	}

	handle, err := o.Engine.Start(ctx, wf.Definition, input)
	if err != nil {
		return fmt.Errorf("starting %s: %w", wf.Name, err)
	}
	o.logger().Info("workflow started", "job_assignment", a.ID, "workflow", wf.Name, "execution", handle)

	if err := o.Registry.Add(ctx, registry.NewRecord(handle, req)); err != nil {
		return err
	}
	if err := o.Trigger.Enable(ctx); err != nil {
		return fmt.Errorf("enabling trigger: %w", err)
	}

	h.JobOutput()["executionArn"] = handle
	return h.UpdateOutput(ctx)
}

func (o *Operations) notificationURL(jobAssignmentID string) string {
	return strings.TrimSuffix(o.PublicURL, "/") + jobAssignmentID + "/notifications"
}

// ProcessCancel stops the execution of a running job assignment and marks
// it Canceled.
func (o *Operations) ProcessCancel(ctx context.Context, req jobs.Request) error {
	return o.withJobAssignment(ctx, req, func(h *jobs.Helper) error {
		if err := o.cancel(ctx, h); err != nil {
			o.logger().Error("canceling job assignment", "job_assignment", h.ID(), "error", err)
			if ferr := h.Fail(ctx, problem.GenericError(err)); ferr != nil {
				o.logger().Error("recording failure on job assignment", "job_assignment", h.ID(), "error", ferr)
			}
		}
		return nil
	})
}

func (o *Operations) cancel(ctx context.Context, h *jobs.Helper) error {
	if err := h.Initialize(ctx, ""); err != nil {
		return err
	}
	if h.Status().IsTerminal() {
		return nil
	}
	if handle, _ := h.JobOutput()["executionArn"].(string); handle != "" {
		if err := o.Engine.Stop(ctx, handle); err != nil && !errors.Is(err, engine.ErrExecutionNotFound) {
			return fmt.Errorf("stopping execution %s: %w", handle, err)
		}
	}
	return h.Cancel(ctx)
}

// NotificationInput is the input of ProcessNotification.
type NotificationInput struct {
	JobAssignmentID string            `json:"jobAssignmentDatabaseId"`
	Notification    jobs.Notification `json:"notification"`
	TaskToken       string            `json:"taskToken"`
}

// ProcessNotification relays a job notification to the workflow step
// waiting on the task token.
func (o *Operations) ProcessNotification(ctx context.Context, req jobs.Request) error {
	var in NotificationInput
	if err := req.DecodeInput(&in); err != nil {
		return err
	}
	if in.TaskToken == "" {
		return errors.New("notification has no task token")
	}
	return o.withJobAssignment(ctx, req, func(*jobs.Helper) error {
		return RelayNotification(ctx, o.Engine, in.TaskToken, in.Notification)
	})
}

// RelayNotification reports a job's final state to the engine. Completed
// sends the notification source as the task output; Failed and Canceled
// send the notification content as the failure cause. Other states are
// ignored.
func RelayNotification(ctx context.Context, eng engine.Client, taskToken string, n jobs.Notification) error {
	status, err := n.Status()
	if err != nil {
		return err
	}

	switch status {
	case jobs.StatusCompleted:
		output := []byte(n.Source)
		if len(output) == 0 {
			output = []byte("null")
		}
		if err := eng.SendTaskSuccess(ctx, taskToken, output); err != nil {
			return fmt.Errorf("sending task success: %w", err)
		}
	case jobs.StatusFailed:
		if err := eng.SendTaskFailure(ctx, taskToken, TaskErrorJobFailed, string(n.Content)); err != nil {
			return fmt.Errorf("sending task failure: %w", err)
		}
	case jobs.StatusCanceled:
		if err := eng.SendTaskFailure(ctx, taskToken, TaskErrorJobCanceled, string(n.Content)); err != nil {
			return fmt.Errorf("sending task failure: %w", err)
		}
	}
	return nil
}
