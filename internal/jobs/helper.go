package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/matthewmarion/workflow-service/internal/problem"
	"github.com/matthewmarion/workflow-service/internal/store"
)

var (
	// ErrTerminal is returned when a transition is requested on a job
	// assignment that already completed, failed or was canceled.
	ErrTerminal = errors.New("job assignment is in a terminal state")
	// ErrInvalidJob is returned by Validate.
	ErrInvalidJob = errors.New("invalid job")
)

// Load reads a job assignment by store id.
func Load(ctx context.Context, s store.Store, id string) (*JobAssignment, error) {
	var a JobAssignment
	if err := store.GetAs(ctx, s, id, &a); err != nil {
		return nil, fmt.Errorf("loading job assignment %s: %w", id, err)
	}
	return &a, nil
}

// Save writes a job assignment under its id.
func Save(ctx context.Context, s store.Store, a *JobAssignment) error {
	return store.PutAs(ctx, s, a.ID, a)
}

// List returns every job assignment.
func List(ctx context.Context, s store.Store) ([]JobAssignment, error) {
	return store.QueryAll[JobAssignment](ctx, s, AssignmentPath)
}

// Helper loads one job assignment and applies lifecycle transitions to it.
// Callers serialize access with the mutex named after the job assignment id.
type Helper struct {
	store    store.Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	id         string
	assignment *JobAssignment
	output     map[string]any
}

// NewHelper returns a helper for the job assignment id.
func NewHelper(s store.Store, notifier Notifier, id string, logger *slog.Logger) *Helper {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Helper{
		store:    s,
		notifier: notifier,
		logger:   logger.With("job_assignment", id),
		now:      time.Now,
		id:       id,
	}
}

// ID returns the store id of the job assignment.
func (h *Helper) ID() string { return h.id }

// Initialize loads the job assignment. When target is set and differs from
// the current status, the assignment is moved to target and a notification
// is sent.
func (h *Helper) Initialize(ctx context.Context, target JobStatus) error {
	a, err := Load(ctx, h.store, h.id)
	if err != nil {
		return err
	}
	h.assignment = a
	h.output = maps.Clone(a.JobOutput)
	if h.output == nil {
		h.output = map[string]any{}
	}

	if target == "" || target == a.Status {
		return nil
	}
	return h.UpdateStatus(ctx, func(a *JobAssignment) {
		a.Status = target
	}, true)
}

// Assignment returns the last loaded state of the job assignment.
func (h *Helper) Assignment() *JobAssignment { return h.assignment }

// Status returns the current status.
func (h *Helper) Status() JobStatus {
	if h.assignment == nil {
		return ""
	}
	return h.assignment.Status
}

// JobInput returns the job's input parameters.
func (h *Helper) JobInput() map[string]any {
	if h.assignment == nil {
		return nil
	}
	return h.assignment.JobInput
}

// JobOutput returns the output bag. Changes are persisted by UpdateOutput,
// Complete and Fail.
func (h *Helper) JobOutput() map[string]any { return h.output }

// Tracker returns the job's tracker, if any.
func (h *Helper) Tracker() *Tracker {
	if h.assignment == nil {
		return nil
	}
	return h.assignment.Tracker
}

// Validate checks the job type and, when schema is set, the job input.
func (h *Helper) Validate(schema json.RawMessage) error {
	if h.assignment == nil {
		return fmt.Errorf("%w: job assignment not initialized", ErrInvalidJob)
	}
	if h.assignment.JobType != WorkflowJobType {
		return fmt.Errorf("%w: job type %q is not supported", ErrInvalidJob, h.assignment.JobType)
	}
	if len(schema) == 0 {
		return nil
	}

	compiled, err := jsonschema.CompileString(h.assignment.JobProfile+".schema.json", string(schema))
	if err != nil {
		return fmt.Errorf("%w: compiling input schema for %s: %v", ErrInvalidJob, h.assignment.JobProfile, err)
	}
	input, err := normalize(h.assignment.JobInput)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := compiled.Validate(input); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return nil
}

// normalize round-trips v through JSON so the validator sees only JSON types.
func normalize(v map[string]any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding job input: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decoding job input: %w", err)
	}
	return out, nil
}

// UpdateOutput persists the output bag without changing the status.
func (h *Helper) UpdateOutput(ctx context.Context) error {
	return h.UpdateStatus(ctx, func(a *JobAssignment) {
		a.JobOutput = maps.Clone(h.output)
	}, false)
}

// UpdateStatus reloads the job assignment, applies mutate and saves it.
// Assignments already in a terminal state are left untouched and
// ErrTerminal is returned.
func (h *Helper) UpdateStatus(ctx context.Context, mutate func(*JobAssignment), notify bool) error {
	a, err := Load(ctx, h.store, h.id)
	if err != nil {
		return err
	}
	if a.Status.IsTerminal() {
		h.assignment = a
		return fmt.Errorf("updating %s (status %s): %w", h.id, a.Status, ErrTerminal)
	}

	mutate(a)
	a.DateModified = h.now().UTC()
	if err := Save(ctx, h.store, a); err != nil {
		return fmt.Errorf("saving job assignment %s: %w", h.id, err)
	}
	h.assignment = a

	if notify {
		h.sendNotification(ctx, a)
	}
	return nil
}

// Complete marks the job assignment Completed with the current output bag.
func (h *Helper) Complete(ctx context.Context) error {
	return h.UpdateStatus(ctx, func(a *JobAssignment) {
		a.Status = StatusCompleted
		a.Progress = intPtr(100)
		a.JobOutput = maps.Clone(h.output)
	}, true)
}

// Fail marks the job assignment Failed with d.
func (h *Helper) Fail(ctx context.Context, d problem.Detail) error {
	h.logger.Warn("failing job assignment", "type", d.Type, "title", d.Title, "detail", d.Detail)
	return h.UpdateStatus(ctx, func(a *JobAssignment) {
		a.Status = StatusFailed
		a.Error = &d
		a.JobOutput = maps.Clone(h.output)
	}, true)
}

// Cancel marks the job assignment Canceled.
func (h *Helper) Cancel(ctx context.Context) error {
	return h.UpdateStatus(ctx, func(a *JobAssignment) {
		a.Status = StatusCanceled
	}, true)
}

// sendNotification reports the new state to the job's notification
// endpoint. The state is already saved, so delivery failures are logged only.
// Notify sends the last loaded state of the job assignment to its
// notification endpoint, if it has one.
func (h *Helper) Notify(ctx context.Context) {
	if h.assignment != nil {
		h.sendNotification(ctx, h.assignment)
	}
}

func (h *Helper) sendNotification(ctx context.Context, a *JobAssignment) {
	if a.NotificationEndpoint == nil || a.NotificationEndpoint.HTTPEndpoint == "" {
		return
	}
	n, err := NewNotification(a)
	if err != nil {
		h.logger.Error("building notification", "error", err)
		return
	}
	if err := h.notifier.Notify(ctx, a.NotificationEndpoint.HTTPEndpoint, n); err != nil {
		h.logger.Error("sending notification", "endpoint", a.NotificationEndpoint.HTTPEndpoint, "error", err)
	}
}

func intPtr(v int) *int { return &v }
