// Package jobs models job assignments and the lifecycle helper that every
// worker operation and the reconciler use to mutate them.
package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matthewmarion/workflow-service/internal/problem"
)

// JobStatus is the lifecycle state of a job assignment.
type JobStatus string

const (
	StatusNew       JobStatus = "New"
	StatusPending   JobStatus = "Pending"
	StatusRunning   JobStatus = "Running"
	StatusCompleted JobStatus = "Completed"
	StatusFailed    JobStatus = "Failed"
	StatusCanceled  JobStatus = "Canceled"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// WorkflowJobType is the only job type this service runs.
const WorkflowJobType = "WorkflowJob"

// AssignmentPath is the store path under which job assignments live.
const AssignmentPath = "/job-assignments"

// AssignmentID returns the store id for a job assignment short id.
func AssignmentID(shortID string) string {
	return AssignmentPath + "/" + shortID
}

// ShortID strips the store path from a job assignment id.
func ShortID(id string) string {
	return strings.TrimPrefix(id, AssignmentPath+"/")
}

// Tracker correlates everything done on behalf of one job.
type Tracker struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// NotificationEndpoint is where status changes of a job assignment are posted.
type NotificationEndpoint struct {
	HTTPEndpoint string `json:"httpEndpoint"`
}

// JobAssignment tracks one job run by this service.
type JobAssignment struct {
	ID                   string                `json:"id"`
	JobID                string                `json:"jobId,omitempty"`
	JobType              string                `json:"jobType"`
	JobProfile           string                `json:"jobProfile"`
	JobInput             map[string]any        `json:"jobInput,omitempty"`
	Status               JobStatus             `json:"status"`
	Progress             *int                  `json:"progress,omitempty"`
	Error                *problem.Detail       `json:"error,omitempty"`
	JobOutput            map[string]any        `json:"jobOutput,omitempty"`
	Tracker              *Tracker              `json:"tracker,omitempty"`
	NotificationEndpoint *NotificationEndpoint `json:"notificationEndpoint,omitempty"`
	DateCreated          time.Time             `json:"dateCreated"`
	DateModified         time.Time             `json:"dateModified"`
}

// Request asks the worker to run an operation. The reconciler keeps a copy of
// the request that started an execution so it can act as if re-entering it.
type Request struct {
	OperationName string         `json:"operationName"`
	Input         map[string]any `json:"input,omitempty"`
	Tracker       *Tracker       `json:"tracker,omitempty"`
}

// InputJobAssignmentID is the input key naming the job assignment a request acts on.
const InputJobAssignmentID = "jobAssignmentDatabaseId"

// JobAssignmentID returns the job assignment the request acts on, or "".
func (r Request) JobAssignmentID() string {
	id, _ := r.Input[InputJobAssignmentID].(string)
	return id
}

// DecodeInput converts the loosely typed input into v.
func (r Request) DecodeInput(v any) error {
	b, err := json.Marshal(r.Input)
	if err != nil {
		return fmt.Errorf("encoding request input: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding request input: %w", err)
	}
	return nil
}

// Notification is the message exchanged about a job's status. Content carries
// at least a "status" field.
type Notification struct {
	Source  json.RawMessage `json:"source,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Status extracts content.status.
func (n Notification) Status() (JobStatus, error) {
	if len(n.Content) == 0 {
		return "", fmt.Errorf("notification has no content")
	}
	var c struct {
		Status JobStatus `json:"status"`
	}
	if err := json.Unmarshal(n.Content, &c); err != nil {
		return "", fmt.Errorf("decoding notification content: %w", err)
	}
	if c.Status == "" {
		return "", fmt.Errorf("notification content has no status")
	}
	return c.Status, nil
}
