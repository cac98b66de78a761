// Package engine defines the contract of the external workflow execution
// engine that runs state-machine definitions.
package engine

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned by backends that lack an operation.
	ErrUnsupported = errors.New("operation not supported by execution engine")
	// ErrExecutionNotFound is returned when the engine does not know a handle.
	ErrExecutionNotFound = errors.New("execution not found")
)

// Status is the engine-reported state of an execution.
type Status int

const (
	StatusUnknown Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusTimedOut
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusFailed:
		return "FAILED"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus maps the engine's status names onto Status.
func ParseStatus(s string) Status {
	switch s {
	case "RUNNING", "PENDING_REDRIVE":
		return StatusRunning
	case "SUCCEEDED":
		return StatusSucceeded
	case "FAILED":
		return StatusFailed
	case "TIMED_OUT":
		return StatusTimedOut
	case "ABORTED":
		return StatusAborted
	default:
		return StatusUnknown
	}
}

// Execution is the result of DescribeExecution. Output is the raw JSON
// document the workflow produced and is only set once it succeeded.
type Execution struct {
	Handle string
	Status Status
	Output string
}

// Definition is the static definition an execution runs.
type Definition struct {
	Name       string
	Definition string
}

// Failure is the error tag and cause attached to a failure event.
type Failure struct {
	Error string
	Cause string
}

// Event types the reconciler looks for in history.
const (
	EventExecutionFailed = "ExecutionFailed"
	EventStateExited     = "StateExited"
)

// HistoryEvent is one entry of an execution's history.
type HistoryEvent struct {
	ID        int64
	Type      string
	StateName string
	Failure   *Failure
}

// HistoryPage is one page of ListHistory. NextToken is empty on the last page.
type HistoryPage struct {
	Events    []HistoryEvent
	NextToken string
}

// Client is an execution engine.
type Client interface {
	DescribeExecution(ctx context.Context, handle string) (*Execution, error)
	DescribeDefinition(ctx context.Context, handle string) (*Definition, error)
	ListHistory(ctx context.Context, handle, pageToken string) (*HistoryPage, error)
	// Start runs definitionRef with input and returns the execution handle.
	Start(ctx context.Context, definitionRef string, input []byte) (string, error)
	Stop(ctx context.Context, handle string) error
	SendTaskSuccess(ctx context.Context, taskToken string, output []byte) error
	SendTaskFailure(ctx context.Context, taskToken, errorTag, cause string) error
}

// History drains every page of an execution's history.
func History(ctx context.Context, c Client, handle string) ([]HistoryEvent, error) {
	var events []HistoryEvent
	token := ""
	for {
		page, err := c.ListHistory(ctx, handle, token)
		if err != nil {
			return nil, fmt.Errorf("listing history of %s: %w", handle, err)
		}
		events = append(events, page.Events...)
		if page.NextToken == "" {
			return events, nil
		}
		token = page.NextToken
	}
}

// FindEvent returns the first event of the given type, or nil.
func FindEvent(events []HistoryEvent, eventType string) *HistoryEvent {
	for i := range events {
		if events[i].Type == eventType {
			return &events[i]
		}
	}
	return nil
}
