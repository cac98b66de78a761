// Package problem defines the structured error record attached to failed
// job assignments.
package problem

import (
	"encoding/json"
	"fmt"
)

const typePrefix = "uri://workflow-service/rfc7807/"

// Stable classification URIs.
const (
	TypeGenericWorkflowFailure = typePrefix + "generic-workflow-failure"
	TypeStepFailure            = typePrefix + "step-failure"
	TypeJobFailure             = typePrefix + "job-failure"
	TypeExecutionTimeout       = typePrefix + "job-execution-timeout"
	TypeGenericError           = typePrefix + "generic-error"
	TypeGenericJobFailure      = typePrefix + "generic-job-failure"
)

// Detail is an RFC 7807 style problem record. Values are never mutated
// after construction.
type Detail struct {
	Type       string          `json:"type"`
	Title      string          `json:"title"`
	Detail     string          `json:"detail,omitempty"`
	Job        json.RawMessage `json:"job,omitempty"`
	Stacktrace string          `json:"stacktrace,omitempty"`
}

func (d Detail) String() string {
	if d.Detail == "" {
		return fmt.Sprintf("%s (%s)", d.Title, d.Type)
	}
	return fmt.Sprintf("%s: %s (%s)", d.Title, d.Detail, d.Type)
}

// GenericError wraps an unexpected error raised while handling a job.
func GenericError(err error) Detail {
	return Detail{
		Type:   TypeGenericError,
		Title:  "Generic Error",
		Detail: "Unexpected error occurred: " + err.Error(),
	}
}

// GenericJobFailure is used when a job assignment could not be started.
func GenericJobFailure(err error) Detail {
	return Detail{
		Type:   TypeGenericJobFailure,
		Title:  "Generic job failure",
		Detail: err.Error(),
	}
}

// ExecutionTimeout is reported when the engine timed out the whole run. Its
// title is not the one Classify gives a States.Timeout failure, and both are
// kept as they are.
func ExecutionTimeout() Detail {
	return Detail{
		Type:  TypeExecutionTimeout,
		Title: "Execution of a job timed out",
	}
}
