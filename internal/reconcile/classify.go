package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matthewmarion/workflow-service/internal/engine"
	"github.com/matthewmarion/workflow-service/internal/problem"
)

// Failure tags the engine reports on ExecutionFailed events.
const (
	TagError       = "Error"
	TagJobFailed   = "JobFailed"
	TagJobCanceled = "JobCanceled"
	TagTimeout     = "States.Timeout"
)

// cause is a parsed failure. Each tag has its own variant.
type cause interface {
	problem() problem.Detail
}

type stepError struct {
	message string
}

// jobRecord holds the fields of a job document carried in a JobFailed or
// JobCanceled cause. raw is the cause itself so the payload round-trips.
// When the cause is not JSON only text is set.
type jobRecord struct {
	raw   json.RawMessage
	text  string
	id    string
	title string
}

type jobFailed struct{ job jobRecord }

type jobCanceled struct{ job jobRecord }

type timedOut struct{}

type unknownFailure struct{}

// Classify maps a failure event onto a problem record. A nil failure means
// no ExecutionFailed event was found. It never fails: unparsable causes
// fall back to the raw cause text.
func Classify(f *engine.Failure) problem.Detail {
	return parseCause(f).problem()
}

func parseCause(f *engine.Failure) cause {
	if f == nil {
		return unknownFailure{}
	}
	switch f.Error {
	case TagError:
		return stepError{message: stepMessage(f.Cause)}
	case TagJobFailed:
		return jobFailed{job: parseJob(f.Cause)}
	case TagJobCanceled:
		return jobCanceled{job: parseJob(f.Cause)}
	case TagTimeout:
		return timedOut{}
	default:
		return unknownFailure{}
	}
}

func stepMessage(raw string) string {
	var c struct {
		ErrorMessage *string `json:"errorMessage"`
	}
	if err := json.Unmarshal([]byte(raw), &c); err == nil && c.ErrorMessage != nil {
		return *c.ErrorMessage
	}
	if strings.TrimSpace(raw) != "" {
		return raw
	}
	return "Unknown error occurred"
}

func parseJob(raw string) jobRecord {
	var j struct {
		ID    string `json:"id"`
		Error *struct {
			Title string `json:"title"`
		} `json:"error"`
	}
	if !json.Valid([]byte(raw)) {
		return jobRecord{text: raw}
	}
	rec := jobRecord{raw: json.RawMessage(raw)}
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		// Valid JSON but not an object.
		return rec
	}
	rec.id = j.ID
	if j.Error != nil {
		rec.title = j.Error.Title
	}
	return rec
}

func (s stepError) problem() problem.Detail {
	return problem.Detail{
		Type:   problem.TypeStepFailure,
		Title:  "Error in execution of workflow step",
		Detail: s.message,
	}
}

func (f jobFailed) problem() problem.Detail {
	d := problem.Detail{
		Type:   problem.TypeJobFailure,
		Title:  "Execution of Job Failed",
		Detail: fmt.Sprintf("Job '%s' failed due to error '%s'", f.job.id, f.job.title),
		Job:    f.job.raw,
	}
	if f.job.raw == nil {
		d.Detail = f.job.describe()
	}
	return d
}

func (c jobCanceled) problem() problem.Detail {
	d := problem.Detail{
		Type:   problem.TypeJobFailure,
		Title:  "Execution of Job Canceled",
		Detail: fmt.Sprintf("Job '%s' was canceled", c.job.id),
		Job:    c.job.raw,
	}
	if c.job.raw == nil {
		d.Detail = c.job.describe()
	}
	return d
}

func (j jobRecord) describe() string {
	if strings.TrimSpace(j.text) == "" {
		return "Unknown error occurred"
	}
	return j.text
}

// The title differs from problem.ExecutionTimeout on purpose: clients match
// the two paths by these exact strings.
func (timedOut) problem() problem.Detail {
	return problem.Detail{
		Type:  problem.TypeExecutionTimeout,
		Title: "Execution of Job Timed out",
	}
}

func (unknownFailure) problem() problem.Detail {
	return problem.Detail{
		Type:   problem.TypeGenericWorkflowFailure,
		Title:  "Workflow failure",
		Detail: "Unknown reason",
	}
}
