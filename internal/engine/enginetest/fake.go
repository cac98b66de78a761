// Package enginetest provides an in-memory engine.Client for tests.
package enginetest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/matthewmarion/workflow-service/internal/engine"
)

// Started records a Start call.
type Started struct {
	Handle        string
	DefinitionRef string
	Input         []byte
}

// TaskResult records a SendTaskSuccess or SendTaskFailure call.
type TaskResult struct {
	Token  string
	Output []byte
	Error  string
	Cause  string
}

// Engine is a scriptable engine.Client. History is served in pages of
// PageSize events so callers exercise pagination.
type Engine struct {
	mu sync.Mutex

	PageSize int

	executions  map[string]*engine.Execution
	definitions map[string]*engine.Definition
	history     map[string][]engine.HistoryEvent
	errs        map[string]error

	Started   []Started
	Stopped   []string
	Successes []TaskResult
	Failures  []TaskResult
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		PageSize:    2,
		executions:  make(map[string]*engine.Execution),
		definitions: make(map[string]*engine.Definition),
		history:     make(map[string][]engine.HistoryEvent),
		errs:        make(map[string]error),
	}
}

// SetExecution sets what DescribeExecution returns for handle.
func (e *Engine) SetExecution(handle string, status engine.Status, output string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executions[handle] = &engine.Execution{Handle: handle, Status: status, Output: output}
}

// SetDefinition sets what DescribeDefinition returns for handle.
func (e *Engine) SetDefinition(handle, definition string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.definitions[handle] = &engine.Definition{Name: handle, Definition: definition}
}

// SetHistory sets the history events of handle.
func (e *Engine) SetHistory(handle string, events ...engine.HistoryEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history[handle] = events
}

// FailDescribe makes DescribeExecution for handle return err.
func (e *Engine) FailDescribe(handle string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs[handle] = err
}

func (e *Engine) DescribeExecution(_ context.Context, handle string) (*engine.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.errs[handle]; err != nil {
		return nil, err
	}
	x, ok := e.executions[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrExecutionNotFound, handle)
	}
	cp := *x
	return &cp, nil
}

func (e *Engine) DescribeDefinition(_ context.Context, handle string) (*engine.Definition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.definitions[handle]
	if !ok {
		return &engine.Definition{Name: handle}, nil
	}
	cp := *d
	return &cp, nil
}

func (e *Engine) ListHistory(_ context.Context, handle, pageToken string) (*engine.HistoryPage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	events := e.history[handle]
	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, fmt.Errorf("bad page token %q", pageToken)
		}
		start = n
	}
	size := e.PageSize
	if size <= 0 {
		size = len(events)
	}
	end := min(start+size, len(events))
	page := &engine.HistoryPage{Events: append([]engine.HistoryEvent(nil), events[start:end]...)}
	if end < len(events) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

func (e *Engine) Start(_ context.Context, definitionRef string, input []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle := fmt.Sprintf("%s:execution-%d", definitionRef, len(e.Started)+1)
	e.Started = append(e.Started, Started{Handle: handle, DefinitionRef: definitionRef, Input: input})
	e.executions[handle] = &engine.Execution{Handle: handle, Status: engine.StatusRunning}
	return handle, nil
}

func (e *Engine) Stop(_ context.Context, handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	x, ok := e.executions[handle]
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrExecutionNotFound, handle)
	}
	x.Status = engine.StatusAborted
	e.Stopped = append(e.Stopped, handle)
	return nil
}

func (e *Engine) SendTaskSuccess(_ context.Context, taskToken string, output []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Successes = append(e.Successes, TaskResult{Token: taskToken, Output: output})
	return nil
}

func (e *Engine) SendTaskFailure(_ context.Context, taskToken, errorTag, cause string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Failures = append(e.Failures, TaskResult{Token: taskToken, Error: errorTag, Cause: cause})
	return nil
}

var _ engine.Client = (*Engine)(nil)
