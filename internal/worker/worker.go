// Package worker runs named operations on behalf of the API and the
// periodic trigger.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/matthewmarion/workflow-service/internal/jobs"
)

// ErrUnknownOperation is returned by DoWork for unregistered operation names.
var ErrUnknownOperation = errors.New("unknown operation")

// Operation handles one request.
type Operation func(ctx context.Context, req jobs.Request) error

// Worker dispatches requests to operations by name.
type Worker struct {
	mu     sync.RWMutex
	ops    map[string]Operation
	logger *slog.Logger
}

// New returns a worker with no operations.
func New(logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{ops: make(map[string]Operation), logger: logger}
}

// AddOperation registers op under name, replacing any previous one.
func (w *Worker) AddOperation(name string, op Operation) *Worker {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ops[name] = op
	return w
}

// DoWork runs the operation named by req.
func (w *Worker) DoWork(ctx context.Context, req jobs.Request) error {
	w.mu.RLock()
	op, ok := w.ops[req.OperationName]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperation, req.OperationName)
	}

	logger := w.logger.With("operation", req.OperationName)
	if req.Tracker != nil {
		logger = logger.With("tracker", req.Tracker.ID)
	}
	logger.Debug("running operation")
	if err := op(ctx, req); err != nil {
		logger.Error("operation failed", "error", err)
		return fmt.Errorf("%s: %w", req.OperationName, err)
	}
	return nil
}

// Invoker hands requests to a worker.
type Invoker interface {
	Invoke(ctx context.Context, req jobs.Request) error
}

// LocalInvoker runs requests on an in-process worker in the background.
type LocalInvoker struct {
	worker *Worker
	wg     sync.WaitGroup
}

// NewLocalInvoker returns an invoker for w.
func NewLocalInvoker(w *Worker) *LocalInvoker {
	return &LocalInvoker{worker: w}
}

// Invoke starts req and returns without waiting for it. The request keeps
// running after ctx is canceled.
func (i *LocalInvoker) Invoke(ctx context.Context, req jobs.Request) error {
	i.worker.mu.RLock()
	_, ok := i.worker.ops[req.OperationName]
	i.worker.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperation, req.OperationName)
	}

	bg := context.WithoutCancel(ctx)
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		// DoWork logs failures.
		_ = i.worker.DoWork(bg, req)
	}()
	return nil
}

// Wait blocks until every invoked request has finished.
func (i *LocalInvoker) Wait() {
	i.wg.Wait()
}
