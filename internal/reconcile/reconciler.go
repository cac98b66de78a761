// Package reconcile brings job assignments in line with the executions the
// engine is running for them, one pass at a time.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/matthewmarion/workflow-service/internal/engine"
	"github.com/matthewmarion/workflow-service/internal/jobs"
	"github.com/matthewmarion/workflow-service/internal/problem"
	"github.com/matthewmarion/workflow-service/internal/registry"
	"github.com/matthewmarion/workflow-service/internal/store"
	"github.com/matthewmarion/workflow-service/internal/telemetry"
)

// Trigger is the periodic trigger that invokes Run.
type Trigger interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// Config tunes a Reconciler.
type Config struct {
	// LockName is the mutex that admits one pass at a time.
	LockName string
	// Concurrency bounds how many records are reconciled at once.
	Concurrency int
	// PassTimeout bounds a whole pass. Zero means no bound.
	PassTimeout time.Duration
	// MinRemaining stops the pass early when less time than this is left.
	MinRemaining time.Duration
	// ProgressNotifyTimeout bounds the notification sent for a running
	// execution's progress update.
	ProgressNotifyTimeout time.Duration
}

// enableTimeout bounds re-enabling the trigger once the pass budget is spent.
const enableTimeout = 30 * time.Second

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		LockName:              "workflow-service-reconciler",
		Concurrency:           1,
		PassTimeout:           5 * time.Minute,
		MinRemaining:          15 * time.Second,
		ProgressNotifyTimeout: 5 * time.Second,
	}
}

type outcome string

const (
	outcomeRunning    outcome = "running"
	outcomeCompleted  outcome = "completed"
	outcomeFailed     outcome = "failed"
	outcomeTimedOut   outcome = "timed_out"
	outcomeCanceled   outcome = "canceled"
	outcomeSkipped    outcome = "skipped"
	outcomeOrphaned   outcome = "orphaned"
	outcomeUnknown    outcome = "unknown"
	outcomeError      outcome = "error"
	outcomeLockFailed outcome = "lock_failed"
)

// Reconciler runs reconciliation passes.
type Reconciler struct {
	store    store.Store
	registry *registry.Registry
	engine   engine.Client
	trigger  Trigger
	notifier jobs.Notifier
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *telemetry.ReconcileMetrics
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// WithNotifier sets the notifier used for job status notifications.
func WithNotifier(n jobs.Notifier) Option {
	return func(r *Reconciler) {
		r.notifier = n
	}
}

// WithMetrics sets the instruments passes are recorded on.
func WithMetrics(m *telemetry.ReconcileMetrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// New returns a Reconciler. Zero fields of cfg take their defaults.
func New(s store.Store, reg *registry.Registry, eng engine.Client, trig Trigger, cfg Config, opts ...Option) *Reconciler {
	def := DefaultConfig()
	if cfg.LockName == "" {
		cfg.LockName = def.LockName
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ProgressNotifyTimeout <= 0 {
		cfg.ProgressNotifyTimeout = def.ProgressNotifyTimeout
	}

	r := &Reconciler{
		store:    s,
		registry: reg,
		engine:   eng,
		trigger:  trig,
		notifier: jobs.NopNotifier{},
		cfg:      cfg,
		logger:   slog.Default(),
		tracer:   telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		if m, err := telemetry.NewReconcileMetrics(nil); err == nil {
			r.metrics = m
		}
	}
	return r
}

// Run performs one pass. It returns nil without doing anything when another
// pass holds the run lock.
func (r *Reconciler) Run(ctx context.Context) error {
	start := time.Now()
	if r.cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.PassTimeout)
		defer cancel()
	}

	holder := uuid.NewString()
	logger := r.logger.With("pass", holder)
	ctx, span := r.tracer.Start(ctx, "reconcile.Run", trace.WithAttributes(attribute.String("pass", holder)))
	defer span.End()

	runLock := r.store.CreateMutex(r.cfg.LockName, holder)
	ok, err := runLock.TryLock(ctx)
	if err != nil {
		logger.Warn("could not take reconciliation lock, skipping pass", "error", err)
		r.recordPass(ctx, "skipped", start)
		return nil
	}
	if !ok {
		logger.Info("reconciliation already in progress, skipping pass")
		r.recordPass(ctx, "skipped", start)
		return nil
	}
	defer func() {
		if err := runLock.Unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Error("releasing reconciliation lock", "error", err)
		}
	}()

	if err := r.pass(ctx, holder, logger); err != nil {
		logger.Error("reconciliation pass failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.recordPass(ctx, "error", start)
		return err
	}
	r.recordPass(ctx, "ok", start)
	return nil
}

func (r *Reconciler) pass(ctx context.Context, holder string, logger *slog.Logger) error {
	if err := r.trigger.Disable(ctx); err != nil {
		return fmt.Errorf("disabling trigger: %w", err)
	}

	records, err := r.registry.List(ctx)
	if err != nil {
		return err
	}
	logger.Info("found active executions", "count", len(records))

	var active, deferred atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)

	for _, rec := range records {
		g.Go(func() error {
			lockCtx, cancel, ok := r.budget(ctx)
			if !ok {
				deferred.Add(1)
				active.Add(1)
				return nil
			}
			defer cancel()
			if r.reconcileRecord(ctx, lockCtx, holder, rec, logger) {
				active.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := deferred.Load(); n > 0 {
		logger.Warn("time budget exhausted, leaving executions for the next pass", "remaining", n)
	}
	if n := active.Load(); n > 0 {
		logger.Info("active executions remaining", "count", n)
		// The pass context may already be done; the trigger must still come back on.
		enableCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enableTimeout)
		defer cancel()
		if err := r.trigger.Enable(enableCtx); err != nil {
			return fmt.Errorf("enabling trigger: %w", err)
		}
	}
	return nil
}

// budget reports whether a record may still be started and returns the
// context its mutex wait runs under. That wait ends MinRemaining before the
// pass deadline.
func (r *Reconciler) budget(ctx context.Context) (context.Context, context.CancelFunc, bool) {
	if ctx.Err() != nil {
		return nil, nil, false
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return ctx, func() {}, true
	}
	stop := deadline.Add(-r.cfg.MinRemaining)
	if !time.Now().Before(stop) {
		return nil, nil, false
	}
	lockCtx, cancel := context.WithDeadline(ctx, stop)
	return lockCtx, cancel, true
}

// visit is the state of one record during a pass.
type visit struct {
	rec     registry.Record
	helper  *jobs.Helper
	logger  *slog.Logger
	removed bool
}

// reconcileRecord handles one record under its job assignment's mutex and
// reports whether the record is still outstanding. Errors never escape it.
// lockCtx bounds only the wait for the mutex.
func (r *Reconciler) reconcileRecord(ctx, lockCtx context.Context, holder string, rec registry.Record, passLogger *slog.Logger) bool {
	name := rec.MutexName()
	logger := passLogger.With("execution", rec.ExecutionHandle, "job_assignment", name)
	ctx, span := r.tracer.Start(ctx, "reconcile.Record", trace.WithAttributes(
		attribute.String("execution", rec.ExecutionHandle),
		attribute.String("job_assignment", name),
	))
	defer span.End()

	logger.Info("processing execution")

	if name == "" {
		logger.Error("execution record has no job assignment, removing it", "record", rec.ID)
		if err := r.registry.Remove(ctx, rec.ID); err != nil {
			logger.Error("removing execution record", "error", err)
			return true
		}
		r.recordOutcome(ctx, outcomeOrphaned)
		return false
	}

	// Records of the same job assignment may run side by side when
	// Concurrency > 1, so each takes the mutex under its own holder.
	m := r.store.CreateMutex(name, holder+":"+rec.ID)
	if err := m.Lock(lockCtx); err != nil {
		logger.Error("locking job assignment", "error", err)
		r.recordOutcome(ctx, outcomeLockFailed)
		return true
	}
	defer func() {
		if err := m.Unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Error("unlocking job assignment", "error", err)
		}
	}()

	v := &visit{
		rec:    rec,
		helper: jobs.NewHelper(r.store, r.notifier, name, passLogger.With("execution", rec.ExecutionHandle)),
		logger: logger,
	}
	out, err := r.apply(ctx, v)
	if err != nil {
		logger.Error("reconciling execution", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ferr := v.helper.Fail(ctx, problem.GenericError(err)); ferr != nil {
			logger.Error("recording failure on job assignment", "error", ferr)
		}
		r.recordOutcome(ctx, outcomeError)
		// A record that survived the error is revisited next pass.
		return !v.removed
	}

	r.recordOutcome(ctx, out)
	return out == outcomeRunning || out == outcomeUnknown
}

func (r *Reconciler) apply(ctx context.Context, v *visit) (outcome, error) {
	if err := v.helper.Initialize(ctx, ""); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			v.logger.Warn("job assignment not found, removing execution record")
			return outcomeOrphaned, r.remove(ctx, v)
		}
		return "", err
	}

	if status := v.helper.Status(); status.IsTerminal() {
		v.logger.Warn("ignoring execution as job assignment already reached a final state", "status", status)
		return outcomeSkipped, r.remove(ctx, v)
	}

	handle := v.rec.ExecutionHandle
	exec, err := r.engine.DescribeExecution(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("describing execution: %w", err)
	}
	v.logger.Debug("execution described", "status", exec.Status)

	switch exec.Status {
	case engine.StatusRunning:
		def, err := r.engine.DescribeDefinition(ctx, handle)
		if err != nil {
			return "", fmt.Errorf("describing definition: %w", err)
		}
		events, err := engine.History(ctx, r.engine, handle)
		if err != nil {
			return "", err
		}
		progress := EstimateProgress(def.Definition, events)
		if err := v.helper.UpdateStatus(ctx, func(a *jobs.JobAssignment) {
			a.Progress = &progress
		}, false); err != nil {
			return "", err
		}
		nctx, cancel := context.WithTimeout(ctx, r.cfg.ProgressNotifyTimeout)
		defer cancel()
		v.helper.Notify(nctx)
		return outcomeRunning, nil

	case engine.StatusSucceeded:
		if err := r.remove(ctx, v); err != nil {
			return "", err
		}
		mergeOutput(v.helper.JobOutput(), exec.Output, v.logger)
		return outcomeCompleted, v.helper.Complete(ctx)

	case engine.StatusFailed:
		events, err := engine.History(ctx, r.engine, handle)
		if err != nil {
			return "", err
		}
		if err := r.remove(ctx, v); err != nil {
			return "", err
		}
		var failure *engine.Failure
		if ev := engine.FindEvent(events, engine.EventExecutionFailed); ev != nil {
			failure = ev.Failure
		}
		return outcomeFailed, v.helper.Fail(ctx, Classify(failure))

	case engine.StatusTimedOut:
		if err := r.remove(ctx, v); err != nil {
			return "", err
		}
		return outcomeTimedOut, v.helper.Fail(ctx, problem.ExecutionTimeout())

	case engine.StatusAborted:
		if err := r.remove(ctx, v); err != nil {
			return "", err
		}
		return outcomeCanceled, v.helper.Cancel(ctx)

	default:
		v.logger.Warn("unrecognized execution status, will check again", "status", exec.Status)
		return outcomeUnknown, nil
	}
}

func (r *Reconciler) remove(ctx context.Context, v *visit) error {
	if err := r.registry.Remove(ctx, v.rec.ID); err != nil {
		return err
	}
	v.removed = true
	return nil
}

// mergeOutput copies the keys of the workflow result's "output" object into
// the job output bag. Other keys of the bag are left as they are.
func mergeOutput(bag map[string]any, raw string, logger *slog.Logger) {
	if raw == "" {
		return
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		logger.Error("parsing workflow output", "error", err)
		return
	}
	output, ok := result["output"].(map[string]any)
	if !ok {
		return
	}
	for k, val := range output {
		bag[k] = val
	}
}

func (r *Reconciler) recordPass(ctx context.Context, result string, start time.Time) {
	if r.metrics != nil {
		r.metrics.RecordPass(ctx, result, time.Since(start))
	}
}

func (r *Reconciler) recordOutcome(ctx context.Context, o outcome) {
	if r.metrics != nil {
		r.metrics.RecordOutcome(ctx, string(o))
	}
}
