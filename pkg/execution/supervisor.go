// SPDX-License-Identifier: Apache-2.0

package execution

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/telemetry"
)

// Runner drives an execution to completion. A nil error means the
// execution completed; cancellation errors end it as cancelled and any
// other error as failed.
type Runner interface {
	Run(ctx context.Context, exec *Execution) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, exec *Execution) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, exec *Execution) error { return f(ctx, exec) }

// Supervisor owns one execution for its lifetime.
type Supervisor struct {
	exec    *Execution
	runner  Runner
	logger  *slog.Logger
	store   LogStore
	metrics *telemetry.EngineMetrics
	emitter core.EventEmitter
	onDone  []func(Snapshot)

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLogStore archives the execution log when the execution ends.
func WithLogStore(store LogStore) SupervisorOption {
	return func(s *Supervisor) { s.store = store }
}

// WithMetrics records execution outcomes.
func WithMetrics(m *telemetry.EngineMetrics) SupervisorOption {
	return func(s *Supervisor) { s.metrics = m }
}

// WithEventEmitter emits execution.started and execution.finished events.
func WithEventEmitter(e core.EventEmitter) SupervisorOption {
	return func(s *Supervisor) {
		if e != nil {
			s.emitter = e
		}
	}
}

// OnDone registers a callback invoked once with the final snapshot.
func OnDone(fn func(Snapshot)) SupervisorOption {
	return func(s *Supervisor) {
		if fn != nil {
			s.onDone = append(s.onDone, fn)
		}
	}
}

// NewSupervisor binds runner to exec.
func NewSupervisor(exec *Execution, runner Runner, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		exec:    exec,
		runner:  runner,
		logger:  slog.Default(),
		emitter: core.NoopEventEmitter{},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the execution id.
func (s *Supervisor) ID() string { return s.exec.ID() }

// Execution returns the supervised execution.
func (s *Supervisor) Execution() *Execution { return s.exec }

// Start runs the execution in its own goroutine. Cancelling ctx cancels
// the execution. Start is a no-op after the first call.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx = core.WithExecutionID(ctx, s.exec.ID())
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.exec.markRunning()
	s.logger.InfoContext(runCtx, "execution.started",
		slog.String("execution_id", s.exec.ID()),
		slog.String("workflow_id", s.exec.WorkflowID()),
	)
	s.emitter.Emit(runCtx, core.Event{
		Type:        core.EventExecutionStarted,
		ExecutionID: s.exec.ID(),
		Payload:     map[string]any{"workflow_id": s.exec.WorkflowID()},
	})

	go s.run(runCtx, cancel)
}

func (s *Supervisor) run(ctx context.Context, cancel context.CancelFunc) {
	defer close(s.done)
	defer cancel()

	var (
		err error
		pc  panics.Catcher
	)
	pc.Try(func() { err = s.runner.Run(ctx, s.exec) })
	if recovered := pc.Recovered(); recovered != nil {
		err = errors.New(errors.CodeInternal, "execution runner panicked", recovered.AsError()).
			WithContext("execution_id", s.exec.ID())
	}

	status := StatusCompleted
	switch {
	case err == nil:
	case errors.IsCode(err, errors.CodeCancelled):
		status = StatusCancelled
	default:
		status = StatusFailed
	}
	s.exec.finish(status, err)
	snap := s.exec.Snapshot()

	// The archive outlives the run context.
	bg := context.WithoutCancel(ctx)
	if s.store != nil {
		if err := s.store.Record(bg, snap.Log...); err != nil {
			s.logger.WarnContext(bg, "execution.archive.failed",
				slog.String("execution_id", snap.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.metrics.ExecutionFinished(bg, snap.WorkflowID, string(snap.Status))
	if snap.Status == StatusFailed {
		s.metrics.RecordError(bg, s.exec.Err(), "execution")
	}

	level := slog.LevelInfo
	if snap.Status == StatusFailed {
		level = slog.LevelWarn
	}
	s.logger.Log(bg, level, "execution.finished",
		slog.String("execution_id", snap.ID),
		slog.String("workflow_id", snap.WorkflowID),
		slog.String("status", string(snap.Status)),
		slog.Int("log_entries", len(snap.Log)),
		slog.String("error", snap.Error),
	)
	s.emitter.Emit(bg, core.Event{
		Type:        core.EventExecutionFinished,
		ExecutionID: snap.ID,
		Payload:     map[string]any{"workflow_id": snap.WorkflowID, "status": string(snap.Status)},
	})
	for _, fn := range s.onDone {
		fn(snap)
	}
}

// GetStatus returns the current snapshot.
func (s *Supervisor) GetStatus() Snapshot {
	return s.exec.Snapshot()
}

// Cancel requests cooperative cancellation. It is a no-op once the
// execution is terminal and reports whether the request took effect.
func (s *Supervisor) Cancel() bool {
	if !s.exec.requestCancel() {
		return false
	}
	s.mu.Lock()
	if !s.started {
		// Never started: nothing will observe the flag, so end it here.
		s.started = true
		s.mu.Unlock()
		s.exec.finish(StatusCancelled, nil)
		close(s.done)
	} else {
		cancel := s.cancel
		s.mu.Unlock()
		cancel()
	}
	s.logger.Info("execution.cancel.requested", slog.String("execution_id", s.exec.ID()))
	return true
}

// Done is closed once the execution is terminal.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Wait blocks until the execution is terminal or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-s.done:
		return s.exec.Snapshot(), nil
	case <-ctx.Done():
		return s.exec.Snapshot(), ctx.Err()
	}
}
