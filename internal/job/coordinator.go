package job

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/maintops/internal/refresh"
)

// ErrRunning is returned by Reset while a run is in flight.
var ErrRunning = eris.New("No se puede reiniciar mientras hay un proceso en ejecución")

// Runner executes one refresh run, reporting progress synchronously.
type Runner interface {
	Run(ctx context.Context, progress refresh.Progress) (*refresh.Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, progress refresh.Progress) (*refresh.Result, error)

// Run calls f(ctx, progress).
func (f RunnerFunc) Run(ctx context.Context, progress refresh.Progress) (*refresh.Result, error) {
	return f(ctx, progress)
}

// Coordinator runs at most one refresh at a time and owns the job state.
// The in-flight flag is checked before the state lock so concurrent starts
// never spawn a second run.
type Coordinator struct {
	runner  Runner
	running atomic.Bool

	mu    sync.Mutex
	state State

	wg  sync.WaitGroup
	now func() time.Time
	log *zap.Logger
}

// NewCoordinator creates an idle Coordinator.
func NewCoordinator(runner Runner) *Coordinator {
	return &Coordinator{
		runner: runner,
		state:  idleState(),
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "job.coordinator")),
	}
}

// Start launches a run unless one is in flight. It returns the state right
// after the call and whether a new run was started.
func (c *Coordinator) Start(ctx context.Context) (State, bool) {
	if !c.running.CompareAndSwap(false, true) {
		return c.Status(), false
	}

	now := c.now()
	c.mu.Lock()
	c.state = State{
		Status:    StatusRunning,
		Message:   ptr(msgRunning),
		StartedAt: NewTimestamp(now),
		Progress:  0,
		Step:      ptr(stepInitializing),
		Heartbeat: NewTimestamp(now),
	}
	snap := c.state.clone()
	c.mu.Unlock()

	c.log.Info("refresh started")

	c.wg.Add(1)
	go c.work(context.WithoutCancel(ctx), now)
	return snap, true
}

// Status returns a snapshot of the current state.
func (c *Coordinator) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Running reports whether a run is in flight.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Reset restores the idle state. It fails with ErrRunning while a run is in
// flight and leaves the state unchanged.
func (c *Coordinator) Reset() (State, error) {
	if c.running.Load() {
		return State{}, ErrRunning
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = idleState()
	return c.state.clone(), nil
}

// Report merges a progress update into the state. Percentages are clamped
// to [0, 100] and every report refreshes the heartbeat.
func (c *Coordinator) Report(u refresh.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Heartbeat = NewTimestamp(c.now())
	if u.Step != nil {
		c.state.Step = ptr(*u.Step)
	}
	if u.Percent != nil {
		c.state.Progress = min(max(*u.Percent, 0), 100)
	}
}

// Wait blocks until the in-flight run, if any, has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) work(ctx context.Context, started time.Time) {
	defer c.wg.Done()
	defer c.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			c.fail(started, fmt.Sprintf("panic: %v", r), string(debug.Stack()))
		}
	}()

	result, err := c.runner.Run(ctx, c)
	if err != nil {
		c.fail(started, err.Error(), eris.ToString(err, true))
		return
	}
	c.complete(started, result)
}

func (c *Coordinator) complete(started time.Time, result *refresh.Result) {
	now := c.now()
	c.mu.Lock()
	c.state.Status = StatusCompleted
	c.state.Message = ptr(msgOK)
	c.state.Result = result
	c.state.FinishedAt = NewTimestamp(now)
	c.state.Duration = ptr(roundSeconds(now.Sub(started)))
	c.state.Progress = 100
	c.state.Step = ptr(stepFinished)
	c.mu.Unlock()

	c.log.Info("refresh completed", zap.Duration("elapsed", now.Sub(started)))
}

// fail records a terminal error. Progress keeps its last reported value.
func (c *Coordinator) fail(started time.Time, msg, trace string) {
	now := c.now()
	c.mu.Lock()
	c.state.Status = StatusError
	c.state.Message = ptr(msg)
	c.state.Traceback = ptr(trace)
	c.state.FinishedAt = NewTimestamp(now)
	c.state.Duration = ptr(roundSeconds(now.Sub(started)))
	c.mu.Unlock()

	c.log.Error("refresh failed", zap.String("error", msg), zap.Duration("elapsed", now.Sub(started)))
}

// roundSeconds converts d to seconds rounded to milliseconds.
func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
