// Package supervisortask implements the restart-policy layer on top of
// internal/masterclient: given a set of task specs, it keeps each
// restart-enabled task running, backing off between crash loops, and
// drives an orderly SIGTERM-then-grace-then-SIGKILL shutdown sequence.
package supervisortask

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/zeropid/procsuper/internal/masterclient"
)

// Spec describes one task to keep running.
type Spec struct {
	Name    string
	Program string
	Argv    []string
	Env     []string
	User    string
	Restart bool // restart on unexpected termination
}

// minStableRun is how long a task must stay up before a subsequent
// crash resets its backoff to the shortest interval again, instead of
// continuing to back off from where the last crash left it.
const minStableRun = 10 * time.Second

// shutdownGrace is how long Shutdown waits after SIGTERM before
// escalating to SIGKILL for a task that hasn't terminated yet.
const shutdownGrace = 5 * time.Second

type taskState struct {
	spec     Spec
	handle   *masterclient.Handle
	boff     *backoff.ExponentialBackOff
	launchAt time.Time
	stopped  bool // true once Shutdown has been asked to stop this task
}

type taskEvent struct{ name string }

// Supervisor owns a set of tasks multiplexed over one masterclient.Context.
type Supervisor struct {
	log *zap.Logger
	mc  *masterclient.Context

	mu     sync.Mutex
	states map[string]*taskState
	sched  *scheduler
	events chan taskEvent

	readyOnce sync.Once
	readyCh   chan struct{}
}

// New creates a Supervisor bound to mc. Callers must register specs
// with AddTask before calling Run.
func New(log *zap.Logger, mc *masterclient.Context) *Supervisor {
	return &Supervisor{
		log:     log,
		mc:      mc,
		states:  make(map[string]*taskState),
		sched:   newScheduler(),
		events:  make(chan taskEvent, 64),
		readyCh: make(chan struct{}),
	}
}

// Ready returns a channel closed once every task registered before Run
// was called has left StateStarting (whether it came up successfully
// or failed immediately) at least once. Intended for gating a single
// systemd READY=1 notification.
func (s *Supervisor) Ready() <-chan struct{} { return s.readyCh }

func (s *Supervisor) checkReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range s.states {
		if ts.launchAt.IsZero() || (ts.handle != nil && ts.handle.State() == masterclient.StateStarting) {
			return
		}
	}
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// AddTask registers spec. Must be called before Run.
func (s *Supervisor) AddTask(spec Spec) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // never give up; this is a supervisor, not a client call

	s.mu.Lock()
	s.states[spec.Name] = &taskState{spec: spec, boff: b}
	s.mu.Unlock()
}

// Run starts every registered task and keeps them running until ctx is
// cancelled, at which point it performs an orderly Shutdown before
// returning.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	for name := range s.states {
		s.launch(name)
	}
	s.mu.Unlock()

	pollErrCh := make(chan error, 1)
	go func() {
		for {
			if err := s.mc.PollOnce(false); err != nil {
				pollErrCh <- err
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.checkReady()
			case <-s.readyCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		s.mu.Lock()
		_, when, ok := s.sched.next()
		s.mu.Unlock()
		if ok {
			d := time.Until(when)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case ev := <-s.events:
			s.onTaskExited(ev.name)
		case <-timerC:
			s.mu.Lock()
			name, _, ok := s.sched.next()
			if ok {
				s.sched.pop()
				s.launch(name)
			}
			s.mu.Unlock()
		case err := <-pollErrCh:
			if timer != nil {
				timer.Stop()
			}
			s.Shutdown()
			return fmt.Errorf("supervisortask: worker connection lost: %w", err)
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.Shutdown()
			return ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// launch starts (or restarts) the named task. Caller must hold s.mu.
func (s *Supervisor) launch(name string) {
	ts := s.states[name]
	if ts == nil || ts.stopped {
		return
	}

	opts := []masterclient.ExecOption{
		masterclient.WithEnv(ts.spec.Env),
		masterclient.WithExitCallback(func(h *masterclient.Handle) {
			s.events <- taskEvent{name: name}
		}),
	}
	if ts.spec.User != "" {
		opts = append(opts, masterclient.WithUser(ts.spec.User))
	}

	h, err := s.mc.ExecPipe(ts.spec.Program, ts.spec.Argv, opts...)
	if err != nil {
		s.log.Error("launch failed", zap.String("task", name), zap.Error(err))
		s.sched.push(name, time.Now().Add(ts.boff.NextBackOff()))
		return
	}

	ts.handle = h
	ts.launchAt = time.Now()
	s.log.Info("task started", zap.String("task", name))
}

// onTaskExited handles a task's termination notification and decides
// whether/when to restart it.
func (s *Supervisor) onTaskExited(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.states[name]
	if ts == nil {
		return
	}
	ran := time.Since(ts.launchAt)
	s.log.Info("task exited", zap.String("task", name), zap.Duration("ran", ran))

	if ran >= minStableRun {
		ts.boff.Reset()
	}

	if h := ts.handle; h != nil {
		if err := s.mc.Release(h); err != nil {
			s.log.Warn("release handle failed", zap.String("task", name), zap.Error(err))
		}
		ts.handle = nil
	}

	if ts.stopped || !ts.spec.Restart {
		return
	}
	s.sched.push(name, time.Now().Add(ts.boff.NextBackOff()))
}

// Shutdown sends SIGTERM to every task still running, waits up to
// shutdownGrace for it to terminate, and escalates to SIGKILL for any
// that haven't. It cancels all pending restart schedules first so a
// crash loop can't relaunch a task mid-shutdown.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	deadline := time.Now().Add(shutdownGrace)
	var live []*taskState
	for name, ts := range s.states {
		ts.stopped = true
		s.sched.remove(name)
		if ts.handle != nil && ts.handle.State() == masterclient.StateStarted {
			live = append(live, ts)
			s.mc.Kill(ts.handle, int(syscall.SIGTERM))
		}
	}
	s.mu.Unlock()

	for _, ts := range live {
		for time.Now().Before(deadline) && ts.handle.State() == masterclient.StateStarted {
			time.Sleep(50 * time.Millisecond)
		}
		if ts.handle.State() == masterclient.StateStarted {
			s.mc.Kill(ts.handle, int(syscall.SIGKILL))
		}
	}
}
