// Package supervise is a one-for-one supervisor harness. Each child is a
// function run in its own goroutine; a child that fails (error or panic)
// is restarted until its subtree exceeds the configured restart intensity,
// at which point the failure escalates through the OnExhausted callback.
package supervise

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beeper/bridgekit/pkg/observe"
)

// Intensity is the restart budget: more than MaxRestarts failures inside
// Window escalates.
type Intensity struct {
	MaxRestarts int           `yaml:"max_restarts"`
	Window      time.Duration `yaml:"window"`
}

// ChildState is a supervised worker's lifecycle state.
type ChildState string

const (
	StateRunning ChildState = "running"
	StateStopped ChildState = "stopped"
	StateFailed  ChildState = "failed"
)

// ChildHealth is one child's health snapshot.
type ChildHealth struct {
	Name      string     `json:"name"`
	State     ChildState `json:"state"`
	Restarts  int        `json:"restarts"`
	LastError string     `json:"last_error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
}

// Spec describes one supervised child. Run blocks until ctx is cancelled
// or the worker fails. A nil error return is a normal exit and is not
// restarted.
type Spec struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config tunes a Supervisor.
type Config struct {
	Name      Name
	Intensity Intensity
	Observer  observe.Observer
	Log       zerolog.Logger
	Now       func() time.Time
	// OnExhausted fires when a child exceeds the restart intensity. The
	// parent decides whether that is fatal.
	OnExhausted func(childName string)
}

// Name labels a supervision subtree.
type Name string

type child struct {
	spec      Spec
	cancel    context.CancelFunc
	done      chan struct{}
	state     ChildState
	restarts  []time.Time
	lastErr   error
	startedAt time.Time
}

// Supervisor runs a set of children one-for-one.
type Supervisor struct {
	cfg Config

	mu       sync.Mutex
	children map[string]*child
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopped  bool
}

// New builds a Supervisor rooted in a background context.
func New(cfg Config) *Supervisor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Observer == nil {
		cfg.Observer = observe.Nop{}
	}
	if cfg.Intensity.MaxRestarts <= 0 {
		cfg.Intensity.MaxRestarts = 3
	}
	if cfg.Intensity.Window <= 0 {
		cfg.Intensity.Window = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:      cfg,
		children: make(map[string]*child),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StartChild launches and supervises a child. Starting a name that is
// already running is an error.
func (s *Supervisor) StartChild(spec Spec) error {
	if spec.Name == "" || spec.Run == nil {
		return fmt.Errorf("child spec requires name and run")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("supervisor %s is stopped", s.cfg.Name)
	}
	if existing, ok := s.children[spec.Name]; ok && existing.state == StateRunning {
		return fmt.Errorf("child %s already running", spec.Name)
	}
	childCtx, cancel := context.WithCancel(s.ctx)
	c := &child{
		spec:      spec,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateRunning,
		startedAt: s.cfg.Now(),
	}
	s.children[spec.Name] = c
	s.wg.Add(1)
	go s.supervise(childCtx, c)
	return nil
}

func runProtected(ctx context.Context, run func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return run(ctx)
}

func (s *Supervisor) supervise(ctx context.Context, c *child) {
	defer s.wg.Done()
	defer close(c.done)
	for {
		err := runProtected(ctx, c.spec.Run)
		if ctx.Err() != nil {
			s.setState(c, StateStopped, err)
			return
		}
		if err == nil {
			// Normal exit; one-off workers are not restarted.
			s.setState(c, StateStopped, nil)
			return
		}

		now := s.cfg.Now()
		s.mu.Lock()
		c.lastErr = err
		c.restarts = append(c.restarts, now)
		c.restarts = pruneWindow(c.restarts, now, s.cfg.Intensity.Window)
		exhausted := len(c.restarts) > s.cfg.Intensity.MaxRestarts
		restarts := len(c.restarts)
		s.mu.Unlock()

		s.cfg.Log.Warn().
			Err(err).
			Str("supervisor", string(s.cfg.Name)).
			Str("child", c.spec.Name).
			Int("restarts_in_window", restarts).
			Msg("supervised child failed")

		if exhausted {
			s.setState(c, StateFailed, err)
			if s.cfg.OnExhausted != nil {
				s.cfg.OnExhausted(c.spec.Name)
			}
			return
		}
		s.cfg.Observer.WorkerRestarted(string(s.cfg.Name), c.spec.Name)
		s.mu.Lock()
		c.startedAt = now
		s.mu.Unlock()
	}
}

func pruneWindow(restarts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := restarts[:0]
	for _, ts := range restarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func (s *Supervisor) setState(c *child, state ChildState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.state = state
	if err != nil {
		c.lastErr = err
	}
}

// StopChild cancels one child and waits for it to exit.
func (s *Supervisor) StopChild(name string) error {
	s.mu.Lock()
	c, ok := s.children[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("child %s not found", name)
	}
	delete(s.children, name)
	s.mu.Unlock()
	c.cancel()
	<-c.done
	return nil
}

// Stop cancels every child and waits for the subtree to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Health snapshots every child, sorted by name.
func (s *Supervisor) Health() []ChildHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChildHealth, 0, len(s.children))
	for name, c := range s.children {
		health := ChildHealth{
			Name:      name,
			State:     c.state,
			Restarts:  len(c.restarts),
			StartedAt: c.startedAt,
		}
		if c.lastErr != nil {
			health.LastError = c.lastErr.Error()
		}
		out = append(out, health)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
