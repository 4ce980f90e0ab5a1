// Package supervisor runs a set of components as one unit. Any component
// exiting, cleanly or not, ends the unit: callers wait for the first exit and
// then stop everything that is still running.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"agentbox/internal/metrics"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("supervisor stopped")

// Logger is the logging surface the supervisor needs.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

// Component is something the group can start.
type Component interface {
	Name() string
	Start(ctx context.Context) (Running, error)
}

// Running is a started component.
type Running interface {
	// Wait blocks until the component exits and returns its exit error.
	Wait() error
	// Stop terminates the component and waits for it. Safe to call more
	// than once and after the component exited on its own.
	Stop()
}

// Exit describes a component that stopped running.
type Exit struct {
	Name string
	Err  error
}

// Handle refers to one started component.
type Handle struct {
	name    string
	running Running
	done    chan struct{}
	err     error
}

// Name returns the component name.
func (h *Handle) Name() string { return h.name }

// Done is closed once the component has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the exit error. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Stop terminates the component.
func (h *Handle) Stop() {
	h.running.Stop()
	<-h.done
}

// Option configures a Group.
type Option func(*Group)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(g *Group) { g.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Group) { g.metrics = m }
}

// Group supervises components started through it.
type Group struct {
	logger  Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles []*Handle
	stopped bool

	firstOnce sync.Once
	first     Exit
	exited    chan struct{}
}

// New creates an empty Group.
func New(opts ...Option) *Group {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Group{
		ctx:    ctx,
		cancel: cancel,
		exited: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start starts c and begins watching it.
func (g *Group) Start(c Component) (*Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return nil, ErrStopped
	}

	running, err := c.Start(g.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Name(), err)
	}

	h := &Handle{name: c.Name(), running: running, done: make(chan struct{})}
	g.handles = append(g.handles, h)
	g.metrics.ComponentStarted(h.name)
	g.infof("started %s", h.name)

	go g.watch(h)
	return h, nil
}

func (g *Group) watch(h *Handle) {
	h.err = h.running.Wait()

	g.metrics.ComponentExited(h.name, h.err)
	if h.err != nil {
		g.warnf("%s exited: %v", h.name, h.err)
	} else {
		g.infof("%s exited", h.name)
	}
	close(h.done)

	g.firstOnce.Do(func() {
		g.first = Exit{Name: h.name, Err: h.err}
		close(g.exited)
	})
}

// Wait blocks until the first component exits or ctx ends. It returns the
// first exit, or ctx's error.
func (g *Group) Wait(ctx context.Context) (Exit, error) {
	select {
	case <-g.exited:
		return g.first, nil
	case <-ctx.Done():
		return Exit{}, ctx.Err()
	}
}

// Stop terminates all components in reverse start order and waits for them.
func (g *Group) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	handles := slices.Clone(g.handles)
	g.mu.Unlock()

	g.cancel()
	for _, h := range slices.Backward(handles) {
		h.Stop()
	}
}

func (g *Group) infof(format string, args ...any) {
	if g.logger != nil {
		g.logger.Infof(format, args...)
	}
}

func (g *Group) warnf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Warnf(format, args...)
	}
}
