package supervisor

import (
	"context"
	"errors"
)

// Func runs an in-process service as a component. The function must return
// once its context is cancelled.
type Func struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFunc wraps fn as a component.
func NewFunc(name string, fn func(ctx context.Context) error) *Func {
	return &Func{name: name, fn: fn}
}

// Name returns the component name.
func (f *Func) Name() string { return f.name }

// Start runs fn on its own goroutine.
func (f *Func) Start(ctx context.Context) (Running, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &runningFunc{cancel: cancel, done: make(chan struct{})}
	go func() {
		err := f.fn(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.err = err
		close(r.done)
	}()
	return r, nil
}

type runningFunc struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (r *runningFunc) Wait() error {
	<-r.done
	return r.err
}

func (r *runningFunc) Stop() {
	r.cancel()
	<-r.done
}
