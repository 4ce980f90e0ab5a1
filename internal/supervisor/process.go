package supervisor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// Process is an external program run in its own process group.
type Process struct {
	name string
	path string
	args []string

	// Env is the complete child environment. Nil gives an empty environment
	// rather than inheriting the parent's.
	Env []string
	Dir string

	Stdout io.Writer
	Stderr io.Writer
}

// NewProcess describes a program to run.
func NewProcess(name, path string, args ...string) *Process {
	return &Process{name: name, path: path, args: args}
}

// Name returns the component name.
func (p *Process) Name() string { return p.name }

// Start launches the program.
func (p *Process) Start(_ context.Context) (Running, error) {
	cmd := exec.Command(p.path, p.args...)
	cmd.Env = p.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	cmd.Dir = p.Dir
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr

	// Own process group so the whole tree can be killed
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", p.path, err)
	}

	r := &runningProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		r.err = cmd.Wait()
		close(r.done)
	}()
	return r, nil
}

type runningProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error

	stopOnce sync.Once
}

func (r *runningProcess) Wait() error {
	<-r.done
	return r.err
}

func (r *runningProcess) Stop() {
	r.stopOnce.Do(func() {
		select {
		case <-r.done:
			return
		default:
		}

		// Kill the process group
		pgid, err := syscall.Getpgid(r.cmd.Process.Pid)
		if err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = r.cmd.Process.Kill()
		}
	})
	<-r.done
}
