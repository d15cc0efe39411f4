package elevate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// execProcess is a process started through os/exec.
type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	code int
	err  error
	// exitErr maps an exit code to a launcher-specific error, e.g. a denied prompt.
	exitErr func(code int) error
}

func startExec(cmd *exec.Cmd, exitErr func(int) error) (*execProcess, error) {
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %s", ErrSpawnFailed, cmd.Path, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{}), exitErr: exitErr}

	// wait on the process to finish and record the result
	go func() {
		defer close(p.done)
		err := cmd.Wait()
		if err == nil {
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.code = exitErr.ExitCode()
			if p.exitErr != nil {
				p.err = p.exitErr(p.code)
			}
			return
		}
		p.code = -1
		p.err = err
	}()
	return p, nil
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-p.done:
		return p.code, p.err
	}
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing process %d: %w", p.Pid(), err)
	}
	return nil
}

// Direct runs commands with the privileges of the current process.
// It is used when the current process is already elevated, and in tests.
type Direct struct {
	Stdout io.Writer
	Stderr io.Writer
	Env    []string
}

func (d Direct) Launch(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = d.Stdout
	cmd.Stderr = d.Stderr
	if len(d.Env) > 0 {
		cmd.Env = append(os.Environ(), d.Env...)
	}
	return startExec(cmd, nil)
}
