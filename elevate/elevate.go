// Package elevate starts a program with elevated privileges and tracks the resulting process.
package elevate

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDenied is returned when the user or the OS refused elevation.
	ErrDenied      = errors.New("elevation denied")
	ErrSpawnFailed = errors.New("spawn failed")
	ErrUnsupported = errors.New("elevation unsupported")
	// ErrTimeout is returned when an elevated process did not get somewhere in time.
	ErrTimeout = errors.New("elevated process timed out")
)

type Command struct {
	Path string
	Args []string
	Dir  string
	// Hide asks for no visible console window, where the platform has one.
	Hide bool
}

// Process is a launched, possibly elevated, process.
type Process interface {
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Wait blocks until the process exits or ctx is done and returns the exit code.
	Wait(ctx context.Context) (int, error)
	// Kill terminates the process. It is a no-op once the process has exited.
	Kill() error
}

// Launcher starts commands. The context only bounds the launch itself, not the lifetime of the process.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Process, error)
}

// WaitOrKill waits up to grace for p to exit, then kills it.
// It reports whether the process had to be killed.
func WaitOrKill(ctx context.Context, p Process, grace time.Duration) (code int, killed bool, err error) {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.Done():
		code, err = p.Wait(ctx)
		return code, false, err
	case <-ctx.Done():
	case <-timer.C:
	}

	if err := p.Kill(); err != nil {
		return -1, false, err
	}
	code, err = p.Wait(ctx)
	return code, true, err
}
