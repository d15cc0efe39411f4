//go:build !windows

package elevate

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// pkexec exits with these when authorization fails.
const (
	pkexecDismissed     = 126
	pkexecNotAuthorized = 127
)

// Pkexec elevates through polkit.
type Pkexec struct {
	// Path to pkexec, looked up in PATH when empty.
	Path   string
	Stdout io.Writer
	Stderr io.Writer
}

func (p Pkexec) Launch(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := p.Path
	if path == "" {
		path = "pkexec"
	}
	bin, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, err)
	}

	// pkexec resets the working directory and environment, so everything travels in argv
	args := append([]string{c.Path}, c.Args...)
	cmd := exec.Command(bin, args...)
	cmd.Dir = c.Dir
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	return startExec(cmd, pkexecExitErr)
}

func pkexecExitErr(code int) error {
	switch code {
	case pkexecDismissed, pkexecNotAuthorized:
		return fmt.Errorf("%w: pkexec exited with %d", ErrDenied, code)
	}
	return nil
}

// Default returns the launcher for this platform: pkexec, or direct execution when already root.
func Default() Launcher {
	if os.Geteuid() == 0 {
		return Direct{Stderr: os.Stderr}
	}
	return Pkexec{Stderr: os.Stderr}
}
