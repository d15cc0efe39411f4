//go:build windows

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

// pipeSDDL grants access to the pipe owner, administrators and SYSTEM only.
const pipeSDDL = "D:P(A;;GA;;;OW)(A;;GA;;;BA)(A;;GA;;;SY)"

func channelName(id string) string {
	return `\\.\pipe\` + namePrefix + id
}

// Listen creates the named pipe as its first instance, so it fails if anything else already owns the name.
func Listen(name string) (net.Listener, error) {
	l, err := winio.ListenPipe(name, &winio.PipeConfig{
		SecurityDescriptor: pipeSDDL,
		InputBufferSize:    64 << 10,
		OutputBufferSize:   64 << 10,
	})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", name, err)
	}
	return l, nil
}

func Dial(ctx context.Context, name string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, name)
}

func isPlatformClosed(err error) bool {
	return errors.Is(err, winio.ErrFileClosed) ||
		errors.Is(err, windows.ERROR_BROKEN_PIPE) ||
		errors.Is(err, windows.ERROR_NO_DATA) ||
		errors.Is(err, windows.ERROR_PIPE_NOT_CONNECTED)
}
