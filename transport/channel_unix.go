//go:build !windows

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
)

// The socket lives in its own directory, created owner-only before the socket is bound.
func channelName(id string) string {
	return filepath.Join(os.TempDir(), namePrefix+id, "sock")
}

// Listen binds the channel. It fails if anything else already bound the same name.
// The socket file and its directory are removed when the listener is closed.
func Listen(name string) (net.Listener, error) {
	dir := filepath.Dir(name)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating channel directory: %w", err)
	}
	// Mkdir is subject to the umask
	if err := os.Chmod(dir, 0o700); err != nil {
		os.Remove(dir)
		return nil, fmt.Errorf("restricting %s: %w", dir, err)
	}
	l, err := net.Listen("unix", name)
	if err != nil {
		os.Remove(dir)
		return nil, fmt.Errorf("listening on %s: %w", name, err)
	}
	if err := os.Chmod(name, 0o600); err != nil {
		l.Close()
		os.Remove(dir)
		return nil, fmt.Errorf("restricting %s: %w", name, err)
	}
	return &dirListener{Listener: l, dir: dir}, nil
}

type dirListener struct {
	net.Listener
	dir string
}

func (l *dirListener) Close() error {
	err := l.Listener.Close()
	os.Remove(l.dir)
	return err
}

func Dial(ctx context.Context, name string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", name)
}

func isPlatformClosed(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
