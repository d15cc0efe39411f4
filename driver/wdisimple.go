package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/winusbinstall/protocol"
	"go.uber.org/zap"
)

// wdi-simple exits with the libwdi error code on failure.
const (
	wdiErrorAccess     = -3
	wdiErrorNoDevice   = -4
	wdiErrorNotFound   = -5
	wdiErrorTimeout    = -7
	wdiErrorUserCancel = -14
	wdiErrorNeedsAdmin = -15
)

// waitDelay bounds how long output is drained after wdi-simple is killed.
const waitDelay = 2 * time.Second

var wdiTypes = map[protocol.DriverKind]int{
	protocol.DriverWinUSB:  0,
	protocol.DriverLibUSB0: 1,
	protocol.DriverLibUSBK: 2,
	protocol.DriverCDC:     3,
	protocol.DriverUser:    4,
}

// WDISimple installs drivers by running the wdi-simple tool from libwdi.
type WDISimple struct {
	path string
	enum Enumerator
	env  []string
	log  *zap.SugaredLogger
}

type WDISimpleOption func(w *WDISimple)

// WithEnumerator sets how devices are listed. Without one, enumeration is unsupported.
func WithEnumerator(e Enumerator) WDISimpleOption {
	return func(w *WDISimple) { w.enum = e }
}

func WithLogger(log *zap.SugaredLogger) WDISimpleOption {
	return func(w *WDISimple) { w.log = log }
}

// WithEnv adds environment variables to each wdi-simple run.
func WithEnv(env ...string) WDISimpleOption {
	return func(w *WDISimple) { w.env = append(w.env, env...) }
}

func NewWDISimple(path string, opts ...WDISimpleOption) *WDISimple {
	w := &WDISimple{
		path: path,
		log:  zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.Named("wdi-simple")
	return w
}

func (w *WDISimple) EnumerateDevices(ctx context.Context) ([]Device, error) {
	if w.enum == nil {
		return nil, ErrEnumerationUnsupported
	}
	return w.enum.EnumerateDevices(ctx)
}

func (w *WDISimple) args(dev Device, opts InstallOptions) ([]string, error) {
	typ, ok := wdiTypes[opts.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown driver kind %q", opts.Kind)
	}
	args := []string{
		"--vid", fmt.Sprintf("0x%04X", dev.VendorID),
		"--pid", fmt.Sprintf("0x%04X", dev.ProductID),
		"--type", strconv.Itoa(typ),
		"--silent",
	}
	if dev.Interface != "" {
		mi, err := interfaceNumber(dev.Interface)
		if err != nil {
			return nil, err
		}
		args = append(args, "--iid", strconv.Itoa(mi))
	}
	if dev.Description != "" {
		args = append(args, "--name", dev.Description)
	}
	if opts.PackageName != "" {
		args = append(args, "--inf", opts.PackageName)
	}
	if opts.Vendor != "" {
		args = append(args, "--manufacturer", opts.Vendor)
	}
	if opts.DestDir != "" {
		args = append(args, "--dest", opts.DestDir)
	}
	return args, nil
}

// interfaceNumber parses "MI_01" into 1.
func interfaceNumber(iface string) (int, error) {
	s := strings.TrimPrefix(strings.ToUpper(iface), "MI_")
	n, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid interface %q: %w", iface, err)
	}
	return int(n), nil
}

func (w *WDISimple) Install(ctx context.Context, dev Device, opts InstallOptions) (protocol.InstalledDriver, error) {
	args, err := w.args(dev, opts)
	if err != nil {
		return protocol.InstalledDriver{}, err
	}

	log := w.log.With("device", dev.String(), "kind", opts.Kind)
	log.Debugw("running", "path", w.path, "args", args)

	cmd := exec.CommandContext(ctx, w.path, args...)
	if len(w.env) > 0 {
		cmd.Env = append(cmd.Environ(), w.env...)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = waitDelay

	var (
		wg   sync.WaitGroup
		tail string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			log.Debugw("output", "line", line)
			tail = line
			switch {
			case strings.HasPrefix(line, "Extracting driver files"):
				opts.progress(30)
			case strings.HasPrefix(line, "Installing driver"):
				opts.progress(60)
			}
		}
		io.Copy(io.Discard, pr)
	}()

	opts.progress(0)
	err = cmd.Run()
	pw.Close()
	wg.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return protocol.InstalledDriver{}, fmt.Errorf("wdi-simple interrupted: %w", ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return protocol.InstalledDriver{}, fmt.Errorf("running wdi-simple: %w", err)
		}
		return protocol.InstalledDriver{}, wdiError(exitErr.ExitCode(), tail)
	}
	opts.progress(100)

	inf := opts.PackageName
	if inf != "" && opts.DestDir != "" {
		inf = filepath.Join(opts.DestDir, inf)
	}
	return protocol.InstalledDriver{Name: serviceName(opts.Kind), InfPath: inf}, nil
}

func serviceName(kind protocol.DriverKind) string {
	if name, ok := serviceNames[kind]; ok {
		return name
	}
	return string(kind)
}

// wdiError maps a wdi-simple exit code to an adapter error.
// Exit codes are truncated by the OS, so negative libwdi codes come back as 8-bit (unix) or 32-bit (Windows) values.
func wdiError(exitCode int, detail string) error {
	code := exitCode
	if code >= 128 && code <= 255 {
		code = int(int8(code))
	} else {
		code = int(int32(uint32(code)))
	}
	msg := fmt.Sprintf("wdi-simple exited with %d", code)
	if detail != "" {
		msg += ": " + detail
	}
	switch code {
	case wdiErrorAccess, wdiErrorNeedsAdmin:
		return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
	case wdiErrorNoDevice, wdiErrorNotFound:
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, msg)
	case wdiErrorTimeout, wdiErrorUserCancel:
		return errors.New(msg)
	}
	return fmt.Errorf("%w: %s", ErrDriverBindFailed, msg)
}
