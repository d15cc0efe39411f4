//go:build windows

package elevate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	seeMaskNoCloseProcess = 0x00000040
	seeMaskNoAsync        = 0x00000100
)

var procShellExecuteExW = windows.NewLazySystemDLL("shell32.dll").NewProc("ShellExecuteExW")

// shellExecuteInfo mirrors SHELLEXECUTEINFOW.
type shellExecuteInfo struct {
	cbSize       uint32
	fMask        uint32
	hwnd         windows.HWND
	lpVerb       *uint16
	lpFile       *uint16
	lpParameters *uint16
	lpDirectory  *uint16
	nShow        int32
	hInstApp     windows.Handle
	lpIDList     uintptr
	lpClass      *uint16
	hkeyClass    windows.Handle
	dwHotKey     uint32
	hIcon        windows.Handle
	hProcess     windows.Handle
}

// RunAs elevates through the shell "runas" verb, which shows the UAC prompt.
type RunAs struct{}

func (RunAs) Launch(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := procShellExecuteExW.Find(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, err)
	}

	verb, err := windows.UTF16PtrFromString("runas")
	if err != nil {
		return nil, err
	}
	file, err := windows.UTF16PtrFromString(c.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSpawnFailed, err)
	}
	params, err := windows.UTF16PtrFromString(commandLine(c.Args))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSpawnFailed, err)
	}
	var dir *uint16
	if c.Dir != "" {
		if dir, err = windows.UTF16PtrFromString(c.Dir); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrSpawnFailed, err)
		}
	}
	show := int32(windows.SW_NORMAL)
	if c.Hide {
		show = int32(windows.SW_HIDE)
	}

	info := shellExecuteInfo{
		fMask:        seeMaskNoCloseProcess | seeMaskNoAsync,
		lpVerb:       verb,
		lpFile:       file,
		lpParameters: params,
		lpDirectory:  dir,
		nShow:        show,
	}
	info.cbSize = uint32(unsafe.Sizeof(info))

	r1, _, callErr := procShellExecuteExW.Call(uintptr(unsafe.Pointer(&info)))
	if r1 == 0 {
		if errors.Is(callErr, windows.ERROR_CANCELLED) {
			return nil, fmt.Errorf("%w: the UAC prompt was dismissed", ErrDenied)
		}
		return nil, fmt.Errorf("%w: ShellExecuteExW: %s", ErrSpawnFailed, callErr)
	}
	if info.hInstApp <= 32 {
		if info.hProcess != 0 {
			windows.CloseHandle(info.hProcess)
		}
		return nil, fmt.Errorf("%w: %s", ErrSpawnFailed, seErrString(uint32(info.hInstApp)))
	}
	if info.hProcess == 0 {
		return nil, fmt.Errorf("%w: no process was spawned", ErrSpawnFailed)
	}
	return newHandleProcess(info.hProcess), nil
}

// commandLine quotes args for the elevated process.
func commandLine(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = windows.EscapeArg(a)
	}
	return strings.Join(quoted, " ")
}

func seErrString(code uint32) string {
	switch code {
	case 0:
		return "The operating system is out of memory or resources."
	case 2:
		return "File not found."
	case 3:
		return "Path not found."
	case 5:
		return "Access denied."
	case 8:
		return "Out of memory."
	case 26:
		return "Cannot share an open file."
	case 27:
		return "File association information not complete."
	case 28:
		return "DDE operation timed out."
	case 29:
		return "DDE operation failed."
	case 30:
		return "DDE operation is busy."
	case 31:
		return "File association not available."
	case 32:
		return "Dynamic-link library not found."
	}
	return fmt.Sprintf("Unexpected SE_ERR_* code: %d", code)
}

// handleProcess is a process known only by its handle.
type handleProcess struct {
	pid  int
	done chan struct{}
	code int
	err  error

	mut    sync.Mutex
	handle windows.Handle
}

func newHandleProcess(h windows.Handle) *handleProcess {
	pid, _ := windows.GetProcessId(h)
	p := &handleProcess{pid: int(pid), done: make(chan struct{}), handle: h}
	go p.wait()
	return p
}

func (p *handleProcess) wait() {
	event, err := windows.WaitForSingleObject(p.handle, windows.INFINITE)
	switch {
	case err != nil:
		p.code, p.err = -1, fmt.Errorf("waiting for process %d: %w", p.pid, err)
	case event != windows.WAIT_OBJECT_0:
		p.code, p.err = -1, fmt.Errorf("waiting for process %d: unexpected wait result %d", p.pid, event)
	default:
		var code uint32
		if err := windows.GetExitCodeProcess(p.handle, &code); err != nil {
			p.code, p.err = -1, fmt.Errorf("reading exit code of process %d: %w", p.pid, err)
		} else {
			p.code = int(code)
		}
	}

	p.mut.Lock()
	windows.CloseHandle(p.handle)
	p.handle = 0
	close(p.done)
	p.mut.Unlock()
}

func (p *handleProcess) Pid() int { return p.pid }

func (p *handleProcess) Done() <-chan struct{} { return p.done }

func (p *handleProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-p.done:
		return p.code, p.err
	}
}

func (p *handleProcess) Kill() error {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.handle == 0 {
		return nil
	}
	if err := windows.TerminateProcess(p.handle, 1); err != nil {
		// terminating a process that already exited fails with access denied
		if event, _ := windows.WaitForSingleObject(p.handle, 0); event == windows.WAIT_OBJECT_0 {
			return nil
		}
		return fmt.Errorf("terminating process %d: %w", p.pid, err)
	}
	return nil
}

// Default returns the launcher for this platform.
func Default() Launcher {
	return RunAs{}
}
