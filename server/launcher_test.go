package server

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/guseggert/winusbinstall/elevate"
	"github.com/guseggert/winusbinstall/protocol"
)

type clientFunc func(ctx context.Context, channel string, version int) int

// inProcess launches clients as goroutines instead of elevated processes.
type inProcess struct {
	run       clientFunc
	launchErr error
	// exitErr is what Wait reports once a client returns.
	exitErr error

	mut      sync.Mutex
	channels []string
	procs    []*fakeProc
}

func (l *inProcess) Launch(ctx context.Context, cmd elevate.Command) (elevate.Process, error) {
	channel, version := parseClientArgs(cmd.Args)

	l.mut.Lock()
	defer l.mut.Unlock()
	l.channels = append(l.channels, channel)
	if l.launchErr != nil {
		return nil, l.launchErr
	}

	p := newFakeProc(len(l.procs) + 1)
	l.procs = append(l.procs, p)
	go func() {
		p.exit(l.run(p.ctx, channel, version), l.exitErr)
	}()
	return p, nil
}

func (l *inProcess) lastChannel() string {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.channels[len(l.channels)-1]
}

func (l *inProcess) lastProc() *fakeProc {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.procs[len(l.procs)-1]
}

func parseClientArgs(args []string) (string, int) {
	var (
		channel string
		version = protocol.Version
	)
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "--channel":
			channel = args[i+1]
		case "--protocol-version":
			version, _ = strconv.Atoi(args[i+1])
		}
	}
	return channel, version
}

type fakeProc struct {
	pid    int
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	code   int
	err    error
	killed atomic.Bool
}

func newFakeProc(pid int) *fakeProc {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeProc{pid: pid, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (p *fakeProc) exit(code int, err error) {
	p.once.Do(func() {
		p.code, p.err = code, err
		p.cancel()
		close(p.done)
	})
}

func (p *fakeProc) Pid() int { return p.pid }

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-p.done:
		return p.code, p.err
	}
}

func (p *fakeProc) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.killed.Store(true)
	p.exit(-1, nil)
	return nil
}
