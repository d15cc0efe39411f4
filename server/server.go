// Package server orchestrates installation sessions from the unprivileged side.
//
// A Session owns one elevated client process and one channel. It sends install requests one at a time,
// collects exactly one result per request in submission order, and releases the process and channel on
// every exit path.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/winusbinstall/elevate"
	"github.com/guseggert/winusbinstall/protocol"
	"github.com/guseggert/winusbinstall/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrElevationDenied is returned when the user or OS refused to start the client elevated.
	ErrElevationDenied = elevate.ErrDenied
	// ErrHandshakeTimeout is returned when the client did not complete the handshake in time.
	ErrHandshakeTimeout = fmt.Errorf("handshake timeout: %w", elevate.ErrTimeout)
	ErrRequestTimeout   = errors.New("request timed out")
	// ErrAborted is recorded on results that never completed because the session ended.
	ErrAborted        = errors.New("session aborted")
	ErrUnknownRequest = errors.New("unknown request")
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultRequestTimeout   = 6 * time.Minute
	defaultShutdownGrace    = 5 * time.Second
)

// ProgressFunc receives progress reports of in-flight requests.
type ProgressFunc func(session uuid.UUID, target protocol.Target, p protocol.Progress)

type Server struct {
	launcher   elevate.Launcher
	clientPath string
	clientArgs []string
	hide       bool

	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	shutdownGrace    time.Duration
	maxFrameSize     int
	onProgress       ProgressFunc

	log *zap.SugaredLogger

	mut      sync.Mutex
	sessions map[uuid.UUID]*Session
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithLauncher(l elevate.Launcher) Option {
	return func(s *Server) {
		s.launcher = l
	}
}

// WithClientCommand sets the client executable and the arguments placed before the channel arguments.
func WithClientCommand(path string, args ...string) Option {
	return func(s *Server) {
		s.clientPath = path
		s.clientArgs = args
	}
}

// WithShowWindow makes the client console visible.
func WithShowWindow(show bool) Option {
	return func(s *Server) {
		s.hide = !show
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.handshakeTimeout = d
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

func WithShutdownGrace(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownGrace = d
	}
}

func WithMaxFrameSize(n int) Option {
	return func(s *Server) {
		s.maxFrameSize = n
	}
}

func WithProgressHandler(f ProgressFunc) Option {
	return func(s *Server) {
		s.onProgress = f
	}
}

func New(opts ...Option) (*Server, error) {
	s := &Server{
		launcher:         elevate.Default(),
		hide:             true,
		handshakeTimeout: defaultHandshakeTimeout,
		requestTimeout:   defaultRequestTimeout,
		shutdownGrace:    defaultShutdownGrace,
		maxFrameSize:     transport.DefaultMaxFrameSize,
		onProgress:       func(uuid.UUID, protocol.Target, protocol.Progress) {},
		log:              zap.NewNop().Sugar(),
		sessions:         map[uuid.UUID]*Session{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("server")
	if s.clientPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("finding client executable: %w", err)
		}
		s.clientPath = exe
	}
	return s, nil
}

func (s *Server) clientCommand(channel string) elevate.Command {
	args := append([]string{}, s.clientArgs...)
	args = append(args, "--channel", channel, "--protocol-version", strconv.Itoa(protocol.Version))
	return elevate.Command{Path: s.clientPath, Args: args, Hide: s.hide}
}

// StartInstallation launches an elevated client and starts installing targets, in order.
// It returns once the client completed the handshake. On failure no process or channel is left behind.
func (s *Server) StartInstallation(ctx context.Context, targets []protocol.Target) (*Session, error) {
	id := uuid.New()
	log := s.log.With("session", id)

	channel, err := transport.NewChannelName()
	if err != nil {
		return nil, err
	}
	l, err := transport.Listen(channel)
	if err != nil {
		return nil, err
	}

	log.Debugw("launching client", "path", s.clientPath, "channel", channel)
	proc, err := s.launcher.Launch(ctx, s.clientCommand(channel))
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("launching client: %w", err)
	}
	log = log.With("pid", proc.Pid())

	// connecting and the handshake share one deadline
	timer := time.NewTimer(s.handshakeTimeout)
	defer timer.Stop()

	machine := protocol.NewMachine()
	conn, err := s.accept(ctx, l, proc, timer.C)
	l.Close()
	if err == nil {
		err = s.handshake(ctx, conn, machine, timer.C)
	}
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		s.reclaim(log, proc)
		return nil, err
	}
	log.Infow("client connected")

	sess := newSession(s, id, channel, conn, proc, machine, targets, log)
	s.mut.Lock()
	s.sessions[id] = sess
	s.mut.Unlock()

	go sess.read()
	go sess.run()
	return sess, nil
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// accept waits for the client to connect, for it to exit, or for the handshake timeout.
func (s *Server) accept(ctx context.Context, l net.Listener, proc elevate.Process, expired <-chan time.Time) (*transport.Conn, error) {
	accepted := make(chan acceptResult, 1)
	go func() {
		c, err := l.Accept()
		accepted <- acceptResult{conn: c, err: err}
	}()

	// discard stops the pending Accept and closes a connection it may have returned meanwhile
	discard := func() {
		l.Close()
		if res := <-accepted; res.conn != nil {
			res.conn.Close()
		}
	}

	select {
	case res := <-accepted:
		if res.err != nil {
			return nil, fmt.Errorf("accepting client: %w", res.err)
		}
		return transport.NewConn(res.conn, transport.WithMaxFrameSize(s.maxFrameSize)), nil
	case <-proc.Done():
		discard()
		code, err := proc.Wait(ctx)
		if errors.Is(err, elevate.ErrDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: client exited with %d before connecting", elevate.ErrSpawnFailed, code)
	case <-expired:
		discard()
		return nil, fmt.Errorf("%w: client did not connect within %s", ErrHandshakeTimeout, s.handshakeTimeout)
	case <-ctx.Done():
		discard()
		return nil, ctx.Err()
	}
}

type recvResult struct {
	msg *protocol.Message
	err error
}

// handshake checks the client's protocol version and answers it, moving machine from Init to Idle.
func (s *Server) handshake(ctx context.Context, conn *transport.Conn, machine *protocol.Machine, expired <-chan time.Time) error {
	if err := machine.Connect(); err != nil {
		return err
	}
	received := make(chan recvResult, 1)
	go func() {
		msg, err := conn.Recv()
		received <- recvResult{msg: msg, err: err}
	}()

	var res recvResult
	select {
	case res = <-received:
	case <-expired:
		return fmt.Errorf("%w: no handshake within %s", ErrHandshakeTimeout, s.handshakeTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.err != nil {
		return fmt.Errorf("receiving handshake: %w", res.err)
	}
	if res.msg.Type != protocol.TypeHandshake {
		conn.Send(protocol.NewError(protocol.ErrorKindUnexpectedMessage, "expected handshake"))
		return machine.Fail(fmt.Errorf("%w: %s before handshake", protocol.ErrUnexpectedMessage, res.msg.Type))
	}
	if err := machine.Handshake(res.msg.Handshake.ProtocolVersion); err != nil {
		if errors.Is(err, protocol.ErrVersionMismatch) {
			conn.Send(protocol.NewError(protocol.ErrorKindVersionMismatch, err.Error()))
		}
		return err
	}
	if err := conn.Send(protocol.NewHandshake()); err != nil {
		return machine.Fail(fmt.Errorf("answering handshake: %w", err))
	}
	return nil
}

// reclaim waits for a client that never became part of a session to exit, killing it after the grace period.
func (s *Server) reclaim(log *zap.SugaredLogger, proc elevate.Process) {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace+5*time.Second)
	defer cancel()
	code, killed, err := elevate.WaitOrKill(ctx, proc, s.shutdownGrace)
	if err != nil && !errors.Is(err, elevate.ErrDenied) {
		log.Warnw("reclaiming client", "error", err)
		return
	}
	log.Debugw("client reclaimed", "code", code, "killed", killed)
}

// Install runs a whole session: it starts it, waits for every result, and shuts it down.
// Results are returned even when the session was aborted part way through.
func (s *Server) Install(ctx context.Context, targets []protocol.Target) ([]protocol.InstallResult, error) {
	sess, err := s.StartInstallation(ctx, targets)
	if err != nil {
		return nil, err
	}
	results, err := sess.CollectResults(ctx)
	err = multierr.Append(err, sess.Err())
	err = multierr.Append(err, sess.Shutdown(context.Background()))
	return results, err
}

// Session returns a live session by id.
func (s *Server) Session(id uuid.UUID) (*Session, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns the live sessions.
func (s *Server) Sessions() []*Session {
	s.mut.Lock()
	defer s.mut.Unlock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (s *Server) remove(id uuid.UUID) {
	s.mut.Lock()
	delete(s.sessions, id)
	s.mut.Unlock()
}

// Close shuts down every live session concurrently. Every session is shut down even when some fail;
// all of their errors are returned.
func (s *Server) Close(ctx context.Context) error {
	var g errgroup.Group
	sessions := s.Sessions()
	errs := make([]error, len(sessions))
	for i, sess := range sessions {
		i, sess := i, sess
		g.Go(func() error {
			if err := sess.Shutdown(ctx); err != nil {
				errs[i] = fmt.Errorf("shutting down session %s: %w", sess.ID, err)
				return errs[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return multierr.Combine(errs...)
	}
	return nil
}
