// Package client runs the elevated side of an installation session.
//
// The runner connects to the channel named by the server, completes the handshake, and then executes
// install requests one after another in the order they arrived, streaming progress and exactly one result
// per request. It exits with a code summarizing the batch.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/guseggert/winusbinstall/driver"
	"github.com/guseggert/winusbinstall/protocol"
	"github.com/guseggert/winusbinstall/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Exit codes of the client process.
const (
	ExitOK       = 0
	ExitFailures = 1
	ExitProtocol = 2
	ExitSetup    = 3
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPollInterval   = 50 * time.Millisecond
)

// Runner is the client side of a session.
type Runner struct {
	installer driver.Installer
	log       *zap.SugaredLogger

	connectTimeout time.Duration
	pollInterval   time.Duration
	maxFrameSize   int
	dial           func(ctx context.Context, name string) (net.Conn, error)
}

type Option func(r *Runner)

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		r.log = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(r *Runner) {
		r.log = r.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithConnectTimeout bounds how long the runner keeps trying to reach the server.
func WithConnectTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.connectTimeout = d
	}
}

// WithPollInterval sets the delay between connection attempts.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.pollInterval = d
	}
}

func WithMaxFrameSize(n int) Option {
	return func(r *Runner) {
		r.maxFrameSize = n
	}
}

// WithDialer replaces how the channel is opened.
func WithDialer(dial func(ctx context.Context, name string) (net.Conn, error)) Option {
	return func(r *Runner) {
		r.dial = dial
	}
}

func New(installer driver.Installer, opts ...Option) *Runner {
	r := &Runner{
		installer:      installer,
		log:            zap.NewNop().Sugar(),
		connectTimeout: defaultConnectTimeout,
		pollInterval:   defaultPollInterval,
		maxFrameSize:   transport.DefaultMaxFrameSize,
		dial:           transport.Dial,
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.Named("client")
	return r
}

// Run serves one session on channel, announcing version in the handshake, and returns the exit code.
func (r *Runner) Run(ctx context.Context, channel string, version int) int {
	log := r.log.With("channel", channel)

	raw, err := r.connect(ctx, channel)
	if err != nil {
		log.Errorw("connecting to server", "error", err)
		return ExitSetup
	}
	conn := transport.NewConn(raw, transport.WithMaxFrameSize(r.maxFrameSize))
	defer conn.Close()

	s := &session{
		log:       log,
		conn:      conn,
		installer: r.installer,
		machine:   protocol.NewMachine(),
		cancelled: map[uint64]bool{},
		incoming:  make(chan recvResult),
		done:      make(chan jobDone, 1),
	}
	return s.run(ctx, version)
}

// connect dials channel until it succeeds or the connect timeout expires.
func (r *Runner) connect(ctx context.Context, channel string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		conn, err := r.dial(ctx, channel)
		if err == nil {
			return conn, nil
		}
		r.log.Debugw("channel not ready", "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dialing %s: %w (last error: %s)", channel, ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

type recvResult struct {
	msg *protocol.Message
	err error
}

type jobDone struct {
	job    *job
	result protocol.InstallResult
}

type session struct {
	log       *zap.SugaredLogger
	conn      *transport.Conn
	installer driver.Installer
	machine   *protocol.Machine

	queue     []protocol.InstallRequest
	lastQueue uint64
	running   *job
	// cancelled holds queued ids the server asked to cancel before they started.
	cancelled map[uint64]bool
	shutdown  bool
	failures  int

	incoming chan recvResult
	// done has room for the single running job, so a job never blocks on an exited session.
	done chan jobDone
}

func (s *session) run(ctx context.Context, version int) int {
	if err := s.machine.Connect(); err != nil {
		return ExitProtocol
	}
	if code, ok := s.handshake(version); !ok {
		return code
	}
	s.log.Infow("session established")

	readerCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()
	go s.read(readerCtx)

	defer func() {
		if s.running != nil {
			s.running.cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.log.Warnw("interrupted", "error", ctx.Err())
			s.machine.Fail(ctx.Err())
			return ExitProtocol

		case in := <-s.incoming:
			if in.err != nil {
				s.machine.Fail(in.err)
				if errors.Is(in.err, transport.ErrConnectionClosed) {
					s.log.Errorw("server closed the channel before shutdown")
				} else {
					s.log.Errorw("receiving", "error", in.err)
				}
				return ExitProtocol
			}
			if err := s.handle(in.msg); err != nil {
				s.log.Errorw("protocol error", "error", err)
				s.sendError(err)
				return ExitProtocol
			}

		case d := <-s.done:
			if err := s.finish(d); err != nil {
				s.log.Errorw("sending result", "error", err)
				return ExitProtocol
			}
		}

		if s.running == nil && len(s.queue) > 0 {
			if err := s.startNext(ctx); err != nil {
				s.log.Errorw("starting request", "error", err)
				s.sendError(err)
				return ExitProtocol
			}
		}
		if s.shutdown && s.running == nil && len(s.queue) == 0 {
			return s.close()
		}
	}
}

func (s *session) handshake(version int) (int, bool) {
	hs := &protocol.Message{
		Type:      protocol.TypeHandshake,
		Version:   version,
		Handshake: &protocol.Handshake{ProtocolVersion: version},
	}
	if err := s.conn.Send(hs); err != nil {
		s.log.Errorw("sending handshake", "error", err)
		return ExitSetup, false
	}
	reply, err := s.conn.Recv()
	if err != nil {
		s.log.Errorw("receiving handshake", "error", err)
		return ExitProtocol, false
	}
	switch reply.Type {
	case protocol.TypeHandshake:
		if err := s.machine.Handshake(reply.Handshake.ProtocolVersion); err != nil {
			s.log.Errorw("handshake", "error", err)
			s.sendError(err)
			return ExitProtocol, false
		}
		return 0, true
	case protocol.TypeError:
		s.log.Errorw("server rejected handshake", "kind", reply.Error.Kind, "message", reply.Error.Message)
	default:
		s.log.Errorw("unexpected handshake reply", "type", reply.Type)
	}
	s.machine.Fail(protocol.ErrUnexpectedMessage)
	return ExitProtocol, false
}

func (s *session) read(ctx context.Context) {
	for {
		msg, err := s.conn.Recv()
		select {
		case s.incoming <- recvResult{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *session) handle(msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeInstall:
		req := *msg.Install
		if s.shutdown {
			return fmt.Errorf("%w: install request %d after shutdown", protocol.ErrUnexpectedMessage, req.ID)
		}
		if req.ID <= s.lastQueue {
			return fmt.Errorf("%w: request %d does not follow %d", protocol.ErrSequenceMismatch, req.ID, s.lastQueue)
		}
		s.lastQueue = req.ID
		s.queue = append(s.queue, req)
		s.log.Debugw("queued", "request", req.ID, "target", req.Target.String())
	case protocol.TypeCancel:
		id := msg.Cancel.RequestID
		if s.running != nil && s.running.id == id {
			s.log.Infow("cancelling in-flight request", "request", id)
			s.running.cancel()
			return nil
		}
		for _, req := range s.queue {
			if req.ID == id {
				s.log.Infow("cancelling queued request", "request", id)
				s.cancelled[id] = true
				return nil
			}
		}
		// advisory: the request already finished
		s.log.Debugw("ignoring cancel for finished request", "request", id)
	case protocol.TypeShutdown:
		s.log.Infow("shutdown requested", "queued", len(s.queue), "running", s.running != nil)
		s.shutdown = true
	case protocol.TypeError:
		return fmt.Errorf("server reported %s: %s", msg.Error.Kind, msg.Error.Message)
	default:
		return fmt.Errorf("%w: %s from server", protocol.ErrUnexpectedMessage, msg.Type)
	}
	return nil
}

func (s *session) startNext(ctx context.Context) error {
	req := s.queue[0]
	s.queue = s.queue[1:]
	if err := s.machine.StartInstall(req.ID); err != nil {
		return err
	}

	j := newJob(ctx, s, req)
	s.running = j
	if s.cancelled[req.ID] {
		delete(s.cancelled, req.ID)
		s.done <- jobDone{job: j, result: protocol.Failed(req.ID, protocol.ReasonCancelled, "cancelled before it started")}
		return nil
	}
	go j.run(s.installer)
	return nil
}

func (s *session) finish(d jobDone) error {
	d.job.seal()
	if err := s.conn.Send(protocol.NewResult(d.result)); err != nil {
		return err
	}
	if _, err := s.machine.Finish(d.job.id); err != nil {
		return err
	}
	if !d.result.Succeeded() {
		s.failures++
	}
	s.log.Infow("request finished",
		"request", d.job.id,
		"outcome", d.result.Outcome,
		"reason", d.result.Reason,
		"detail", d.result.Detail,
	)
	s.running = nil
	return nil
}

func (s *session) close() int {
	if err := s.machine.Shutdown(); err != nil {
		s.log.Errorw("shutting down", "error", err)
		return ExitProtocol
	}
	s.machine.Close()
	if err := s.conn.Close(); err != nil {
		s.log.Debugw("closing channel", "error", err)
	}
	if s.failures > 0 {
		s.log.Warnw("session finished with failures", "failed", s.failures)
		return ExitFailures
	}
	s.log.Infow("session finished")
	return ExitOK
}

func (s *session) sendError(err error) {
	kind := protocol.ErrorKindInternal
	switch {
	case errors.Is(err, protocol.ErrVersionMismatch):
		kind = protocol.ErrorKindVersionMismatch
	case errors.Is(err, protocol.ErrSequenceMismatch):
		kind = protocol.ErrorKindSequenceMismatch
	case errors.Is(err, protocol.ErrUnexpectedMessage):
		kind = protocol.ErrorKindUnexpectedMessage
	case errors.Is(err, transport.ErrConnectionClosed), errors.Is(err, transport.ErrFrameTooLarge), errors.Is(err, transport.ErrDecode):
		return
	}
	if sendErr := s.conn.Send(protocol.NewError(kind, err.Error())); sendErr != nil {
		s.log.Debugw("reporting error to server", "error", sendErr)
	}
}
