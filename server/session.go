package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/winusbinstall/elevate"
	"github.com/guseggert/winusbinstall/protocol"
	"github.com/guseggert/winusbinstall/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ProcessExit describes how the client process ended.
type ProcessExit struct {
	Code   int
	Killed bool
}

// Session is one conversation with one elevated client.
type Session struct {
	ID      uuid.UUID
	Channel string

	srv      *Server
	log      *zap.SugaredLogger
	conn     *transport.Conn
	proc     elevate.Process
	requests []protocol.InstallRequest

	// machine is owned by the conversation goroutine until done is closed, then by Shutdown.
	machine *protocol.Machine

	incoming   chan recvResult
	stopReader chan struct{}
	// cancelled wakes the conversation after Cancel marked a request.
	cancelled chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}

	mut     sync.Mutex
	state   protocol.State
	results []protocol.InstallResult
	cancels map[uint64]bool
	err     error
	exit    *ProcessExit

	teardownOnce sync.Once
	teardownErr  error
}

// newSession takes over a channel whose handshake machine has reached Idle.
func newSession(srv *Server, id uuid.UUID, channel string, conn *transport.Conn, proc elevate.Process, machine *protocol.Machine, targets []protocol.Target, log *zap.SugaredLogger) *Session {
	requests := make([]protocol.InstallRequest, len(targets))
	for i, t := range targets {
		requests[i] = protocol.InstallRequest{ID: uint64(i + 1), Target: t}
	}
	return &Session{
		ID:         id,
		Channel:    channel,
		srv:        srv,
		log:        log,
		conn:       conn,
		proc:       proc,
		requests:   requests,
		machine:    machine,
		incoming:   make(chan recvResult),
		stopReader: make(chan struct{}),
		cancelled:  make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		state:      machine.State(),
		results:    make([]protocol.InstallResult, 0, len(requests)),
		cancels:    map[uint64]bool{},
	}
}

// Requests returns the requests of the session in submission order.
func (s *Session) Requests() []protocol.InstallRequest {
	return append([]protocol.InstallRequest(nil), s.requests...)
}

// State returns the protocol state of the session.
func (s *Session) State() protocol.State {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.state
}

// Err returns the error that aborted the session, if any.
func (s *Session) Err() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.err
}

// ProcessExit reports how the client process ended, once the session has been shut down
// or closed by a transport or protocol error.
func (s *Session) ProcessExit() (ProcessExit, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.exit == nil {
		return ProcessExit{}, false
	}
	return *s.exit, true
}

func (s *Session) syncState() {
	s.mut.Lock()
	s.state = s.machine.State()
	s.mut.Unlock()
}

func (s *Session) record(r protocol.InstallResult) {
	s.mut.Lock()
	s.results = append(s.results, r)
	s.mut.Unlock()
}

// Done is closed once every request has a result. A session aborted by a transport or protocol error has also
// released its client and channel by then.
func (s *Session) Done() <-chan struct{} { return s.done }

// CollectResults waits for every request to finish and returns one result per request, in submission order.
func (s *Session) CollectResults(ctx context.Context) ([]protocol.InstallResult, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	return append([]protocol.InstallResult(nil), s.results...), nil
}

// Cancel asks for request id of this session to be abandoned. Cancellation is advisory: the request still gets
// exactly one result, which may be a success if the client finished first. Cancel never blocks, so it may be
// called from a progress handler.
func (s *Session) Cancel(id uint64) error {
	if id == 0 || id > uint64(len(s.requests)) {
		return fmt.Errorf("%w: %d", ErrUnknownRequest, id)
	}
	s.mut.Lock()
	s.cancels[id] = true
	s.mut.Unlock()
	select {
	case s.cancelled <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) isCancelled(id uint64) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.cancels[id]
}

func (s *Session) read() {
	for {
		msg, err := s.conn.Recv()
		select {
		case s.incoming <- recvResult{msg: msg, err: err}:
		case <-s.stopReader:
			return
		}
		if err != nil {
			return
		}
	}
}

// run drives the conversation. A session closed by an error releases its client and channel before Done.
func (s *Session) run() {
	fatal := s.converse()
	s.syncState()
	if fatal {
		s.teardown(context.Background())
	}
	close(s.done)
}

// converse sends the requests one at a time, in order. It reports whether the session was closed by an error.
func (s *Session) converse() bool {
	for _, req := range s.requests {
		if s.stopped() {
			s.abortRemaining(fmt.Errorf("%w: shut down before request %d was sent", ErrAborted, req.ID))
			return false
		}
		if s.isCancelled(req.ID) {
			s.log.Infow("request cancelled before it was sent", "request", req.ID)
			s.record(protocol.Failed(req.ID, protocol.ReasonCancelled, "cancelled before it was sent"))
			continue
		}
		if err := s.exchange(req); err != nil {
			s.fail(err)
			s.abortRemaining(fmt.Errorf("%w: %s", ErrAborted, err))
			return true
		}
	}
	s.log.Infow("all requests finished", "requests", len(s.requests))
	return false
}

func (s *Session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// exchange sends req and waits for its result or deadline. A returned error is fatal to the session.
func (s *Session) exchange(req protocol.InstallRequest) error {
	log := s.log.With("request", req.ID, "target", req.Target.String())

	if err := s.machine.StartInstall(req.ID); err != nil {
		return err
	}
	s.syncState()
	if err := s.conn.Send(protocol.NewInstall(req)); err != nil {
		return err
	}
	log.Debugw("request sent")

	timer := time.NewTimer(s.srv.requestTimeout)
	defer timer.Stop()

	cancelSent := false

	for {
		select {
		case in := <-s.incoming:
			finished, err := s.handle(log, req, in)
			if err != nil || finished {
				return err
			}

		case <-timer.C:
			log.Warnw("request timed out", "timeout", s.srv.requestTimeout)
			return s.abandon(req, protocol.Failed(req.ID, protocol.ReasonTimeout,
				fmt.Sprintf("%s: no result within %s", ErrRequestTimeout, s.srv.requestTimeout)))

		case <-s.cancelled:
			// later requests are checked before they are sent
			if cancelSent || !s.isCancelled(req.ID) {
				continue
			}
			cancelSent = true
			log.Infow("cancelling")
			if err := s.conn.Send(protocol.NewCancel(req.ID)); err != nil {
				return err
			}

		case <-s.stop:
			log.Infow("abandoning request for shutdown")
			return s.abandon(req, protocol.Failed(req.ID, protocol.ReasonAborted, "session shut down"))
		}
	}
}

// handle processes one message received while req is in flight.
func (s *Session) handle(log *zap.SugaredLogger, req protocol.InstallRequest, in recvResult) (bool, error) {
	if in.err != nil {
		return false, in.err
	}
	msg := in.msg
	switch msg.Type {
	case protocol.TypeProgress:
		stale, err := s.machine.Progress(msg.Progress.RequestID, msg.Progress.Percent)
		if err != nil {
			return false, err
		}
		if stale {
			log.Debugw("dropping progress of abandoned request", "stale", msg.Progress.RequestID)
			return false, nil
		}
		s.srv.onProgress(s.ID, req.Target, *msg.Progress)
		return false, nil

	case protocol.TypeResult:
		stale, err := s.machine.Finish(msg.Result.RequestID)
		if err != nil {
			return false, err
		}
		if stale {
			log.Debugw("dropping late result of abandoned request", "stale", msg.Result.RequestID, "outcome", msg.Result.Outcome)
			return false, nil
		}
		s.syncState()
		log.Infow("request finished", "outcome", msg.Result.Outcome, "reason", msg.Result.Reason, "detail", msg.Result.Detail)
		s.record(*msg.Result)
		return true, nil

	case protocol.TypeError:
		return false, fmt.Errorf("client reported %s: %s", msg.Error.Kind, msg.Error.Message)
	}
	return false, s.machine.Fail(fmt.Errorf("%w: %s from client", protocol.ErrUnexpectedMessage, msg.Type))
}

// abandon gives up on the in-flight request without aborting the session. The client is told to cancel it and
// its late messages are discarded.
func (s *Session) abandon(req protocol.InstallRequest, result protocol.InstallResult) error {
	if err := s.machine.Abandon(req.ID); err != nil {
		return err
	}
	s.syncState()
	s.record(result)
	if err := s.conn.Send(protocol.NewCancel(req.ID)); err != nil {
		return err
	}
	return nil
}

// fail closes the session after a transport or protocol error.
func (s *Session) fail(err error) {
	s.log.Errorw("session aborted", "error", err)
	s.machine.Fail(err)
	s.mut.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mut.Unlock()

	var kind protocol.ErrorKind
	switch {
	case errors.Is(err, protocol.ErrSequenceMismatch):
		kind = protocol.ErrorKindSequenceMismatch
	case errors.Is(err, protocol.ErrUnexpectedMessage):
		kind = protocol.ErrorKindUnexpectedMessage
	}
	if kind != "" {
		if sendErr := s.conn.Send(protocol.NewError(kind, err.Error())); sendErr != nil {
			s.log.Debugw("reporting error to client", "error", sendErr)
		}
	}
	s.conn.Close()
}

// abortRemaining fails every request that has no result yet.
func (s *Session) abortRemaining(cause error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, req := range s.requests[len(s.results):] {
		s.results = append(s.results, protocol.Failed(req.ID, protocol.ReasonAborted, cause.Error()))
	}
}

// Shutdown ends the session. Requests still in flight are abandoned. The client is asked to exit and is killed
// if it has not exited within the shutdown grace period. The channel is always closed. It is safe to call more
// than once; later calls return the result of the first release.
func (s *Session) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return s.teardown(ctx)
}

// teardown releases the client and the channel once the conversation is over.
func (s *Session) teardown(ctx context.Context) error {
	s.teardownOnce.Do(func() {
		s.teardownErr = s.release(ctx)
	})
	return s.teardownErr
}

func (s *Session) release(ctx context.Context) error {
	var err error
	if s.machine.State() == protocol.StateIdle {
		if sendErr := s.conn.Send(protocol.NewShutdown()); sendErr != nil {
			err = multierr.Append(err, fmt.Errorf("sending shutdown: %w", sendErr))
		} else if stateErr := s.machine.Shutdown(); stateErr != nil {
			err = multierr.Append(err, stateErr)
		}
		s.syncState()
	}

	code, killed, waitErr := elevate.WaitOrKill(ctx, s.proc, s.srv.shutdownGrace)
	if killed {
		s.log.Warnw("client did not exit in time, killed", "grace", s.srv.shutdownGrace)
	}
	if waitErr != nil {
		err = multierr.Append(err, fmt.Errorf("waiting for client: %w", waitErr))
	} else {
		s.log.Infow("client exited", "code", code, "killed", killed)
	}

	if closeErr := s.conn.Close(); closeErr != nil && !errors.Is(closeErr, transport.ErrConnectionClosed) {
		s.log.Debugw("closing channel", "error", closeErr)
	}
	close(s.stopReader)
	s.machine.Close()

	s.mut.Lock()
	s.state = s.machine.State()
	s.exit = &ProcessExit{Code: code, Killed: killed}
	s.mut.Unlock()

	s.srv.remove(s.ID)
	return err
}
