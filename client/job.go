package client

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/guseggert/winusbinstall/driver"
	"github.com/guseggert/winusbinstall/protocol"
	"go.uber.org/zap"
)

// job is one install request being executed by the adapter.
type job struct {
	id     uint64
	req    protocol.InstallRequest
	log    *zap.SugaredLogger
	ctx    context.Context
	cancel context.CancelFunc
	s      *session

	mut     sync.Mutex
	sealed  bool
	percent int
	sent    bool
}

// newJob prepares req. The adapter gets its own context so a cancel request aborts only this job.
func newJob(ctx context.Context, s *session, req protocol.InstallRequest) *job {
	ctx, cancel := context.WithCancel(ctx)
	return &job{
		id:     req.ID,
		req:    req,
		log:    s.log.With("request", req.ID, "target", req.Target.String()),
		ctx:    ctx,
		cancel: cancel,
		s:      s,
	}
}

func (j *job) run(installer driver.Installer) {
	result := j.install(installer)
	j.s.done <- jobDone{job: j, result: result}
}

func (j *job) install(installer driver.Installer) (result protocol.InstallResult) {
	defer func() {
		if r := recover(); r != nil {
			j.log.Errorw("adapter panicked", "panic", r, "stack", string(debug.Stack()))
			result = protocol.Failed(j.id, protocol.ReasonAdapter, fmt.Sprintf("adapter panic: %v", r))
		}
	}()
	dev, err := driver.Find(j.ctx, installer, j.req.Target)
	if err != nil {
		return j.failed(err)
	}
	if dev.HasDriver(j.req.DriverKind) {
		j.log.Infow("driver already installed", "driver", dev.Driver)
		return protocol.Success(j.id, protocol.InstalledDriver{Name: dev.Driver})
	}
	j.progress(0)

	opts := driver.OptionsFor(j.req.Target)
	opts.Progress = j.progress
	installed, err := installer.Install(j.ctx, dev, opts)
	if err != nil {
		return j.failed(err)
	}
	j.progress(100)
	return protocol.Success(j.id, installed)
}

func (j *job) failed(err error) protocol.InstallResult {
	reason := driver.Reason(err)
	if reason == protocol.ReasonAdapter && errors.Is(j.ctx.Err(), context.Canceled) {
		reason = protocol.ReasonCancelled
	}
	j.log.Warnw("install failed", "reason", reason, "error", err)
	return protocol.Failed(j.id, reason, err.Error())
}

// progress reports percent to the server. Reports are clamped to 0..100, never go backwards,
// and are dropped once the result is on its way.
func (j *job) progress(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	j.mut.Lock()
	defer j.mut.Unlock()
	if j.sealed {
		return
	}
	if percent < j.percent || (percent == j.percent && j.sent) {
		return
	}
	j.percent = percent
	j.sent = true
	if err := j.s.conn.Send(protocol.NewProgress(protocol.Progress{RequestID: j.id, Percent: percent})); err != nil {
		j.log.Debugw("sending progress", "error", err)
	}
}

// seal stops further progress reports so none follow the result, and releases the job context.
func (j *job) seal() {
	j.mut.Lock()
	j.sealed = true
	j.mut.Unlock()
	j.cancel()
}
