package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/winusbinstall/driver"
	"github.com/guseggert/winusbinstall/driver/drivertest"
	"github.com/guseggert/winusbinstall/protocol"
	"github.com/guseggert/winusbinstall/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger(t *testing.T) *zap.Logger {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l
}

// peer plays the server side of a session.
type peer struct {
	t    *testing.T
	conn *transport.Conn
	exit chan int
}

func startSession(t *testing.T, installer driver.Installer, opts ...Option) *peer {
	t.Helper()
	name, err := transport.NewChannelName()
	require.NoError(t, err)
	l, err := transport.Listen(name)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	opts = append([]Option{WithLogger(testLogger(t))}, opts...)
	r := New(installer, opts...)
	exit := make(chan int, 1)
	go func() { exit <- r.Run(context.Background(), name, protocol.Version) }()

	raw, err := l.Accept()
	require.NoError(t, err)
	p := &peer{t: t, conn: transport.NewConn(raw), exit: exit}
	t.Cleanup(func() { p.conn.Close() })

	msg := p.recv()
	require.Equal(t, protocol.TypeHandshake, msg.Type)
	require.Equal(t, protocol.Version, msg.Handshake.ProtocolVersion)
	p.send(protocol.NewHandshake())
	return p
}

func (p *peer) send(m *protocol.Message) {
	require.NoError(p.t, p.conn.Send(m))
}

func (p *peer) recv() *protocol.Message {
	m, err := p.conn.Recv()
	require.NoError(p.t, err)
	return m
}

// result reads until the next result, returning the progress seen before it.
func (p *peer) result() (protocol.InstallResult, []int) {
	var progress []int
	for {
		m := p.recv()
		switch m.Type {
		case protocol.TypeProgress:
			progress = append(progress, m.Progress.Percent)
		case protocol.TypeResult:
			return *m.Result, progress
		default:
			p.t.Fatalf("unexpected %s", m.Type)
		}
	}
}

func (p *peer) waitExit() int {
	select {
	case code := <-p.exit:
		return code
	case <-time.After(10 * time.Second):
		p.t.Fatal("client did not exit")
		return -1
	}
}

func install(id uint64, pid uint16) *protocol.Message {
	return protocol.NewInstall(protocol.InstallRequest{
		ID:     id,
		Target: protocol.Target{VendorID: 0x1209, ProductID: pid, DriverKind: protocol.DriverWinUSB, PackageName: "dev.inf"},
	})
}

func TestRunInstallsInOrder(t *testing.T) {
	inst := &drivertest.Installer{}
	p := startSession(t, inst)

	p.send(install(1, 0x0001))
	p.send(install(2, 0x0002))

	r1, progress := p.result()
	assert.Equal(t, uint64(1), r1.RequestID)
	assert.True(t, r1.Succeeded())
	assert.Equal(t, []int{0, 100}, progress)

	r2, _ := p.result()
	assert.Equal(t, uint64(2), r2.RequestID)
	assert.True(t, r2.Succeeded())
	assert.Equal(t, "winusb", r2.Driver.Name)

	p.send(protocol.NewShutdown())
	assert.Equal(t, ExitOK, p.waitExit())

	installs := inst.Installs()
	require.Len(t, installs, 2)
	assert.Equal(t, uint16(0x0001), installs[0].ProductID)
	assert.Equal(t, uint16(0x0002), installs[1].ProductID)
}

func TestRunAdapterFailureIsIsolated(t *testing.T) {
	inst := &drivertest.Installer{
		InstallFunc: func(ctx context.Context, dev driver.Device, opts driver.InstallOptions) (protocol.InstalledDriver, error) {
			switch dev.ProductID {
			case 1:
				return protocol.InstalledDriver{}, fmt.Errorf("%w: unplugged", driver.ErrDeviceNotFound)
			case 2:
				panic("adapter bug")
			}
			return drivertest.Installed(opts), nil
		},
	}
	p := startSession(t, inst)

	for id := uint64(1); id <= 3; id++ {
		p.send(install(id, uint16(id)))
	}

	r1, _ := p.result()
	assert.Equal(t, protocol.ReasonDeviceNotFound, r1.Reason)
	assert.Contains(t, r1.Detail, "unplugged")

	r2, _ := p.result()
	assert.Equal(t, protocol.ReasonAdapter, r2.Reason)
	assert.Contains(t, r2.Detail, "adapter bug")

	r3, _ := p.result()
	assert.True(t, r3.Succeeded())

	p.send(protocol.NewShutdown())
	assert.Equal(t, ExitFailures, p.waitExit())
}

func TestRunDeviceMissingFromEnumeration(t *testing.T) {
	inst := &drivertest.Installer{Devices: []driver.Device{{VendorID: 0x1209, ProductID: 0x0002}}}
	p := startSession(t, inst)

	p.send(install(1, 0x0001))
	r, _ := p.result()
	assert.Equal(t, protocol.ReasonDeviceNotFound, r.Reason)
	assert.Empty(t, inst.Installs())

	p.send(protocol.NewShutdown())
	assert.Equal(t, ExitFailures, p.waitExit())
}

func TestRunSkipsDeviceWithDriverBound(t *testing.T) {
	inst := &drivertest.Installer{Devices: []driver.Device{{VendorID: 0x1209, ProductID: 0x0001, Driver: "WinUSB"}}}
	p := startSession(t, inst)

	p.send(install(1, 0x0001))
	r, _ := p.result()
	require.True(t, r.Succeeded())
	assert.Equal(t, "WinUSB", r.Driver.Name)
	assert.Empty(t, inst.Installs())

	p.send(protocol.NewShutdown())
	assert.Equal(t, ExitOK, p.waitExit())
}

func TestRunProgressIsClamped(t *testing.T) {
	inst := &drivertest.Installer{
		InstallFunc: func(ctx context.Context, dev driver.Device, opts driver.InstallOptions) (protocol.InstalledDriver, error) {
			opts.Progress(50)
			opts.Progress(20)
			opts.Progress(50)
			opts.Progress(150)
			return drivertest.Installed(opts), nil
		},
	}
	p := startSession(t, inst)

	p.send(install(1, 1))
	r, progress := p.result()
	assert.True(t, r.Succeeded())
	assert.Equal(t, []int{0, 50, 100}, progress)

	p.send(protocol.NewShutdown())
	assert.Equal(t, ExitOK, p.waitExit())
}

func TestRunCancelInFlight(t *testing.T) {
	started := make(chan struct{})
	inst := &drivertest.Installer{
		InstallFunc: func(ctx context.Context, dev driver.Device, opts driver.InstallOptions) (protocol.InstalledDriver, error) {
			if dev.ProductID == 1 {
				close(started)
				return drivertest.Block(ctx, dev, opts)
			}
			return drivertest.Installed(opts), nil
		},
	}
	p := startSession(t, inst)

	p.send(install(1, 1))
	p.send(install(2, 2))
	<-started
	p.send(protocol.NewCancel(1))

	r1, _ := p.result()
	assert.Equal(t, protocol.ReasonCancelled, r1.Reason)
	r2, _ := p.result()
	assert.True(t, r2.Succeeded())

	p.send(protocol.NewShutdown())
	assert.Equal(t, ExitFailures, p.waitExit())
}

func TestRunCancelQueued(t *testing.T) {
	release := make(chan struct{})
	inst := &drivertest.Installer{
		InstallFunc: func(ctx context.Context, dev driver.Device, opts driver.InstallOptions) (protocol.InstalledDriver, error) {
			if dev.ProductID == 1 {
				<-release
			}
			return drivertest.Installed(opts), nil
		},
	}
	p := startSession(t, inst)

	p.send(install(1, 1))
	p.send(install(2, 2))
	p.send(protocol.NewCancel(2))
	// unknown ids are ignored
	p.send(protocol.NewCancel(7))
	// give the client time to read the cancels before request 1 finishes
	time.Sleep(200 * time.Millisecond)
	close(release)

	r1, _ := p.result()
	assert.True(t, r1.Succeeded())
	r2, _ := p.result()
	assert.Equal(t, protocol.ReasonCancelled, r2.Reason)
	assert.Len(t, inst.Installs(), 1)

	p.send(protocol.NewShutdown())
	assert.Equal(t, ExitFailures, p.waitExit())
}

func TestRunShutdownFinishesQueuedWork(t *testing.T) {
	p := startSession(t, &drivertest.Installer{})

	p.send(install(1, 1))
	p.send(install(2, 2))
	p.send(protocol.NewShutdown())

	r1, _ := p.result()
	r2, _ := p.result()
	assert.Equal(t, []uint64{1, 2}, []uint64{r1.RequestID, r2.RequestID})
	assert.Equal(t, ExitOK, p.waitExit())

	_, err := p.conn.Recv()
	require.ErrorIs(t, err, transport.ErrConnectionClosed)
}

func TestRunRejectsNonIncreasingIDs(t *testing.T) {
	p := startSession(t, &drivertest.Installer{})

	p.send(install(2, 1))
	r, _ := p.result()
	assert.True(t, r.Succeeded())

	p.send(install(2, 1))
	msg := p.recv()
	require.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.ErrorKindSequenceMismatch, msg.Error.Kind)
	assert.Equal(t, ExitProtocol, p.waitExit())
}

func TestRunRejectsUnexpectedMessage(t *testing.T) {
	p := startSession(t, &drivertest.Installer{})

	p.send(protocol.NewProgress(protocol.Progress{RequestID: 1, Percent: 5}))
	msg := p.recv()
	require.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.ErrorKindUnexpectedMessage, msg.Error.Kind)
	assert.Equal(t, ExitProtocol, p.waitExit())
}

func TestRunServerVanishes(t *testing.T) {
	p := startSession(t, &drivertest.Installer{InstallFunc: drivertest.Block})

	p.send(install(1, 1))
	msg := p.recv()
	require.Equal(t, protocol.TypeProgress, msg.Type)
	p.conn.Close()

	assert.Equal(t, ExitProtocol, p.waitExit())
}

func TestRunVersionRejected(t *testing.T) {
	name, err := transport.NewChannelName()
	require.NoError(t, err)
	l, err := transport.Listen(name)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	exit := make(chan int, 1)
	go func() {
		exit <- New(&drivertest.Installer{}, WithLogger(testLogger(t))).Run(context.Background(), name, protocol.Version+1)
	}()

	raw, err := l.Accept()
	require.NoError(t, err)
	conn := transport.NewConn(raw)
	defer conn.Close()

	msg, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.Version+1, msg.Handshake.ProtocolVersion)
	require.NoError(t, conn.Send(protocol.NewError(protocol.ErrorKindVersionMismatch, "want 1")))

	assert.Equal(t, ExitProtocol, <-exit)
}

func TestRunConnectTimeout(t *testing.T) {
	attempts := 0
	dial := func(ctx context.Context, name string) (net.Conn, error) {
		attempts++
		return nil, errors.New("no such channel")
	}
	r := New(&drivertest.Installer{},
		WithLogger(testLogger(t)),
		WithDialer(dial),
		WithConnectTimeout(200*time.Millisecond),
		WithPollInterval(20*time.Millisecond),
	)

	start := time.Now()
	code := r.Run(context.Background(), "missing-"+uuid.NewString(), protocol.Version)
	assert.Equal(t, ExitSetup, code)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Greater(t, attempts, 1, "the channel is polled until the timeout")
}

func TestRunConnectsOnceChannelAppears(t *testing.T) {
	name, err := transport.NewChannelName()
	require.NoError(t, err)

	exit := make(chan int, 1)
	r := New(&drivertest.Installer{}, WithLogger(testLogger(t)), WithConnectTimeout(5*time.Second))
	go func() { exit <- r.Run(context.Background(), name, protocol.Version) }()

	time.Sleep(150 * time.Millisecond)
	l, err := transport.Listen(name)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	raw, err := l.Accept()
	require.NoError(t, err)
	conn := transport.NewConn(raw)
	defer conn.Close()

	_, err = conn.Recv()
	require.NoError(t, err)
	require.NoError(t, conn.Send(protocol.NewHandshake()))
	require.NoError(t, conn.Send(protocol.NewShutdown()))
	assert.Equal(t, ExitOK, <-exit)
}
