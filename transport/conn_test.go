package transport

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/winusbinstall/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T, opts ...ConnOption) (*Conn, *Conn) {
	a, b := net.Pipe()
	ca, cb := NewConn(a, opts...), NewConn(b, opts...)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestSendRecv(t *testing.T) {
	server, client := pipePair(t)

	msgs := []*protocol.Message{
		protocol.NewHandshake(),
		protocol.NewInstall(protocol.InstallRequest{ID: 1, Target: protocol.Target{VendorID: 0x1209, ProductID: 0x0001, DriverKind: protocol.DriverWinUSB, PackageName: "dev.inf"}}),
		protocol.NewShutdown(),
	}
	go func() {
		for _, m := range msgs {
			assert.NoError(t, server.Send(m))
		}
	}()

	for _, want := range msgs {
		got, err := client.Recv()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestSendRejectsOversizeFrame(t *testing.T) {
	server, _ := pipePair(t, WithMaxFrameSize(16))

	err := server.Send(protocol.NewError(protocol.ErrorKindInternal, strings.Repeat("x", 64)))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestRecvRejectsOversizeHeader(t *testing.T) {
	a, b := net.Pipe()
	conn := NewConn(b, WithMaxFrameSize(1024))
	t.Cleanup(func() { a.Close(); conn.Close() })

	go func() {
		var header [headerSize]byte
		binary.BigEndian.PutUint32(header[:], 1025)
		a.Write(header[:])
	}()

	_, err := conn.Recv()
	require.ErrorIs(t, err, ErrFrameTooLarge)

	// the channel is torn down
	_, err = conn.Recv()
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestRecvRejectsUndecodablePayload(t *testing.T) {
	a, b := net.Pipe()
	conn := NewConn(b)
	t.Cleanup(func() { a.Close(); conn.Close() })

	go func() {
		payload := []byte(`{"type":"progress","progress":{"request_id":1,"percent":250}}`)
		frame := make([]byte, headerSize+len(payload))
		binary.BigEndian.PutUint32(frame, uint32(len(payload)))
		copy(frame[headerSize:], payload)
		a.Write(frame)
	}()

	_, err := conn.Recv()
	require.ErrorIs(t, err, ErrDecode)
}

func TestRecvPeerClosed(t *testing.T) {
	t.Run("between frames", func(t *testing.T) {
		a, b := net.Pipe()
		conn := NewConn(b)
		t.Cleanup(func() { conn.Close() })
		a.Close()

		_, err := conn.Recv()
		require.ErrorIs(t, err, ErrConnectionClosed)
	})
	t.Run("mid-frame", func(t *testing.T) {
		a, b := net.Pipe()
		conn := NewConn(b)
		t.Cleanup(func() { conn.Close() })

		go func() {
			var header [headerSize]byte
			binary.BigEndian.PutUint32(header[:], 100)
			a.Write(header[:])
			a.Write([]byte(`{"type"`))
			a.Close()
		}()

		_, err := conn.Recv()
		require.ErrorIs(t, err, ErrConnectionClosed)
	})
}

func TestSendAfterClose(t *testing.T) {
	server, _ := pipePair(t)
	require.NoError(t, server.Close())
	require.NoError(t, server.Close())

	err := server.Send(protocol.NewShutdown())
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	server, client := pipePair(t)

	const senders, perSender = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				id := uint64(i*perSender + j + 1)
				assert.NoError(t, server.Send(protocol.NewProgress(protocol.Progress{RequestID: id, Percent: j % 101})))
			}
		}(i)
	}

	seen := map[uint64]bool{}
	for len(seen) < senders*perSender {
		msg, err := client.Recv()
		require.NoError(t, err)
		require.Equal(t, protocol.TypeProgress, msg.Type)
		seen[msg.Progress.RequestID] = true
	}
	wg.Wait()
}

func TestChannelNamesAreUnique(t *testing.T) {
	a, err := NewChannelName()
	require.NoError(t, err)
	b, err := NewChannelName()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, namePrefix)
}

func TestListenDial(t *testing.T) {
	name := channelName(uuid.NewString())
	l, err := Listen(name)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	_, err = Listen(name)
	require.Error(t, err, "a second listener must not bind the same name")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		assert.NoError(t, err)
		accepted <- c
	}()

	raw, err := Dial(ctx, name)
	require.NoError(t, err)
	client := NewConn(raw)
	t.Cleanup(func() { client.Close() })

	server := NewConn(<-accepted)
	t.Cleanup(func() { server.Close() })

	require.NoError(t, client.Send(protocol.NewHandshake()))
	msg, err := server.Recv()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeHandshake, msg.Type)
}

func TestDialMissingChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, channelName(uuid.NewString()))
	require.Error(t, err)
}
