// Package transport delivers protocol messages over a per-session inter-process channel.
//
// Each message travels in one frame: a 4-byte big-endian payload length followed by the encoded message.
// Frames larger than the configured maximum are rejected before their payload is read, and any framing or
// decoding error tears the channel down. There is no attempt to resynchronize.
package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/guseggert/winusbinstall/protocol"
)

// DefaultMaxFrameSize bounds the payload of a single frame.
const DefaultMaxFrameSize = 1 << 20

const headerSize = 4

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrDecode           = errors.New("decode error")
)

// Conn is a framed message connection. Send and Recv may be called concurrently with each other,
// and Send may be called from several goroutines; Recv must only be called from one.
type Conn struct {
	rwc          io.ReadWriteCloser
	reader       *bufio.Reader
	maxFrameSize int

	writeMut sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

type ConnOption func(c *Conn)

func WithMaxFrameSize(n int) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.maxFrameSize = n
		}
	}
}

func NewConn(rwc io.ReadWriteCloser, opts ...ConnOption) *Conn {
	c := &Conn{
		rwc:          rwc,
		reader:       bufio.NewReader(rwc),
		maxFrameSize: DefaultMaxFrameSize,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send writes msg as a single frame. It returns once the frame is fully written or the write failed.
func (c *Conn) Send(msg *protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Type, err)
	}
	if len(payload) > c.maxFrameSize {
		return fmt.Errorf("%w: sending %d bytes, limit is %d", ErrFrameTooLarge, len(payload), c.maxFrameSize)
	}

	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)

	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	if _, err := c.rwc.Write(frame); err != nil {
		if isClosed(err) {
			return fmt.Errorf("%w: writing %s: %s", ErrConnectionClosed, msg.Type, err)
		}
		return fmt.Errorf("writing %s: %w", msg.Type, err)
	}
	return nil
}

// Recv blocks until the next complete message is received.
// A frame that is too large or fails to decode closes the connection.
func (c *Conn) Recv() (*protocol.Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, c.readErr(err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if uint64(n) > uint64(c.maxFrameSize) {
		c.Close()
		return nil, fmt.Errorf("%w: peer announced %d bytes, limit is %d", ErrFrameTooLarge, n, c.maxFrameSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, c.readErr(err)
	}

	msg, err := protocol.Decode(payload)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %s", ErrDecode, err)
	}
	return msg, nil
}

func (c *Conn) readErr(err error) error {
	if isClosed(err) {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, err)
	}
	return fmt.Errorf("reading frame: %w", err)
}

// Close closes the underlying channel. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		isPlatformClosed(err)
}
