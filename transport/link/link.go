// Package link carries framed messages over TCP for the socket-based
// backends.
//
// Each frame is a one-byte kind, a big-endian uint32 body length, then
// the body:
//
//	+------+----------------+----------------------+
//	| kind | length (4, BE) | body (length bytes)  |
//	+------+----------------+----------------------+
package link

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	headerSize = 5

	// MaxFrameSize bounds the body of a single frame.
	MaxFrameSize = 80 << 20

	socketBufferSize = 4 * 1024 * 1024
	readBufferSize   = 256 * 1024
)

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("link: frame too large")

// Frame is one received message.
type Frame struct {
	Kind byte
	Body []byte
}

// Link is a framed, full-duplex connection. Send is safe for concurrent
// use; Recv must be called from one goroutine.
type Link struct {
	conn      net.Conn
	r         *bufio.Reader
	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// New wraps an established connection.
func New(conn net.Conn) *Link {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetReadBuffer(socketBufferSize)
		_ = tcp.SetWriteBuffer(socketBufferSize)
	}

	return &Link{
		conn: conn,
		r:    bufio.NewReaderSize(conn, readBufferSize),
		done: make(chan struct{}),
	}
}

// Send writes one frame whose body is the concatenation of parts. Large
// parts are written without being copied.
func (l *Link) Send(kind byte, parts ...[]byte) error {
	total := 0
	for _, p := range parts {
		total += len(p)
	}

	if total > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	hdr := make([]byte, headerSize)
	hdr[0] = kind
	binary.BigEndian.PutUint32(hdr[1:], uint32(total))

	bufs := make(net.Buffers, 0, len(parts)+1)
	bufs = append(bufs, hdr)
	for _, p := range parts {
		if len(p) > 0 {
			bufs = append(bufs, p)
		}
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	if _, err := bufs.WriteTo(l.conn); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// Recv reads the next frame.
func (l *Link) Recv() (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(l.r, hdr[:]); err != nil {
		return Frame{}, err
	}

	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(l.r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}

	return Frame{Kind: hdr[0], Body: body}, nil
}

// RecvTimeout reads the next frame, failing if none arrives within d.
func (l *Link) RecvTimeout(d time.Duration) (Frame, error) {
	if err := l.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return Frame{}, err
	}
	defer l.conn.SetReadDeadline(time.Time{})

	return l.Recv()
}

// RemoteAddr returns the peer address.
func (l *Link) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

// LocalAddr returns the local address.
func (l *Link) LocalAddr() string {
	return l.conn.LocalAddr().String()
}

// Done is closed once the link is closed.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Close closes the connection. Only the first call has an effect.
func (l *Link) Close() error {
	err := net.ErrClosed

	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})

	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

// IsClosed reports whether err indicates a closed or reset link rather
// than a protocol fault.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
