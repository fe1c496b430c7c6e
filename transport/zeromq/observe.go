package zeromq

import (
	"context"
	"errors"
	"net"
	"sync"

	zmqtransport "github.com/go-zeromq/zmq4/transport"
	"github.com/weiihann/latbench/transport/link"
)

// scheme names the zmq4 transport registered by this package. It is
// plain TCP on the wire; the endpoints of our own sockets use it so
// every connection passes through an observer.
const scheme = "lbtcp"

var errNoObserver = errors.New("zeromq: socket has no connection observer")

// connObserver is told about the connections of one socket and the
// ZMTP frames that cross them.
type connObserver interface {
	dialRetry() link.RetryConfig
	listening(addr net.Addr)
	opened(c *observedConn)
	read(c *observedConn, f frame)
	wrote(c *observedConn, f frame)
	disconnected(c *observedConn)
}

type observerKey struct{}

// withObserver attaches o to the context a zmq4 socket is created with;
// the socket hands that context to our transport.
func withObserver(ctx context.Context, o connObserver) context.Context {
	return context.WithValue(ctx, observerKey{}, o)
}

func observerFrom(ctx context.Context) connObserver {
	o, _ := ctx.Value(observerKey{}).(connObserver)

	return o
}

// observedTCP implements zmq4's transport interface over TCP.
type observedTCP struct{}

var _ zmqtransport.Transport = observedTCP{}

// Addr normalises a ZMTP tcp address.
func (observedTCP) Addr(ep string) (string, error) {
	return normalizeAddr(ep)
}

// Dial connects with the observer's backoff until it succeeds or the
// socket is closed.
func (observedTCP) Dial(ctx context.Context, _ zmqtransport.Dialer, addr string) (net.Conn, error) {
	o := observerFrom(ctx)
	if o == nil {
		return nil, errNoObserver
	}

	addr, err := normalizeAddr(addr)
	if err != nil {
		return nil, err
	}

	conn, err := link.DialConn(ctx, addr, o.dialRetry())
	if err != nil {
		return nil, err
	}

	return newObservedConn(conn, o), nil
}

func (observedTCP) Listen(ctx context.Context, addr string) (net.Listener, error) {
	o := observerFrom(ctx)
	if o == nil {
		return nil, errNoObserver
	}

	addr, err := normalizeAddr(addr)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	o.listening(ln.Addr())

	return &observedListener{Listener: ln, o: o}, nil
}

func normalizeAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}

	if host == "" || host == "*" {
		host = "0.0.0.0"
	}
	if port == "*" {
		port = "0"
	}

	return net.JoinHostPort(host, port), nil
}

type observedListener struct {
	net.Listener
	o connObserver
}

func (l *observedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	return newObservedConn(conn, l.o), nil
}

// observedConn feeds both directions of a connection through a scanner.
type observedConn struct {
	net.Conn
	id string
	o  connObserver

	rmu sync.Mutex
	rs  *scanner
	wmu sync.Mutex
	ws  *scanner

	lostOnce sync.Once
}

func newObservedConn(conn net.Conn, o connObserver) *observedConn {
	c := &observedConn{Conn: conn, id: conn.RemoteAddr().String(), o: o}
	c.rs = newScanner(func(f frame) { o.read(c, f) })
	c.ws = newScanner(func(f frame) { o.wrote(c, f) })
	o.opened(c)

	return c
}

func (c *observedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.rmu.Lock()
		c.rs.feed(p[:n])
		c.rmu.Unlock()
	}

	var ne net.Error
	if err != nil && !(errors.As(err, &ne) && ne.Timeout()) {
		c.lost()
	}

	return n, err
}

func (c *observedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.wmu.Lock()
		c.ws.feed(p[:n])
		c.wmu.Unlock()
	}

	return n, err
}

func (c *observedConn) Close() error {
	err := c.Conn.Close()
	c.lost()

	return err
}

func (c *observedConn) lost() {
	c.lostOnce.Do(func() { c.o.disconnected(c) })
}
