// Package netio exposes TCP sockets as suspending operations of sched tasks.
//
// Each call parks the calling task while the blocking system call runs on a
// helper goroutine. Interrupting the task cancels the call: dials through
// their context, accepts and reads/writes through a deadline in the past.
// Reads and writes wait for the aborted call to return, so no byte moves
// after they do.
package netio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/aporia-zero/peernet/pkg/sched"
)

var (
	ErrTimeout = errors.New("netio: operation timed out")
	ErrStopped = errors.New("netio: listener stopped")
	ErrClosed  = errors.New("netio: connection closed")
)

// aLongTimeAgo is a deadline that makes any pending socket call fail at once.
var aLongTimeAgo = time.Unix(1, 0)

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Listener accepts TCP connections for tasks of one dispatcher.
type Listener struct {
	ln net.Listener
	mu sync.Mutex // serializes OS-level accepts
}

// Listen binds a TCP listener on address.
func Listen(address string) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() *net.TCPAddr {
	return l.ln.Addr().(*net.TCPAddr)
}

// Accept suspends t until a connection arrives. It fails with ErrStopped
// after Close and with sched.ErrInterrupted when t is interrupted.
func (l *Listener) Accept(t *sched.Task) (*Conn, error) {
	nc, err := sched.Await(t, func(ctx context.Context) (net.Conn, error) {
		l.mu.Lock()
		defer l.mu.Unlock()

		dl, ok := l.ln.(interface{ SetDeadline(time.Time) error })
		if !ok {
			return l.ln.Accept()
		}
		_ = dl.SetDeadline(time.Time{})
		defer cancelOnDone(ctx, func() { _ = dl.SetDeadline(aLongTimeAgo) })()
		return l.ln.Accept()
	}, closeNetConn)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrStopped
		}
		return nil, mapError(err)
	}
	return newConn(nc), nil
}

// Close stops the listener. Pending and future accepts fail with ErrStopped.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithDialFunc replaces the system dialer.
func WithDialFunc(dial DialFunc) ConnectorOption {
	return func(c *Connector) { c.dial = dial }
}

// Connector opens outbound TCP connections.
type Connector struct {
	dial DialFunc
}

// NewConnector returns a connector using net.Dialer unless overridden.
func NewConnector(opts ...ConnectorOption) *Connector {
	c := &Connector{dial: (&net.Dialer{}).DialContext}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect suspends t until address answers, timeout elapses (ErrTimeout) or
// t is interrupted (sched.ErrInterrupted). A zero timeout waits forever.
func (c *Connector) Connect(t *sched.Task, address string, timeout time.Duration) (*Conn, error) {
	nc, err := sched.Await(t, func(ctx context.Context) (net.Conn, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return c.dial(ctx, "tcp", address)
	}, closeNetConn)
	if err != nil {
		return nil, mapError(err)
	}
	return newConn(nc), nil
}

// Conn is a connected TCP stream. One read and one write may be in flight
// at the same time.
type Conn struct {
	nc       net.Conn
	rmu      sync.Mutex
	wmu      sync.Mutex
	deadline time.Time
}

func newConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr { return c.nc.LocalAddr() }

// SetDeadline bounds every subsequent Read and Write. Operations that run
// past it fail with ErrTimeout. The zero time removes the bound.
func (c *Conn) SetDeadline(deadline time.Time) {
	c.deadline = deadline
}

// Read suspends t until some bytes arrive. An interrupted Read still
// reports the bytes that reached p before the call was aborted.
func (c *Conn) Read(t *sched.Task, p []byte) (int, error) {
	deadline := c.deadline
	n, err := sched.Drain(t, func(ctx context.Context) (int, error) {
		c.rmu.Lock()
		defer c.rmu.Unlock()

		_ = c.nc.SetReadDeadline(deadline)
		defer cancelOnDone(ctx, func() { _ = c.nc.SetReadDeadline(aLongTimeAgo) })()
		return c.nc.Read(p)
	})
	return n, mapError(err)
}

// ReadFull reads exactly len(p) bytes and returns how many were read, which
// is less than len(p) only with an error.
func (c *Conn) ReadFull(t *sched.Task, p []byte) (int, error) {
	off := 0
	for off < len(p) {
		n, err := c.Read(t, p[off:])
		off += n
		if err != nil {
			if off == len(p) {
				return off, err
			}
			if errors.Is(err, io.EOF) && off > 0 {
				return off, io.ErrUnexpectedEOF
			}
			return off, err
		}
	}
	return off, nil
}

// Write suspends t until all of p has been written. An interrupted Write
// reports how much of p was sent before the call was aborted.
func (c *Conn) Write(t *sched.Task, p []byte) (int, error) {
	deadline := c.deadline
	n, err := sched.Drain(t, func(ctx context.Context) (int, error) {
		c.wmu.Lock()
		defer c.wmu.Unlock()

		_ = c.nc.SetWriteDeadline(deadline)
		defer cancelOnDone(ctx, func() { _ = c.nc.SetWriteDeadline(aLongTimeAgo) })()
		return c.nc.Write(p)
	})
	return n, mapError(err)
}

// Close closes the socket. Operations in flight fail.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// cancelOnDone arranges for abort to run if ctx is cancelled and returns a
// function that disarms it. The returned function does not return until a
// concurrently running abort has completed.
func cancelOnDone(ctx context.Context, abort func()) func() {
	finished := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(finished)
		abort()
	})
	return func() {
		if !stop() {
			<-finished
		}
	}
}

func closeNetConn(nc net.Conn) {
	if nc != nil {
		_ = nc.Close()
	}
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sched.ErrInterrupted), errors.Is(err, io.EOF):
		return err
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	default:
		return err
	}
}
