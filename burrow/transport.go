package burrow

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/burrowmq/burrow-go/burrow/pool"
)

var ReadBufferSize = 512

// Transport is the narrow boundary the connection writes through. The other
// direction is signal-driven: whatever owns the transport feeds the
// connection's OnConnected, OnData, OnError and OnClosed. Writes may be
// partial; the connection keeps the unwritten tail queued.
type Transport interface {
	io.Writer
	Close() error
}

// NetTransport adapts a net.Conn and pumps its reads into a connection,
// playing the reactor role for callers that do not bring their own.
type NetTransport struct {
	nc     net.Conn
	closed atomic.Bool
}

func NewNetTransport(nc net.Conn) *NetTransport {
	return &NetTransport{nc: nc}
}

func (t *NetTransport) Write(p []byte) (int, error) {
	return t.nc.Write(p)
}

func (t *NetTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.nc.Close()
}

// Serve reads the socket until it dies, feeding every fragment to the
// connection. Runs on its own goroutine; returns when the socket is done.
func (t *NetTransport) Serve(c *Conn) {
	buf := pool.Get(ReadBufferSize)[:ReadBufferSize]
	defer pool.Put(buf)

	for {
		n, err := t.nc.Read(buf)
		if n > 0 {
			c.OnData(buf[:n])
		}
		if err != nil {
			if t.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.OnClosed()
				return
			}
			c.OnError(err.Error())
			return
		}
	}
}

// Dial connects to the broker named by the connection string, starts the
// read loop and the handshake, and returns immediately: readiness and
// failures arrive through the handler and per-operation callbacks.
func Dial(ctx context.Context, addr string, h Handler, opts ...Option) (*Conn, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}

	hostport := net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
	d := &net.Dialer{}

	var nc net.Conn
	if a.Secure {
		nc, err = (&tls.Dialer{NetDialer: d}).DialContext(ctx, "tcp", hostport)
	} else {
		nc, err = d.DialContext(ctx, "tcp", hostport)
	}
	if err != nil {
		return nil, err
	}

	t := NewNetTransport(nc)
	c := NewConn(a, t, h, opts...)
	go t.Serve(c)
	c.OnConnected()
	return c, nil
}
