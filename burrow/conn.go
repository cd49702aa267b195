package burrow

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/burrowmq/burrow-go/burrow/pool"
)

// State of the connection-level handshake machine.
type State uint8

const (
	StateConnecting State = iota
	StateHandshake
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshake:
		return "handshake"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "failed"
	}
}

// Handler is the capability set a caller supplies at construction for
// connection-scope events. Any slot may be nil; events at a scope with no
// registered callback are absorbed at that scope.
type Handler struct {
	OnConnected func(*Conn)
	OnError     func(error)
	OnClosed    func()
}

// Conn multiplexes logical channels over one transport. It owns every
// Channel it hands out and is the only mutator of channel lifecycle state.
//
// The connection is purely reactive: the reactor (or the bundled
// NetTransport read loop) drives it through OnConnected, OnData, OnError and
// OnClosed; no method blocks waiting for the peer.
type Conn struct {
	mu            sync.Mutex
	state         State
	addr          *Address
	tr            Transport
	h             Handler
	out           *outbound
	ps            parseState
	chans         map[uint16]*Channel
	nextID        uint16
	preOpen       [][]byte // frames issued before the handshake finished, issuance order
	notifiedClose bool

	l *slog.Logger
}

// NewConn builds a connection around an already-established transport. The
// reactor owning the transport must call OnConnected once the transport is
// up, then feed OnData/OnError/OnClosed. Most callers use Dial instead.
func NewConn(addr *Address, tr Transport, h Handler, opts ...Option) *Conn {
	c := &Conn{
		state: StateConnecting,
		addr:  addr,
		tr:    tr,
		h:     h,
		chans: make(map[uint16]*Channel),
		l:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.l = c.l.With("addr", addr.String())
	c.out = newOutbound(tr, c.l)
	return c
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channel allocates the next logical channel and issues its open request.
// Channel ids are unique and monotonically allocated for the life of the
// connection.
func (c *Conn) Channel() (*Channel, error) {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.nextID++
	ch := newChannel(c, c.nextID)
	c.chans[ch.id] = ch
	c.mu.Unlock()

	ch.open()
	return ch, nil
}

// Close starts a graceful shutdown: no further operations are accepted, a
// close frame is sent, and the connection finishes once the peer confirms.
// Deferreds still pending at that point fail with ErrConnClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateClosing, StateClosed, StateFailed:
		c.mu.Unlock()
		return nil
	case StateOpen:
		c.state = StateClosing
		c.mu.Unlock()
		return c.writeOut(newFrameBuf(opConnClose, 0, 0))
	default:
		// never reached Open; nothing is in flight on the wire
		c.state = StateClosing
		c.mu.Unlock()
		c.finishClose()
		return nil
	}
}

// OnConnected is the transport-connected signal. It starts the handshake.
func (c *Conn) OnConnected() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateHandshake
	a := c.addr
	c.mu.Unlock()

	c.l.Debug("transport connected, starting handshake")
	if c.h.OnConnected != nil {
		c.h.OnConnected(c)
	}

	payloadLen := strSize(a.Login) + strSize(a.Password) + strSize(a.VHost)
	buf := newFrameBuf(opConnOpen, 0, payloadLen)
	buf = appendStr(buf, a.Login)
	buf = appendStr(buf, a.Password)
	buf = appendStr(buf, a.VHost)
	_ = c.writeOut(buf)
}

// OnData is the inbound-bytes signal. The slice may hold any fragment of the
// stream; it is consumed before return.
func (c *Conn) OnData(p []byte) {
	if err := c.parse(p); err != nil {
		c.fail(err)
	}
}

// OnError is the transport-fault signal. Always connection-fatal.
func (c *Conn) OnError(msg string) {
	c.fail(fmt.Errorf("%s: %w", msg, ErrTransport))
}

// OnClosed is the transport-closed signal. Expected while Closing, a fault
// otherwise.
func (c *Conn) OnClosed() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateClosing:
		c.finishClose()
	case StateClosed, StateFailed:
	default:
		c.fail(fmt.Errorf("connection lost: %w", ErrTransport))
	}
}

// Flush retries draining the pending-outbound vector. Reactors call this on
// writable readiness after a partial write.
func (c *Conn) Flush() {
	if err := c.out.flush(); err != nil {
		c.fail(fmt.Errorf("flush: %s: %w", err, ErrTransport))
	}
}

// send routes a frame according to the connection state: written through
// when Open, held in issuance order until the handshake completes when
// earlier, rejected when the connection is going or gone. Takes ownership of
// the frame buffer.
func (c *Conn) send(frame []byte) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return c.writeOut(frame)
	case StateConnecting, StateHandshake:
		c.preOpen = append(c.preOpen, frame)
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		pool.Put(frame)
		return ErrConnClosed
	}
}

func (c *Conn) writeOut(frame []byte) error {
	c.out.enqueue(frame)
	pool.Put(frame)
	if err := c.out.flush(); err != nil {
		c.fail(fmt.Errorf("write: %s: %w", err, ErrTransport))
		return ErrConnClosed
	}
	return nil
}

// route dispatches one complete inbound frame. Channel 0 is connection
// scope; everything else goes to the owning channel. A returned error is a
// protocol violation and fails the connection.
func (c *Conn) route(fr frame) error {
	if fr.channel == 0 {
		switch fr.op {
		case respConnOpenOK:
			c.handshakeDone()
		case respConnCloseOK:
			c.finishClose()
		case respConnClose:
			f := newFields(fr.payload)
			text := f.str()
			if f.bad {
				return fmt.Errorf("malformed connection close: %w", ErrParseProto)
			}
			c.fail(fmt.Errorf("closed by peer: %s: %w", text, ErrConnClosed))
		case respPing:
			_ = c.writeOut(newFrameBuf(opPong, 0, 0))
		default:
			return fmt.Errorf("unexpected connection frame 0x%02x: %w", fr.op, ErrParseProto)
		}
		return nil
	}

	c.mu.Lock()
	ch := c.chans[fr.channel]
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("frame 0x%02x for unknown channel %d: %w", fr.op, fr.channel, ErrParseProto)
	}
	return ch.dispatch(fr)
}

// handshakeDone flips the connection Open and flushes every frame queued
// before the handshake finished, in original issuance order.
func (c *Conn) handshakeDone() {
	c.mu.Lock()
	if c.state != StateHandshake {
		c.mu.Unlock()
		return
	}
	c.state = StateOpen
	queued := c.preOpen
	c.preOpen = nil
	c.mu.Unlock()

	c.l.Debug("connection open", "queued_frames", len(queued))
	for _, f := range queued {
		c.out.enqueue(f)
		pool.Put(f)
	}
	if err := c.out.flush(); err != nil {
		c.fail(fmt.Errorf("flush queued: %s: %w", err, ErrTransport))
	}
}

func (c *Conn) removeChannel(id uint16) {
	c.mu.Lock()
	delete(c.chans, id)
	c.mu.Unlock()
}

// fail is the single failure-propagation point: the connection becomes
// Failed, every channel is torn down (failing each of its pending deferreds
// exactly once and dropping its consumers), and the connection-scope error
// callback fires.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	chans := c.detachChannelsLocked()
	queued := c.preOpen
	c.preOpen = nil
	c.mu.Unlock()

	c.l.Error("connection failed", "err", err)
	for _, f := range queued {
		pool.Put(f)
	}
	c.out.drop()
	_ = c.tr.Close()

	for _, ch := range chans {
		ch.teardown(err)
	}
	if c.h.OnError != nil {
		c.h.OnError(err)
	}
	c.notifyClosed()
}

// finishClose completes a graceful shutdown once outstanding I/O is done.
func (c *Conn) finishClose() {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	chans := c.detachChannelsLocked()
	queued := c.preOpen
	c.preOpen = nil
	c.mu.Unlock()

	c.l.Debug("connection closed")
	for _, f := range queued {
		pool.Put(f)
	}
	c.out.drop()
	_ = c.tr.Close()

	for _, ch := range chans {
		ch.teardown(ErrConnClosed)
	}
	c.notifyClosed()
}

func (c *Conn) detachChannelsLocked() []*Channel {
	chans := make([]*Channel, 0, len(c.chans))
	for _, ch := range c.chans {
		chans = append(chans, ch)
	}
	c.chans = make(map[uint16]*Channel)
	return chans
}

func (c *Conn) notifyClosed() {
	c.mu.Lock()
	if c.notifiedClose {
		c.mu.Unlock()
		return
	}
	c.notifiedClose = true
	c.mu.Unlock()

	if c.h.OnClosed != nil {
		c.h.OnClosed()
	}
}
