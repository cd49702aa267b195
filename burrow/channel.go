package burrow

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/burrowmq/burrow-go/burrow/pool"
	"github.com/burrowmq/burrow-go/deferred"
)

// Ack is the empty result of operations that succeed without data.
type Ack struct{}

// Queue is the broker's answer to a queue declaration.
type Queue struct {
	Name          string
	MessageCount  uint32
	ConsumerCount uint32
}

type ExchangeKind string

const (
	Direct ExchangeKind = "direct"
	Fanout ExchangeKind = "fanout"
	Topic  ExchangeKind = "topic"
)

type QueueFlag uint8

const (
	Durable QueueFlag = 1 << iota
	AutoDelete
	Exclusive
)

type ConsumeFlag uint8

const (
	NoAck ConsumeFlag = 1 << iota
	ExclusiveConsume
)

type chanState uint8

const (
	chanOpening chanState = iota
	chanOpen
	chanClosing
	chanClosed
)

// pendingOp is one outstanding request on a channel. Responses are
// correlated purely by arrival order, so the op records which response
// opcode is legal for it; anything else at the head of the queue is a
// protocol violation.
type pendingOp struct {
	resp    byte
	succeed func(f *fields) error
	fail    func(error)
}

// Channel is a logical, independently FIFO-ordered operation stream over a
// shared connection. The connection exclusively owns it; callers hold a
// non-owning reference.
type Channel struct {
	conn *Conn
	id   uint16

	mu       sync.Mutex
	state    chanState
	ready    bool
	readyFns []func()
	errFn    func(error)
	closeD   *deferred.Deferred[Ack]
	torn     bool

	q         *deferred.Queue[pendingOp]
	consumers *consumerRegistry

	l *slog.Logger
}

func newChannel(c *Conn, id uint16) *Channel {
	return &Channel{
		conn:      c,
		id:        id,
		state:     chanOpening,
		q:         deferred.NewQueue[pendingOp](),
		consumers: newConsumerRegistry(),
		l:         c.l.With("channel", id),
	}
}

func (ch *Channel) ID() uint16 { return ch.id }

// open issues the channel-open request. Its success flips the channel Open
// and fires the one-shot ready callbacks.
func (ch *Channel) open() {
	ch.issue(pendingOp{
		resp: respChannelOpenOK,
		succeed: func(*fields) error {
			ch.setOpen()
			return nil
		},
		fail: func(err error) {
			ch.l.Debug("channel open failed", "err", err)
		},
	}, newFrameBuf(opChannelOpen, ch.id, 0))
}

// OnReady registers a callback fired once per channel lifetime, after the
// channel negotiation completes. Registering on an already-open channel
// invokes the callback immediately.
func (ch *Channel) OnReady(fn func()) {
	ch.mu.Lock()
	if !ch.ready {
		ch.readyFns = append(ch.readyFns, fn)
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()
	fn()
}

// OnError registers the channel-scope error callback: it fires once when the
// whole channel goes away (broker channel fault or connection teardown),
// as opposed to the per-operation error slots.
func (ch *Channel) OnError(fn func(error)) {
	ch.mu.Lock()
	ch.errFn = fn
	ch.mu.Unlock()
}

// DeclareExchange declares an exchange of the given kind.
func (ch *Channel) DeclareExchange(name string, kind ExchangeKind) *deferred.Deferred[Ack] {
	d := deferred.New[Ack]()
	if name == "" {
		d.Fail(ErrEmptyExchange)
		return d
	}

	buf := newFrameBuf(opExchangeDeclare, ch.id, strSize(name)+strSize(string(kind)))
	buf = appendStr(buf, name)
	buf = appendStr(buf, string(kind))

	ch.issue(pendingOp{
		resp: respExchangeDeclareOK,
		succeed: func(*fields) error {
			d.Resolve(Ack{})
			return nil
		},
		fail: d.Fail,
	}, buf)
	return d
}

// DeclareQueue declares a queue. An empty name asks the broker to generate
// one; the assigned name comes back through the success callback.
func (ch *Channel) DeclareQueue(name string, flags QueueFlag) *deferred.Deferred[Queue] {
	d := deferred.New[Queue]()

	buf := newFrameBuf(opQueueDeclare, ch.id, strSize(name)+1)
	buf = appendStr(buf, name)
	buf = append(buf, byte(flags))

	ch.issue(pendingOp{
		resp: respQueueDeclareOK,
		succeed: func(f *fields) error {
			q := Queue{
				Name:          f.str(),
				MessageCount:  f.u32(),
				ConsumerCount: f.u32(),
			}
			if f.bad {
				return fmt.Errorf("malformed queue declare-ok: %w", ErrParseProto)
			}
			d.Resolve(q)
			return nil
		},
		fail: d.Fail,
	}, buf)
	return d
}

// BindQueue binds a queue to an exchange under a routing key.
func (ch *Channel) BindQueue(exchange, queue, routingKey string) *deferred.Deferred[Ack] {
	d := deferred.New[Ack]()
	if queue == "" {
		d.Fail(ErrEmptyQueue)
		return d
	}

	buf := newFrameBuf(opQueueBind, ch.id, strSize(exchange)+strSize(queue)+strSize(routingKey))
	buf = appendStr(buf, exchange)
	buf = appendStr(buf, queue)
	buf = appendStr(buf, routingKey)

	ch.issue(pendingOp{
		resp: respQueueBindOK,
		succeed: func(*fields) error {
			d.Resolve(Ack{})
			return nil
		},
		fail: d.Fail,
	}, buf)
	return d
}

// Publish writes a message. Fire and forget: there is no per-publish
// deferred. The frame is written immediately when the channel is writable
// and held in issuance order when the connection is still negotiating;
// callers that need the channel fully negotiated first gate on OnReady.
func (ch *Channel) Publish(exchange, routingKey string, body []byte) error {
	ch.mu.Lock()
	if ch.state == chanClosing || ch.state == chanClosed {
		ch.mu.Unlock()
		return ErrChannelClosed
	}
	ch.mu.Unlock()

	buf := newFrameBuf(opPublish, ch.id, strSize(exchange)+strSize(routingKey)+Uint32Len+len(body))
	buf = appendStr(buf, exchange)
	buf = appendStr(buf, routingKey)
	buf = appendBytesField(buf, body)
	return ch.conn.send(buf)
}

// Close gracefully closes the channel. Deferreds still pending fail with
// ErrChannelClosed and consumers are dropped; the returned deferred resolves
// when the peer confirms.
func (ch *Channel) Close() *deferred.Deferred[Ack] {
	d := deferred.New[Ack]()

	ch.mu.Lock()
	if ch.state == chanClosing || ch.state == chanClosed {
		ch.mu.Unlock()
		d.Fail(ErrChannelClosed)
		return d
	}
	ch.state = chanClosing
	ch.closeD = d
	ch.mu.Unlock()

	for _, op := range ch.q.Drain() {
		op.fail(ErrChannelClosed)
	}
	ch.dropConsumers()

	if err := ch.conn.send(newFrameBuf(opChannelClose, ch.id, 0)); err != nil {
		ch.mu.Lock()
		ch.state = chanClosed
		ch.closeD = nil
		ch.mu.Unlock()
		ch.conn.removeChannel(ch.id)
		d.Fail(err)
	}
	return d
}

// issue appends the operation to the pending queue and sends its request:
// queue order is request order is response-matching order. Safe to call
// from inside another operation's callbacks.
func (ch *Channel) issue(op pendingOp, frame []byte) {
	ch.mu.Lock()
	unusable := ch.state == chanClosing || ch.state == chanClosed
	ch.mu.Unlock()

	if unusable {
		pool.Put(frame)
		op.fail(ErrChannelClosed)
		return
	}

	ch.q.Push(op)
	if err := ch.conn.send(frame); err != nil {
		// the connection refused the frame; the op can never be answered
		for _, p := range ch.q.Drain() {
			p.fail(err)
		}
	}
}

// dispatch handles one inbound frame for this channel. Deliveries route to
// the standing consumer registry; everything else resolves the head of the
// pending-operation queue. A non-nil error escalates to connection failure.
func (ch *Channel) dispatch(fr frame) error {
	switch fr.op {
	case respDeliver:
		return ch.deliver(fr)

	case respChannelClose:
		f := newFields(fr.payload)
		text := f.str()
		if f.bad {
			return fmt.Errorf("malformed channel close: %w", ErrParseProto)
		}
		ch.conn.removeChannel(ch.id)
		ch.teardown(fmt.Errorf("%s: %w", text, ErrChannelClosed))
		return nil

	case respChannelCloseOK:
		ch.mu.Lock()
		d := ch.closeD
		ch.closeD = nil
		wasClosing := ch.state == chanClosing
		ch.state = chanClosed
		ch.mu.Unlock()
		if !wasClosing || d == nil {
			return fmt.Errorf("unsolicited channel close-ok on channel %d: %w", ch.id, ErrParseProto)
		}
		ch.conn.removeChannel(ch.id)
		d.Resolve(Ack{})
		return nil
	}

	ch.mu.Lock()
	closing := ch.state == chanClosing || ch.state == chanClosed
	ch.mu.Unlock()
	if closing {
		// responses to operations already failed by Close; drop
		ch.l.Debug("dropping frame on closing channel", "op", fr.op)
		return nil
	}

	op, ok := ch.q.Pop()
	if !ok {
		return fmt.Errorf("response 0x%02x with no pending operation on channel %d: %w", fr.op, ch.id, ErrParseProto)
	}

	if fr.op == respRejected {
		f := newFields(fr.payload)
		text := f.str()
		if f.bad {
			return fmt.Errorf("malformed rejection: %w", ErrParseProto)
		}
		op.fail(fmt.Errorf("%s: %w", text, ErrRejected))
		return nil
	}

	if fr.op != op.resp {
		err := fmt.Errorf("expected response 0x%02x, got 0x%02x on channel %d: %w", op.resp, fr.op, ch.id, ErrParseProto)
		op.fail(err)
		return err
	}
	if err := op.succeed(newFields(fr.payload)); err != nil {
		// the op is already popped; settle it before the connection goes down
		op.fail(err)
		return err
	}
	return nil
}

func (ch *Channel) deliver(fr frame) error {
	f := newFields(fr.payload)
	tag := f.str()
	deliveryTag := f.u64()
	redelivered := f.b8()
	body := f.bytes()
	if f.bad {
		return fmt.Errorf("malformed delivery: %w", ErrParseProto)
	}

	cons, ok := ch.consumers.get(tag)
	if !ok {
		// delivery raced a cancel; not an error
		ch.l.Debug("delivery for unknown consumer", "tag", tag)
		return nil
	}

	cons.dispatch(Delivery{
		ConsumerTag: tag,
		DeliveryTag: deliveryTag,
		Redelivered: redelivered != 0,
		Body:        body,
	})
	return nil
}

func (ch *Channel) setOpen() {
	ch.mu.Lock()
	if ch.state != chanOpening {
		ch.mu.Unlock()
		return
	}
	ch.state = chanOpen
	ch.ready = true
	fns := ch.readyFns
	ch.readyFns = nil
	ch.mu.Unlock()

	ch.l.Debug("channel open")
	for _, fn := range fns {
		fn()
	}
}

// teardown forces the channel dead: every pending deferred fails exactly
// once, consumers are dropped, and the channel-scope error callback fires.
// Idempotent.
func (ch *Channel) teardown(err error) {
	ch.mu.Lock()
	if ch.torn {
		ch.mu.Unlock()
		return
	}
	ch.torn = true
	ch.state = chanClosed
	errFn := ch.errFn
	closeD := ch.closeD
	ch.closeD = nil
	ch.readyFns = nil
	ch.mu.Unlock()

	for _, op := range ch.q.Drain() {
		op.fail(err)
	}
	if closeD != nil {
		closeD.Fail(err)
	}
	ch.dropConsumers()

	if errFn != nil {
		errFn(err)
	}
}

func (ch *Channel) dropConsumers() {
	for _, cons := range ch.consumers.drain() {
		cons.release()
	}
}
