package burrow

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/burrowmq/burrow-go/deferred"
)

// consumerRegistry is the channel's standing-subscription table, keyed by
// consumer tag. Deliveries route through here and never touch the
// pending-operation queue.
type consumerRegistry struct {
	mu sync.RWMutex
	m  map[string]*Consumer
}

func newConsumerRegistry() *consumerRegistry {
	return &consumerRegistry{
		m: make(map[string]*Consumer),
	}
}

func (r *consumerRegistry) add(c *Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[c.tag] = c
}

func (r *consumerRegistry) get(tag string) (*Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.m[tag]
	return c, ok
}

func (r *consumerRegistry) delete(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, tag)
}

func (r *consumerRegistry) drain() []*Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Consumer, 0, len(r.m))
	for _, c := range r.m {
		out = append(out, c)
	}
	r.m = make(map[string]*Consumer)
	return out
}

// Consumer is a standing registration: unlike the one-shot deferreds it
// receives deliveries repeatedly, from the consume-ok until cancel or
// channel teardown. Deliveries for one consumer preserve broker order; by
// default they are handled synchronously, optionally on a worker pool.
type Consumer struct {
	ch  *Channel
	tag string
	d   *deferred.Deferred[string]

	mu      sync.RWMutex
	handler func(Delivery)

	pool *ants.Pool
}

// ConsumerOption tunes delivery dispatch.
type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	async    bool
	poolSize int
	preAlloc bool
}

// WithAsyncDelivery dispatches each delivery on a goroutine pool of the
// given size instead of synchronously. Delivery order is no longer
// guaranteed.
func WithAsyncDelivery(poolSize int) ConsumerOption {
	return func(c *consumerConfig) {
		c.async = true
		c.poolSize = poolSize
	}
}

// WithPoolPreAlloc pre-allocates the async pool's workers.
func WithPoolPreAlloc() ConsumerOption {
	return func(c *consumerConfig) {
		c.preAlloc = true
	}
}

// Consume starts a consumer on the queue. An empty tag gets a generated
// one. The registration becomes live when the broker confirms; OnReceived
// installs the delivery callback and OnSuccess observes the confirmed tag.
func (ch *Channel) Consume(queue, tag string, flags ConsumeFlag, opts ...ConsumerOption) *Consumer {
	cons := &Consumer{
		ch: ch,
		d:  deferred.New[string](),
	}

	if queue == "" {
		cons.d.Fail(ErrEmptyQueue)
		return cons
	}
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}
	cons.tag = tag

	var cfg consumerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.async {
		p, err := ants.NewPool(cfg.poolSize, ants.WithPreAlloc(cfg.preAlloc))
		if err != nil {
			cons.d.Fail(fmt.Errorf("new pool: %w", err))
			return cons
		}
		cons.pool = p
	}

	// registered before consume-ok: the broker never delivers earlier, and
	// the registry entry must exist the instant it does
	ch.consumers.add(cons)

	buf := newFrameBuf(opConsume, ch.id, strSize(queue)+strSize(tag)+1)
	buf = appendStr(buf, queue)
	buf = appendStr(buf, tag)
	buf = append(buf, byte(flags))

	ch.issue(pendingOp{
		resp: respConsumeOK,
		succeed: func(f *fields) error {
			confirmed := f.str()
			if f.bad {
				return fmt.Errorf("malformed consume-ok: %w", ErrParseProto)
			}
			if confirmed != cons.tag {
				// broker assigned its own tag; re-key the registration
				ch.consumers.delete(cons.tag)
				cons.tag = confirmed
				ch.consumers.add(cons)
			}
			cons.d.Resolve(confirmed)
			return nil
		},
		fail: func(err error) {
			ch.consumers.delete(cons.tag)
			cons.release()
			cons.d.Fail(err)
		},
	}, buf)
	return cons
}

// OnReceived installs the delivery callback.
func (c *Consumer) OnReceived(fn func(Delivery)) *Consumer {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
	return c
}

// OnSuccess registers a callback for the broker's consume confirmation,
// carrying the definitive consumer tag.
func (c *Consumer) OnSuccess(fn func(tag string)) *Consumer {
	c.d.OnSuccess(fn)
	return c
}

// OnError registers the error callback for the consume operation itself.
func (c *Consumer) OnError(fn func(error)) *Consumer {
	c.d.OnError(fn)
	return c
}

func (c *Consumer) Tag() string {
	return c.tag
}

// Cancel stops the consumer. Routing for the tag ends immediately; the
// returned deferred resolves with the tag when the broker confirms.
func (c *Consumer) Cancel() *deferred.Deferred[string] {
	d := deferred.New[string]()

	c.ch.consumers.delete(c.tag)
	c.release()

	buf := newFrameBuf(opCancel, c.ch.id, strSize(c.tag))
	buf = appendStr(buf, c.tag)

	c.ch.issue(pendingOp{
		resp: respCancelOK,
		succeed: func(f *fields) error {
			tag := f.str()
			if f.bad {
				return fmt.Errorf("malformed cancel-ok: %w", ErrParseProto)
			}
			d.Resolve(tag)
			return nil
		},
		fail: d.Fail,
	}, buf)
	return d
}

func (c *Consumer) dispatch(d Delivery) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		c.ch.l.Debug("delivery with no receive callback", "tag", c.tag)
		return
	}

	if c.pool != nil {
		_ = c.pool.Submit(func() { h(d) })
		return
	}
	h(d)
}

func (c *Consumer) release() {
	if c.pool != nil {
		c.pool.Release()
	}
}
