package burrow

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/burrowmq/burrow-go/burrow/pool"
)

// outbound is the connection's pending-outbound byte vector. Frames are
// coalesced into pooled buffers on enqueue and drained by flush, which
// tolerates partial writes by leaving the unwritten tail queued for the next
// writable signal.
type outbound struct {
	mu sync.Mutex
	v  net.Buffers
	pb int64 // pending bytes
	w  io.Writer
	l  *slog.Logger
}

func newOutbound(w io.Writer, l *slog.Logger) *outbound {
	return &outbound{w: w, l: l}
}

func (o *outbound) enqueue(data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pb += int64(len(data))
	toBuffer := data
	if len(o.v) > 0 {
		last := &o.v[len(o.v)-1]
		if free := cap(*last) - len(*last); free > 0 {
			if l := len(toBuffer); l < free {
				free = l
			}
			*last = append(*last, toBuffer[:free]...)
			toBuffer = toBuffer[free:]
		}
	}

	for len(toBuffer) > 0 {
		buf := pool.Get(len(toBuffer))
		n := copy(buf[:cap(buf)], toBuffer)
		o.v = append(o.v, buf[:n])
		toBuffer = toBuffer[n:]
	}
}

// flush writes as much of the vector as the transport accepts. Fully written
// buffers go back to the pool; a partially written head stays queued.
func (o *outbound) flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pb == 0 || len(o.v) == 0 {
		return nil
	}

	before := append([][]byte(nil), o.v...)
	n, err := o.v.WriteTo(o.w)
	o.pb -= n

	consumed := len(before) - len(o.v)
	for i := 0; i < consumed; i++ {
		pool.Put(before[i])
	}

	if err != nil {
		if errors.Is(err, io.ErrShortWrite) {
			// transport accepted what it could; the tail stays queued for
			// the next writable signal
			o.l.Debug("partial write", "pending", o.pb)
			return nil
		}
		o.l.Error("flush outbound", "err", err, "pending", o.pb)
		return err
	}
	return nil
}

func (o *outbound) pending() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pb
}

// drop discards everything still queued, returning buffers to the pool.
func (o *outbound) drop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i := range o.v {
		pool.Put(o.v[i])
	}
	o.v = nil
	o.pb = 0
}
