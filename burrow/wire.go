package burrow

import (
	"encoding/binary"
	"fmt"

	"github.com/burrowmq/burrow-go/burrow/pool"
)

// Wire format: every frame is opcode(1) | channel(2) | payloadLen(4) |
// payload, all integers big-endian. Payload strings and byte fields are
// uint32-length-prefixed. Channel 0 carries connection-level frames.

const (
	frameHeaderLen  = 7
	maxFramePayload = 1 << 20

	Uint32Len = 4
	Uint64Len = 8
)

// Request opcodes.
const (
	opConnOpen byte = iota + 1
	opConnClose
	opChannelOpen
	opChannelClose
	opExchangeDeclare
	opQueueDeclare
	opQueueBind
	opConsume
	opCancel
	opPublish
	opPong
)

// Response opcodes.
const (
	respConnOpenOK byte = iota + 20
	respConnCloseOK
	respConnClose
	respChannelOpenOK
	respChannelCloseOK
	respChannelClose
	respExchangeDeclareOK
	respQueueDeclareOK
	respQueueBindOK
	respConsumeOK
	respCancelOK
	respRejected
	respDeliver
	respPing
)

type frame struct {
	op      byte
	channel uint16
	payload []byte
}

// newFrameBuf returns a pooled buffer pre-filled with the frame header; the
// caller appends exactly payloadLen bytes of payload.
func newFrameBuf(op byte, channel uint16, payloadLen int) []byte {
	buf := pool.Get(frameHeaderLen + payloadLen)
	buf = append(buf, op)
	buf = binary.BigEndian.AppendUint16(buf, channel)
	buf = binary.BigEndian.AppendUint32(buf, uint32(payloadLen))
	return buf
}

func appendStr(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendBytesField(buf, p []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p)))
	return append(buf, p...)
}

func strSize(s string) int { return Uint32Len + len(s) }

// fields decodes a frame payload left to right. The first malformed read
// trips bad; every later read returns zero values so call sites check once.
type fields struct {
	b   []byte
	bad bool
}

func newFields(payload []byte) *fields {
	return &fields{b: payload}
}

func (f *fields) u32() uint32 {
	if f.bad || len(f.b) < Uint32Len {
		f.bad = true
		return 0
	}
	v := binary.BigEndian.Uint32(f.b)
	f.b = f.b[Uint32Len:]
	return v
}

func (f *fields) u64() uint64 {
	if f.bad || len(f.b) < Uint64Len {
		f.bad = true
		return 0
	}
	v := binary.BigEndian.Uint64(f.b)
	f.b = f.b[Uint64Len:]
	return v
}

func (f *fields) b8() byte {
	if f.bad || len(f.b) < 1 {
		f.bad = true
		return 0
	}
	v := f.b[0]
	f.b = f.b[1:]
	return v
}

func (f *fields) str() string {
	n := f.u32()
	if f.bad || uint32(len(f.b)) < n {
		f.bad = true
		return ""
	}
	s := string(f.b[:n])
	f.b = f.b[n:]
	return s
}

// bytes copies the field out of the (pooled) payload so the result may
// outlive the frame.
func (f *fields) bytes() []byte {
	n := f.u32()
	if f.bad || uint32(len(f.b)) < n {
		f.bad = true
		return nil
	}
	p := make([]byte, n)
	copy(p, f.b[:n])
	f.b = f.b[n:]
	return p
}

// parseState accumulates one frame across arbitrarily fragmented reads.
type parseState struct {
	inPayload bool
	hdr       [frameHeaderLen]byte
	hn        int
	op        byte
	channel   uint16
	need      int
	payload   []byte
}

// parse feeds inbound bytes through the frame accumulator and routes each
// completed frame. The buffer may hold any fraction of any number of frames.
func (c *Conn) parse(buf []byte) error {
	for len(buf) > 0 {
		if !c.ps.inPayload {
			n := copy(c.ps.hdr[c.ps.hn:], buf)
			c.ps.hn += n
			buf = buf[n:]
			if c.ps.hn < frameHeaderLen {
				return nil
			}

			c.ps.op = c.ps.hdr[0]
			c.ps.channel = binary.BigEndian.Uint16(c.ps.hdr[1:3])
			plen := binary.BigEndian.Uint32(c.ps.hdr[3:7])
			if plen > maxFramePayload {
				return fmt.Errorf("frame payload %d exceeds limit: %w", plen, ErrParseProto)
			}

			c.ps.hn = 0
			c.ps.need = int(plen)
			if c.ps.need == 0 {
				if err := c.route(frame{op: c.ps.op, channel: c.ps.channel}); err != nil {
					return err
				}
				continue
			}
			c.ps.payload = pool.Get(c.ps.need)
			c.ps.inPayload = true
			continue
		}

		toCopy := c.ps.need - len(c.ps.payload)
		if toCopy > len(buf) {
			toCopy = len(buf)
		}
		c.ps.payload = append(c.ps.payload, buf[:toCopy]...)
		buf = buf[toCopy:]

		if len(c.ps.payload) < c.ps.need {
			return nil
		}

		fr := frame{op: c.ps.op, channel: c.ps.channel, payload: c.ps.payload}
		err := c.route(fr)
		pool.Put(c.ps.payload)
		c.ps.payload = nil
		c.ps.inPayload = false
		if err != nil {
			return err
		}
	}
	return nil
}
