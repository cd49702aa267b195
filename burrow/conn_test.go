package burrow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshake(t *testing.T) {
	var connected bool
	c, tr := newTestConn(t, Handler{OnConnected: func(*Conn) { connected = true }}, false)

	assert.True(t, connected)
	assert.Equal(t, StateHandshake, c.State())

	frs := tr.frames(t)
	require.Len(t, frs, 1)
	assert.Equal(t, opConnOpen, frs[0].op)
	assert.Equal(t, uint16(0), frs[0].channel)

	f := newFields(frs[0].payload)
	assert.Equal(t, "guest", f.str())
	assert.Equal(t, "guest", f.str())
	assert.Equal(t, "/", f.str())

	c.OnData(respFrame(respConnOpenOK, 0, nil))
	assert.Equal(t, StateOpen, c.State())
}

func TestPreOpenQueueingFlushesInIssuanceOrder(t *testing.T) {
	c, tr := newTestConn(t, Handler{}, false)

	ch1, err := c.Channel()
	require.NoError(t, err)
	ch1.DeclareExchange("logs", Fanout)

	ch2, err := c.Channel()
	require.NoError(t, err)
	require.NoError(t, ch2.Publish("logs", "", []byte("early")))

	// nothing but the handshake hello is on the wire yet
	assert.Equal(t, []byte{opConnOpen}, tr.opsWritten(t))

	c.OnData(respFrame(respConnOpenOK, 0, nil))
	assert.Equal(t, []byte{opConnOpen, opChannelOpen, opExchangeDeclare, opChannelOpen, opPublish}, tr.opsWritten(t))

	frs := tr.frames(t)
	assert.Equal(t, ch1.ID(), frs[1].channel)
	assert.Equal(t, ch1.ID(), frs[2].channel)
	assert.Equal(t, ch2.ID(), frs[3].channel)
	assert.Equal(t, ch2.ID(), frs[4].channel)
}

func TestChannelIDsMonotonic(t *testing.T) {
	c, _ := newTestConn(t, Handler{}, true)

	ch1, err := c.Channel()
	require.NoError(t, err)
	ch2, err := c.Channel()
	require.NoError(t, err)
	ch3, err := c.Channel()
	require.NoError(t, err)

	assert.Equal(t, uint16(1), ch1.ID())
	assert.Equal(t, uint16(2), ch2.ID())
	assert.Equal(t, uint16(3), ch3.ID())
}

func TestPingAnsweredWithPong(t *testing.T) {
	c, tr := newTestConn(t, Handler{}, true)
	ch := openChannel(t, c)

	var succeeded bool
	ch.DeclareExchange("ex", Direct).OnSuccess(func(Ack) { succeeded = true })

	c.OnData(respFrame(respPing, 0, nil))
	assert.Contains(t, tr.opsWritten(t), opPong)

	// the ping did not disturb the pending queue
	c.OnData(respFrame(respExchangeDeclareOK, ch.ID(), nil))
	assert.True(t, succeeded)
	assert.Equal(t, StateOpen, c.State())
}

func TestTransportFaultFailsEverythingOnce(t *testing.T) {
	var connErrs []error
	c, _ := newTestConn(t, Handler{OnError: func(err error) { connErrs = append(connErrs, err) }}, true)

	ch1 := openChannel(t, c)
	ch2 := openChannel(t, c)

	var fails, successes int
	var chanErrs int
	for _, ch := range []*Channel{ch1, ch2} {
		ch.OnError(func(error) { chanErrs++ })
		ch.DeclareQueue("a", 0).
			OnSuccess(func(Queue) { successes++ }).
			OnError(func(error) { fails++ })
		ch.BindQueue("ex", "a", "k").
			OnSuccess(func(Ack) { successes++ }).
			OnError(func(error) { fails++ })
	}

	c.OnError("connection reset by peer")
	c.OnError("connection reset by peer") // duplicate signals are absorbed

	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 4, fails)
	assert.Equal(t, 0, successes)
	assert.Equal(t, 2, chanErrs)
	require.Len(t, connErrs, 1)
	assert.ErrorIs(t, connErrs[0], ErrTransport)
}

func TestRemoteConnectionClose(t *testing.T) {
	var got error
	var closed bool
	c, _ := newTestConn(t, Handler{
		OnError:  func(err error) { got = err },
		OnClosed: func() { closed = true },
	}, true)

	ch := openChannel(t, c)
	var opErr error
	ch.DeclareQueue("q", 0).OnError(func(err error) { opErr = err })

	c.OnData(respFrame(respConnClose, 0, fstr("vhost deleted")))

	assert.Equal(t, StateFailed, c.State())
	require.Error(t, got)
	assert.Contains(t, got.Error(), "vhost deleted")
	require.Error(t, opErr)
	assert.ErrorIs(t, opErr, ErrConnClosed)
	assert.True(t, closed)
}

func TestGracefulClose(t *testing.T) {
	var closed bool
	c, tr := newTestConn(t, Handler{OnClosed: func() { closed = true }}, true)
	ch := openChannel(t, c)

	var opErr error
	ch.DeclareQueue("q", 0).OnError(func(err error) { opErr = err })

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosing, c.State())
	assert.Contains(t, tr.opsWritten(t), opConnClose)

	c.OnData(respFrame(respConnCloseOK, 0, nil))
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, closed)
	assert.True(t, tr.wasClosed())
	assert.ErrorIs(t, opErr, ErrConnClosed)

	// closed connection refuses new work
	_, err := c.Channel()
	assert.ErrorIs(t, err, ErrConnClosed)
	assert.ErrorIs(t, ch.Publish("e", "k", nil), ErrChannelClosed)
}

func TestCloseBeforeOpen(t *testing.T) {
	var closed bool
	c, _ := newTestConn(t, Handler{OnClosed: func() { closed = true }}, false)

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, closed)
}

func TestUnknownChannelFrameIsFatal(t *testing.T) {
	var got error
	c, _ := newTestConn(t, Handler{OnError: func(err error) { got = err }}, true)

	c.OnData(respFrame(respQueueDeclareOK, 42, fjoin(fstr("q"), fu32(0), fu32(0))))

	assert.Equal(t, StateFailed, c.State())
	assert.ErrorIs(t, got, ErrParseProto)
}

func TestUnexpectedConnectionFrameIsFatal(t *testing.T) {
	var got error
	c, _ := newTestConn(t, Handler{OnError: func(err error) { got = err }}, true)

	c.OnData(respFrame(respQueueDeclareOK, 0, nil))
	assert.ErrorIs(t, got, ErrParseProto)
	assert.Equal(t, StateFailed, c.State())
}

func TestOnClosedWithoutCloseIsFault(t *testing.T) {
	var got error
	c, _ := newTestConn(t, Handler{OnError: func(err error) { got = err }}, true)
	ch := openChannel(t, c)

	var opErr error
	ch.DeclareQueue("q", 0).OnError(func(err error) { opErr = err })

	c.OnClosed()

	assert.Equal(t, StateFailed, c.State())
	assert.ErrorIs(t, got, ErrTransport)
	assert.True(t, errors.Is(opErr, ErrTransport))
}

func TestIssueAfterFailureFailsDeferredImmediately(t *testing.T) {
	c, _ := newTestConn(t, Handler{}, true)
	ch := openChannel(t, c)

	c.OnError("gone")

	var got error
	ch.DeclareExchange("ex", Direct).OnError(func(err error) { got = err })
	assert.ErrorIs(t, got, ErrChannelClosed)
}
