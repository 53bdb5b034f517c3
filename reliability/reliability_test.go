package reliability_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ncoap-go/ncoap/coaperr"
	"github.com/ncoap-go/ncoap/message"
	"github.com/ncoap-go/ncoap/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu    sync.Mutex
	sends [][]byte
}

func (t *recordingTransport) Send(_ context.Context, _ string, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends = append(t.sends, append([]byte(nil), frame...))
	return nil
}

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sends)
}

func fastParams() reliability.Params {
	p := reliability.DefaultParams()
	p.AckTimeout = 10 * time.Millisecond
	p.AckRandomFactor = 1.0
	p.MaxRetransmit = 2
	return p
}

func TestOnAckResolvesRecord(t *testing.T) {
	tr := &recordingTransport{}
	e := reliability.New(fastParams(), tr)
	r, err := e.SendCON(context.Background(), "peer", 1, message.Token{1}, []byte("hello"))
	require.NoError(t, err)

	e.OnAck("peer", 1)
	<-r.Done()
	assert.NoError(t, r.Err())
	assert.Equal(t, reliability.Acked, r.State())
}

func TestOnResetRejectsRecord(t *testing.T) {
	tr := &recordingTransport{}
	e := reliability.New(fastParams(), tr)
	r, err := e.SendCON(context.Background(), "peer", 2, message.Token{2}, []byte("hello"))
	require.NoError(t, err)

	tok := e.OnReset("peer", 2)
	<-r.Done()
	assert.ErrorIs(t, r.Err(), coaperr.ErrRejected)
	assert.Equal(t, message.Token{2}, tok)
}

func TestRetransmissionsAreByteIdentical(t *testing.T) {
	tr := &recordingTransport{}
	e := reliability.New(fastParams(), tr)
	frame := []byte("same bytes every time")
	r, err := e.SendCON(context.Background(), "peer", 3, message.Token{3}, frame)
	require.NoError(t, err)

	deadline := time.Now().Add(500 * time.Millisecond)
	for r.State() == reliability.WaitAck && time.Now().Before(deadline) {
		e.Tick(context.Background())
		time.Sleep(5 * time.Millisecond)
	}
	<-r.Done()
	assert.ErrorIs(t, r.Err(), coaperr.ErrTimeout)
	assert.Equal(t, reliability.Failed, r.State())

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.GreaterOrEqual(t, len(tr.sends), 2)
	for _, s := range tr.sends {
		assert.Equal(t, frame, s)
	}
}

func TestCancelStopsRetransmission(t *testing.T) {
	tr := &recordingTransport{}
	e := reliability.New(fastParams(), tr)
	r, err := e.SendCON(context.Background(), "peer", 4, message.Token{4}, []byte("x"))
	require.NoError(t, err)

	e.Cancel("peer", 4)
	<-r.Done()
	assert.ErrorIs(t, r.Err(), coaperr.ErrExchangeCancelled)

	before := tr.count()
	e.Tick(context.Background())
	assert.Equal(t, before, tr.count())
}

func TestObserveInboundDetectsDuplicate(t *testing.T) {
	tr := &recordingTransport{}
	e := reliability.New(fastParams(), tr)

	status, _ := e.ObserveInbound("peer", 100)
	assert.Equal(t, reliability.FirstReceipt, status)

	status, reply := e.ObserveInbound("peer", 100)
	assert.Equal(t, reliability.DuplicateNoReply, status)
	assert.Nil(t, reply)

	e.CacheReply("peer", 100, []byte("ack"))
	status, reply = e.ObserveInbound("peer", 100)
	assert.Equal(t, reliability.DuplicateReplay, status)
	assert.Equal(t, []byte("ack"), reply)
}
