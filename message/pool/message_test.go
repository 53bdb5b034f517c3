package pool_test

import (
	"context"
	"testing"

	"github.com/ncoap-go/ncoap/message"
	"github.com/ncoap-go/ncoap/message/codes"
	"github.com/ncoap-go/ncoap/message/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := pool.New(4)
	m := p.AcquireMessage(context.Background())
	m.SetCode(codes.GET)
	m.SetMessageID(7)
	m.SetPath("/sensors/temp")
	m.Release()

	m2 := p.AcquireMessage(context.Background())
	assert.Equal(t, codes.Empty, m2.Code())
	assert.Equal(t, int32(0), m2.MessageID())
	path, err := m2.Path()
	require.NoError(t, err)
	assert.Equal(t, "", path)
}

func TestPoolCapsRecycledCount(t *testing.T) {
	p := pool.New(1)
	a := p.AcquireMessage(context.Background())
	b := p.AcquireMessage(context.Background())
	a.Release()
	b.Release()
	// Only one slot is reserved; the second release is silently dropped
	// rather than grown past the cap.
	c := p.AcquireMessage(context.Background())
	assert.NotNil(t, c)
}

func TestCloneIsIndependent(t *testing.T) {
	m := pool.NewMessage(context.Background())
	m.SetToken(message.Token{1, 2, 3})
	m.SetPath("/a/b")

	clone := m.Clone()
	clone.SetToken(message.Token{9})
	clone.SetPath("/x")

	assert.Equal(t, message.Token{1, 2, 3}, m.Token())
	path, _ := m.Path()
	assert.Equal(t, "a/b", path)
}

func TestContentFormatRoundTrip(t *testing.T) {
	m := pool.NewMessage(context.Background())
	m.SetContentFormat(message.AppJSON)
	cf, err := m.ContentFormat()
	require.NoError(t, err)
	assert.Equal(t, message.AppJSON, cf)
}

func TestObserveRoundTrip(t *testing.T) {
	m := pool.NewMessage(context.Background())
	m.SetObserve(42)
	seq, err := m.Observe()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), seq)
}
