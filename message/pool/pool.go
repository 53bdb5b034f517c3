package pool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// Pool bounds the number of recycled Message instances kept alive, so a
// burst of traffic that transiently needs many more messages than steady
// state doesn't pin that peak memory forever.
type Pool struct {
	// currentMessagesInPool must stay first for correct alignment on
	// 32-bit platforms; see sync/atomic's bug note on 64-bit words.
	currentMessagesInPool atomic.Int64
	messagePool           sync.Pool
	maxNumMessages        uint32
}

// New builds a Pool that recycles at most maxNumMessages Messages; beyond
// that, Message.Release drops the excess instead of returning them to the
// pool.
func New(maxNumMessages uint32) *Pool {
	return &Pool{maxNumMessages: maxNumMessages}
}

// AcquireMessage returns a Message ready to be filled in, either recycled
// from the pool or freshly allocated.
func (p *Pool) AcquireMessage(ctx context.Context) *Message {
	if ctx == nil {
		ctx = context.Background()
	}
	v := p.messagePool.Get()
	if v == nil {
		m := NewMessage(ctx)
		m.pl = p
		return m
	}
	m, ok := v.(*Message)
	if !ok {
		panic(fmt.Errorf("invalid message type(%T) for pool", v))
	}
	p.currentMessagesInPool.Dec()
	m.ctx = ctx
	return m
}

// release returns m to the pool, subject to maxNumMessages. Callers use
// Message.Release rather than calling this directly.
func (p *Pool) release(m *Message) {
	for {
		v := p.currentMessagesInPool.Load()
		if v >= int64(p.maxNumMessages) {
			return
		}
		if p.currentMessagesInPool.CAS(v, v+1) {
			break
		}
	}
	m.Reset()
	p.messagePool.Put(m)
}
