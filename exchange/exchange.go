// Package exchange implements the token table that correlates an outgoing
// request with its eventual response, independent of message-ID-based
// reliability (RFC 7252 §5.3, spec §4.4).
package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/ncoap-go/ncoap/coaperr"
	"github.com/ncoap-go/ncoap/message"
	"github.com/ncoap-go/ncoap/message/pool"
	"github.com/ncoap-go/ncoap/observe"
	"github.com/ncoap-go/ncoap/pkg/coapsync"
)

// streamBuffer is the delivery buffer size for a persistent exchange's
// observe.Stream: big enough that a notification isn't dropped just
// because the consumer hasn't drained the previous one yet, while still
// bounding memory if the consumer stops reading entirely.
const streamBuffer = 4

// key identifies one exchange: a remote endpoint plus the token chosen by
// the client (spec §4.4 "Correlation rule": token, never message ID).
type key struct {
	remote string
	token  string
}

// Exchange is the pending-response side of a single request. Observe
// registrations keep their Exchange alive past the first response, across
// later notifications; plain requests complete and are removed on first
// response. Table.GC expires every exchange, persistent ones included, once
// the table's lifetime has passed since it was opened.
type Exchange struct {
	remote  string
	token   message.Token
	created time.Time
	persist bool
	mu      sync.Mutex
	ch      chan *pool.Message
	stream  *observe.Stream
	err     error
	done    bool
}

// TokenHandle is the caller-held reference to an Exchange. Calling Cancel
// ends the exchange. A handle that is simply no longer read is not
// detected; its exchange stays open until Table.GC expires it after
// EXCHANGE_LIFETIME.
type TokenHandle struct {
	ex    *Exchange
	table *Table
}

// Response blocks until a response arrives, ctx is cancelled, or the
// exchange is cancelled/expires. For a persistent (observe) exchange, each
// call returns the next notification that passes the RFC 7641 freshness
// check (spec §4.5 "Client"); stale or reordered notifications are
// discarded by the underlying observe.Stream and never surface here.
func (h *TokenHandle) Response(ctx context.Context) (*pool.Message, error) {
	if h.ex.persist {
		return h.ex.stream.Next(ctx)
	}
	select {
	case resp, ok := <-h.ex.ch:
		if !ok {
			h.ex.mu.Lock()
			err := h.ex.err
			h.ex.mu.Unlock()
			return nil, err
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Token returns the client token identifying this exchange.
func (h *TokenHandle) Token() message.Token { return h.ex.token }

// Cancel ends the exchange immediately: no further application callback
// will be invoked for it (spec §5 "Cancellation finality"). A reply that
// arrives later finds no exchange and is dropped by the dispatcher; no RST
// is sent for it (a CON reply still gets its empty ACK).
func (h *TokenHandle) Cancel() {
	h.table.complete(h.ex, nil, coaperr.ErrExchangeCancelled)
}

// Table is the live set of pending exchanges, keyed (remote, token).
type Table struct {
	lifetime time.Duration
	entries  *coapsync.Map[key, *Exchange]
}

func New(lifetime time.Duration) *Table {
	return &Table{lifetime: lifetime, entries: coapsync.NewMap[key, *Exchange]()}
}

// Open registers a new exchange for (remote, token). persist=true keeps the
// exchange alive across multiple responses (observe notifications) instead
// of completing after the first.
func (t *Table) Open(remote string, token message.Token, persist bool) (*TokenHandle, error) {
	k := key{remote, string(token)}
	ex := &Exchange{
		remote:  remote,
		token:   token,
		created: time.Now(),
		persist: persist,
	}
	if persist {
		ex.stream = observe.NewStream(streamBuffer)
	} else {
		ex.ch = make(chan *pool.Message, 1)
	}
	if _, loaded := t.entries.LoadOrStore(k, ex); loaded {
		return nil, coaperr.ErrDuplicateToken
	}
	return &TokenHandle{ex: ex, table: t}, nil
}

// Deliver routes an inbound response to the exchange for (remote, token),
// reporting whether one was found. A persistent (observe) exchange remains
// open after delivery, routing the notification through its observe.Stream
// so stale or reordered deliveries are discarded (RFC 7641 §3.4); a plain
// exchange is completed and removed.
func (t *Table) Deliver(remote string, token message.Token, resp *pool.Message, now time.Time) bool {
	k := key{remote, string(token)}
	ex, ok := t.entries.Load(k)
	if !ok {
		return false
	}
	if ex.persist {
		ex.stream.Deliver(resp, now)
		return true
	}
	t.complete(ex, resp, nil)
	return true
}

// CancelByToken ends the exchange for (remote, token), e.g. on RST receipt.
func (t *Table) CancelByToken(remote string, token message.Token, err error) bool {
	k := key{remote, string(token)}
	ex, ok := t.entries.Load(k)
	if !ok {
		return false
	}
	t.complete(ex, nil, err)
	return true
}

func (t *Table) complete(ex *Exchange, resp *pool.Message, err error) {
	ex.mu.Lock()
	if ex.done {
		ex.mu.Unlock()
		return
	}
	ex.done = true
	ex.err = err
	ex.mu.Unlock()

	if ex.persist {
		ex.stream.End(err)
	} else {
		if resp != nil {
			ex.ch <- resp
		}
		close(ex.ch)
	}
	t.entries.Delete(key{ex.remote, string(ex.token)})
}

// GC removes every exchange opened at least the table's lifetime before
// now, reporting ErrExchangeExpired to its handle (spec §5 "Timeouts are
// first-class"). Persistent (observe) exchanges are expired the same way,
// whether or not notifications have arrived for them.
func (t *Table) GC(now time.Time) {
	t.entries.Range(func(k key, ex *Exchange) bool {
		if now.Sub(ex.created) >= t.lifetime {
			t.complete(ex, nil, coaperr.ErrExchangeExpired)
		}
		return true
	})
}

// Has reports whether an exchange is currently open for (remote, token),
// enforcing spec §4.4's "at most one active exchange per (remote, token)".
func (t *Table) Has(remote string, token message.Token) bool {
	_, ok := t.entries.Load(key{remote, string(token)})
	return ok
}
