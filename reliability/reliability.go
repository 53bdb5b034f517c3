// Package reliability implements the confirmable (CON) retransmission
// state machine, inbound duplicate suppression, and empty-ACK dispatch for
// separate responses (RFC 7252 §4).
package reliability

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/atomic"

	"github.com/ncoap-go/ncoap/coaperr"
	"github.com/ncoap-go/ncoap/message"
	"github.com/ncoap-go/ncoap/pkg/coapsync"
)

// State is a position in the outbound CON state machine (spec §4.3).
type State int

const (
	IDLE State = iota
	WaitAck
	Acked
	Rejected
	Failed
	Cancelled
)

func (s State) terminal() bool {
	return s == Acked || s == Rejected || s == Failed || s == Cancelled
}

// Params holds the RFC 7252 §4.8 transmission parameters. Zero-value Params
// is invalid; use DefaultParams.
type Params struct {
	AckTimeout                 time.Duration
	AckRandomFactor            float64
	MaxRetransmit              int
	ExchangeLifetime           time.Duration
	SeparateResponseThreshold  time.Duration
}

// DefaultParams returns the RFC 7252 §4.8 defaults, matching spec §9's
// explicit configuration record.
func DefaultParams() Params {
	return Params{
		AckTimeout:                2 * time.Second,
		AckRandomFactor:           1.5,
		MaxRetransmit:             4,
		ExchangeLifetime:          247 * time.Second,
		SeparateResponseThreshold: 1800 * time.Millisecond,
	}
}

// key identifies an outbound or inbound exchange at the reliability layer.
type key struct {
	remote string
	mid    int32
}

// OutboundRecord tracks one outgoing CON awaiting acknowledgement. The
// serialised frame is cached on first send so every retransmission is
// byte-identical (spec §4.3 "Retransmission identity").
type OutboundRecord struct {
	remote   string
	mid      int32
	token    message.Token
	frame    []byte
	attempts atomic.Int32
	timeout  atomic.Int64 // nanos; the randomized timeout just used, doubled on each retry
	deadline atomic.Int64 // unix nanos
	state    atomic.Int32
	done     chan struct{}
	err      error
}

func (r *OutboundRecord) State() State { return State(r.state.Load()) }

func (r *OutboundRecord) setState(s State) { r.state.Store(int32(s)) }

// Done returns a channel closed once the record reaches a terminal state.
func (r *OutboundRecord) Done() <-chan struct{} { return r.done }

// Err returns the terminal error, if any (nil for Acked).
func (r *OutboundRecord) Err() error { return r.err }

// InboundRecord tracks a previously-seen inbound CON, for duplicate
// suppression and cached-reply re-delivery (spec §4.3 "Duplicate
// idempotence").
type InboundRecord struct {
	remote       string
	mid          int32
	firstSeen    time.Time
	cachedReply  []byte
	handlerDone  bool
}

// Transport is the minimal send capability the engine needs; supplied by
// the dispatcher/endpoint layer so this package stays free of socket code.
type Transport interface {
	Send(ctx context.Context, remote string, frame []byte) error
}

// Engine drives the outbound retransmission timers and the inbound
// duplicate cache. It owns no socket; Transport does the actual write.
type Engine struct {
	params    Params
	transport Transport
	outbound  *coapsync.Map[key, *OutboundRecord]
	inbound   *coapsync.Map[key, *InboundRecord]
}

func New(params Params, transport Transport) *Engine {
	return &Engine{
		params:    params,
		transport: transport,
		outbound:  coapsync.NewMap[key, *OutboundRecord](),
		inbound:   coapsync.NewMap[key, *InboundRecord](),
	}
}

// SendCON registers frame as an outbound CON for (remote, mid), sends the
// first transmission, and returns a record the caller can wait on via
// Done()/Err(). token is the exchange/observer token this CON carries, if
// any, so a later bare RST (which per RFC 7252 correlates only by message
// ID, never by token) can still be traced back to it via OnReset. The
// caller must arrange for a background ticking of Tick at a resolution
// finer than AckTimeout (Endpoint.RunTimers does this, per spec §5
// "Model").
func (e *Engine) SendCON(ctx context.Context, remote string, mid int32, token message.Token, frame []byte) (*OutboundRecord, error) {
	r := &OutboundRecord{
		remote: remote,
		mid:    mid,
		token:  append(message.Token(nil), token...),
		frame:  append([]byte(nil), frame...),
		done:   make(chan struct{}),
	}
	r.setState(WaitAck)
	initial := e.initialTimeout()
	r.timeout.Store(int64(initial))
	r.deadline.Store(time.Now().Add(initial).UnixNano())
	e.outbound.Store(key{remote, mid}, r)

	if err := e.transport.Send(ctx, remote, r.frame); err != nil {
		return nil, err
	}
	return r, nil
}

func (e *Engine) initialTimeout() time.Duration {
	factor := 1 + rand.Float64()*(e.params.AckRandomFactor-1)
	return time.Duration(float64(e.params.AckTimeout) * factor)
}

// Tick advances every outstanding outbound record: it retransmits those
// past their deadline and fails those that have exhausted MaxRetransmit.
// Call this periodically (e.g. every 100ms) from the owning event loop.
func (e *Engine) Tick(ctx context.Context) {
	now := time.Now()
	e.outbound.Range(func(k key, r *OutboundRecord) bool {
		if r.State() != WaitAck {
			return true
		}
		deadline := time.Unix(0, r.deadline.Load())
		if now.Before(deadline) {
			return true
		}
		attempts := r.attempts.Load()
		if int(attempts) >= e.params.MaxRetransmit {
			e.finish(k, r, Failed, coaperr.ErrTimeout)
			return true
		}
		r.attempts.Inc()
		backoff := time.Duration(r.timeout.Load()) * 2
		r.timeout.Store(int64(backoff))
		r.deadline.Store(now.Add(backoff).UnixNano())
		_ = e.transport.Send(ctx, r.remote, r.frame)
		return true
	})
}

// OnAck marks the outbound CON for (remote, mid) acknowledged.
func (e *Engine) OnAck(remote string, mid int32) {
	k := key{remote, mid}
	if r, ok := e.outbound.Load(k); ok {
		e.finish(k, r, Acked, nil)
	}
}

// OnReset marks the outbound CON for (remote, mid) rejected, and returns the
// token it was sent with (possibly empty), so the caller can cancel the
// matching exchange/observer relation — an RST itself never carries one
// (RFC 7252 §4.2: an Empty-code message has a zero-length token).
func (e *Engine) OnReset(remote string, mid int32) message.Token {
	k := key{remote, mid}
	r, ok := e.outbound.Load(k)
	if !ok {
		return nil
	}
	tok := r.token
	e.finish(k, r, Rejected, coaperr.ErrRejected)
	return tok
}

// Cancel stops retransmission for (remote, mid) without reporting an error
// via Err() beyond ErrExchangeCancelled (spec §5 "Cancellation").
func (e *Engine) Cancel(remote string, mid int32) {
	k := key{remote, mid}
	if r, ok := e.outbound.Load(k); ok {
		e.finish(k, r, Cancelled, coaperr.ErrExchangeCancelled)
	}
}

func (e *Engine) finish(k key, r *OutboundRecord, s State, err error) {
	if r.State().terminal() {
		return
	}
	r.setState(s)
	r.err = err
	close(r.done)
	e.outbound.Delete(k)
}

// InboundStatus reports what the dispatcher should do with an inbound CON.
type InboundStatus int

const (
	// FirstReceipt: forward to the application handler.
	FirstReceipt InboundStatus = iota
	// DuplicateNoReply: a duplicate arrived before any reply was cached;
	// drop it silently, the application is still processing.
	DuplicateNoReply
	// DuplicateReplay: a duplicate arrived after a reply was cached;
	// resend the cached bytes, do not invoke the handler again.
	DuplicateReplay
)

// ObserveInbound records or looks up an inbound CON by (remote, mid),
// returning whether this is the first receipt, per spec §4.3 "Duplicate
// idempotence".
func (e *Engine) ObserveInbound(remote string, mid int32) (InboundStatus, []byte) {
	k := key{remote, mid}
	if existing, ok := e.inbound.Load(k); ok {
		if existing.cachedReply != nil {
			return DuplicateReplay, existing.cachedReply
		}
		return DuplicateNoReply, nil
	}
	e.inbound.Store(k, &InboundRecord{remote: remote, mid: mid, firstSeen: time.Now()})
	return FirstReceipt, nil
}

// CacheReply stores the serialised ACK/response for (remote, mid) so a
// later duplicate of the triggering CON can be answered without
// re-invoking the application.
func (e *Engine) CacheReply(remote string, mid int32, frame []byte) {
	k := key{remote, mid}
	if rec, ok := e.inbound.Load(k); ok {
		rec.cachedReply = append([]byte(nil), frame...)
	}
}

// ExpireInbound drops the duplicate-suppression record for (remote, mid)
// after EXCHANGE_LIFETIME. Call from the same timer wheel driving Tick.
func (e *Engine) ExpireInbound(now time.Time) {
	e.inbound.Range(func(k key, rec *InboundRecord) bool {
		if now.Sub(rec.firstSeen) >= e.params.ExchangeLifetime {
			e.inbound.Delete(k)
		}
		return true
	})
}

// SeparateResponseDeadline returns how long a handler may take before the
// dispatcher must emit an empty ACK and fall back to a separate response.
func (e *Engine) SeparateResponseDeadline() time.Duration {
	return e.params.SeparateResponseThreshold
}

// ShouldUseSeparateResponse reports whether elapsed time since a CON
// request arrived has passed SeparateResponseThreshold without a response
// being ready, meaning the dispatcher must emit an empty ACK now (spec
// §4.3 "Separate response flow").
func (e *Engine) ShouldUseSeparateResponse(elapsed time.Duration) bool {
	return elapsed >= e.params.SeparateResponseThreshold
}
