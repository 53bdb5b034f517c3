// Package endpoint assembles the message codec, reliability engine,
// exchange table, observe registry and dispatcher into the Core API spec
// §6 describes: SendRequest, RegisterService, NotifyObservers, Shutdown.
package endpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ncoap-go/ncoap/coaperr"
	"github.com/ncoap-go/ncoap/coder"
	"github.com/ncoap-go/ncoap/dispatcher"
	"github.com/ncoap-go/ncoap/exchange"
	"github.com/ncoap-go/ncoap/log"
	"github.com/ncoap-go/ncoap/message"
	"github.com/ncoap-go/ncoap/message/codes"
	"github.com/ncoap-go/ncoap/message/pool"
	"github.com/ncoap-go/ncoap/observe"
	"github.com/ncoap-go/ncoap/reliability"
	"github.com/ncoap-go/ncoap/request"
	"github.com/ncoap-go/ncoap/response"
)

// Socket is the datagram transport collaborator (spec §6
// "Collaborator interfaces"): out-of-core, specified here only as a
// contract. No concrete UDP binding ships in this module.
type Socket interface {
	SendTo(ctx context.Context, remote string, frame []byte) error
}

// Clock abstracts wall-clock access so the reliability/observe timing
// logic can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock, backed by time.Now.
var SystemClock Clock = systemClock{}

// Endpoint is the Core API facade: it owns the reliability engine,
// exchange table, observe registry, message pool and dispatcher, wiring
// them to a caller-supplied Socket.
type Endpoint struct {
	cfg    Config
	sock   Socket
	clock  Clock
	logger log.Logger

	pl   *pool.Pool
	rel  *reliability.Engine
	exch *exchange.Table
	obs  *observe.Registry
	mux  *Mux
	disp *dispatcher.Dispatcher
	sem  *semaphore.Weighted
	mid  *message.MIDGenerator

	closeOnce sync.Once
	closed    chan struct{}
}

type socketSender struct{ sock Socket }

func (s socketSender) Send(ctx context.Context, remote string, frame []byte) error {
	return s.sock.SendTo(ctx, remote, frame)
}

// New builds an Endpoint over sock using cfg's parameters. logger may be
// nil, in which case log.Nop() is used.
func New(cfg Config, sock Socket, clock Clock, logger log.Logger) *Endpoint {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = log.Nop()
	}
	pl := pool.New(cfg.MessagePoolSize)
	rel := reliability.New(cfg.ReliabilityParams(), socketSender{sock})
	exch := exchange.New(cfg.ExchangeLifetime)
	obs := observe.NewRegistry(cfg.MaxRetransmit)
	mux := NewMux(func(_ context.Context, _ string, req *pool.Message) (*pool.Message, error) {
		resp, err := response.NewError(pl, message.Acknowledgement, codes.NotFound, req.Token(), "no handler registered for this path")
		return resp, err
	})

	e := &Endpoint{
		cfg:    cfg,
		sock:   sock,
		clock:  clock,
		logger: logger.Named("endpoint"),
		pl:     pl,
		rel:    rel,
		exch:   exch,
		obs:    obs,
		mux:    mux,
		sem:    semaphore.NewWeighted(cfg.LimitParallelRequests),
		mid:    message.NewMIDGenerator(),
		closed: make(chan struct{}),
	}
	e.disp = dispatcher.New(rel, exch, socketSender{sock}, pl, logger, e.serveRequest)
	e.disp.SetObservers(obs)
	return e
}

func (e *Endpoint) serveRequest(ctx context.Context, remote string, req *pool.Message) (*pool.Message, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	if request.IsObservationRequest(req) {
		return e.serveObserveRegister(ctx, remote, req)
	}
	if seq, err := req.Observe(); err == nil && seq == 1 {
		return e.serveObserveDeregister(ctx, remote, req)
	}
	return e.mux.Serve(ctx, remote, req)
}

func (e *Endpoint) serveObserveRegister(ctx context.Context, remote string, req *pool.Message) (*pool.Message, error) {
	resp, err := e.mux.Serve(ctx, remote, req)
	if err != nil || resp == nil {
		return resp, err
	}
	if codes.IsError(resp.Code()) {
		return resp, nil
	}
	path, _ := req.Path()
	now := e.clock.Now()
	e.obs.Register("/"+path, remote, req.Token(), now)
	response.SetDefaultObserve(resp, now)
	return resp, nil
}

func (e *Endpoint) serveObserveDeregister(ctx context.Context, remote string, req *pool.Message) (*pool.Message, error) {
	path, _ := req.Path()
	e.obs.Deregister("/"+path, remote, req.Token())
	return e.mux.Serve(ctx, remote, req)
}

// HandleInbound feeds one received datagram into the dispatcher. The
// caller's Socket implementation invokes this from its receive loop. A
// frame over cfg.MaxMessageSize is dropped before it ever reaches the
// codec (spec §9's sizing limits).
func (e *Endpoint) HandleInbound(ctx context.Context, remote string, frame []byte) {
	if e.cfg.MaxMessageSize > 0 && int64(len(frame)) > int64(e.cfg.MaxMessageSize) {
		e.logger.Warn("dropping oversized inbound frame", "remote", remote, "size", len(frame), "limit", e.cfg.MaxMessageSize)
		return
	}
	e.disp.HandleInbound(ctx, remote, frame)
}

// RunTimers drives the reliability engine's retransmission/expiry ticks and
// exchange-table GC at the given resolution until ctx is cancelled or
// Shutdown is called. Intended to run in its own goroutine.
func (e *Endpoint) RunTimers(ctx context.Context, resolution time.Duration) {
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.closed:
			return
		case now := <-ticker.C:
			e.rel.Tick(ctx)
			e.rel.ExpireInbound(now)
			e.exch.GC(now)
		}
	}
}

// SendRequest sends req to remote and returns a TokenHandle the caller
// awaits for the response (spec §6 "send_request").
func (e *Endpoint) SendRequest(ctx context.Context, remote string, req *pool.Message) (*exchange.TokenHandle, error) {
	persist := request.IsObservationRequest(req)
	handle, err := e.exch.Open(remote, req.Token(), persist)
	if err != nil {
		return nil, err
	}

	req.SetMessageID(e.mid.Next())
	buf, err := e.encode(req.Message())
	if err != nil {
		handle.Cancel()
		return nil, err
	}

	if req.Type() != message.Confirmable {
		if err := e.sock.SendTo(ctx, remote, buf); err != nil {
			handle.Cancel()
			return nil, err
		}
		return handle, nil
	}

	rec, err := e.rel.SendCON(ctx, remote, req.MessageID(), req.Token(), buf)
	if err != nil {
		handle.Cancel()
		return nil, err
	}
	go func() {
		<-rec.Done()
		if err := rec.Err(); err != nil {
			e.exch.CancelByToken(remote, req.Token(), err)
		}
	}()
	return handle, nil
}

// encode serialises m, rejecting it against cfg.MaxPayloadSize/MaxMessageSize
// before it ever reaches the wire (spec §9's sizing limits, mirrored from
// the inbound check in HandleInbound).
func (e *Endpoint) encode(m message.Message) ([]byte, error) {
	if e.cfg.MaxPayloadSize > 0 && int64(len(m.Payload)) > int64(e.cfg.MaxPayloadSize) {
		return nil, coaperr.NewInvariantViolation(fmt.Sprintf("endpoint: payload of %d bytes exceeds MaxPayloadSize(%s)", len(m.Payload), e.cfg.MaxPayloadSize))
	}
	buf, err := encodeMessage(m)
	if err != nil {
		return nil, err
	}
	if e.cfg.MaxMessageSize > 0 && int64(len(buf)) > int64(e.cfg.MaxMessageSize) {
		return nil, coaperr.NewInvariantViolation(fmt.Sprintf("endpoint: encoded message of %d bytes exceeds MaxMessageSize(%s)", len(buf), e.cfg.MaxMessageSize))
	}
	return buf, nil
}

// RegisterService registers handler to answer requests whose path matches
// pattern (spec §6 "register_service").
func (e *Endpoint) RegisterService(pattern string, handler ServiceHandler) {
	e.mux.Handle(pattern, handler)
}

// DeregisterService removes the handler registered for pattern.
func (e *Endpoint) DeregisterService(pattern string) bool {
	return e.mux.Remove(pattern)
}

// observeConfirmableInterval sends every Nth notification as a CON instead
// of NON, so an unreachable observer is actually detected by the
// reliability engine's retransmission timeout rather than only by socket
// errors (spec §4.5 "type CON or NON per policy, typically NON with
// periodic CON for confirmability").
const observeConfirmableInterval = 4

// NotifyObservers fans a new representation out to every observer of
// resourceID (spec §6 "notify_observers"). contentType/etag may be zero/nil
// if the resource doesn't use them.
func (e *Endpoint) NotifyObservers(ctx context.Context, resourceID string, code codes.Code, contentType message.MediaType, etag, payload []byte) {
	now := e.clock.Now()
	for _, obv := range e.obs.Fanout(resourceID, now) {
		confirmable := (obv.NotifyCount+1)%observeConfirmableInterval == 0

		resp := e.pl.AcquireMessage(ctx)
		if confirmable {
			resp.SetType(message.Confirmable)
			resp.SetMessageID(e.mid.Next())
		} else {
			resp.SetType(message.NonConfirmable)
		}
		resp.SetCode(code)
		resp.SetToken(obv.Token)
		resp.SetObserve(obv.NextSeq)
		if contentType != 0 {
			resp.SetContentFormat(contentType)
		}
		if len(etag) > 0 {
			_ = resp.SetETag(etag) // malformed etag just omits it from the notification
		}
		resp.SetPayload(payload)

		mid := resp.MessageID()
		buf, err := e.encode(resp.Message())
		resp.Release()
		if err != nil {
			e.logger.Error("notify encode failed", "resource", resourceID, "error", err)
			continue
		}

		if confirmable {
			rec, err := e.rel.SendCON(ctx, obv.Remote, mid, obv.Token, buf)
			if err != nil {
				e.logger.Warn("notify send failed", "resource", resourceID, "remote", obv.Remote, "error", err)
				if e.obs.RecordTimeout(resourceID, obv.Remote, obv.Token) {
					e.logger.Info("observer dropped after repeated failures", "resource", resourceID, "remote", obv.Remote)
				}
				continue
			}
			go e.awaitNotificationAck(resourceID, obv.Remote, obv.Token, rec)
		} else if err := e.sock.SendTo(ctx, obv.Remote, buf); err != nil {
			e.logger.Warn("notify send failed", "resource", resourceID, "remote", obv.Remote, "error", err)
			if e.obs.RecordTimeout(resourceID, obv.Remote, obv.Token) {
				e.logger.Info("observer dropped after repeated failures", "resource", resourceID, "remote", obv.Remote)
			}
			continue
		}
		e.obs.Advance(resourceID, obv.Remote, obv.Token, uint8(code), obv.NextSeq, contentType, etag, now)
	}
}

// awaitNotificationAck watches a CON notification's retransmission record
// and records a timeout against the observer if it's never ACKed, feeding
// the MAX_RETRANSMIT+1-consecutive-timeouts drop policy (spec §4.5
// "Dropping an observer").
func (e *Endpoint) awaitNotificationAck(resourceID, remote string, token message.Token, rec *reliability.OutboundRecord) {
	<-rec.Done()
	if err := rec.Err(); err != nil {
		if e.obs.RecordTimeout(resourceID, remote, token) {
			e.logger.Info("observer dropped after repeated CON notification timeouts", "resource", resourceID, "remote", remote)
		}
	}
}

// CancelResource notifies every observer of resourceID with code (typically
// 4.04 Not Found) and clears the observer set, used when a resource is
// deleted (spec §3 "a resource deletion triggers a cancellation
// notification ... before the relations are dropped").
func (e *Endpoint) CancelResource(ctx context.Context, resourceID string, code codes.Code) {
	now := e.clock.Now()
	for _, obv := range e.obs.Fanout(resourceID, now) {
		resp := e.pl.AcquireMessage(ctx)
		resp.SetType(message.NonConfirmable)
		resp.SetCode(code)
		resp.SetToken(obv.Token)
		buf, err := e.encode(resp.Message())
		resp.Release()
		if err == nil {
			_ = e.sock.SendTo(ctx, obv.Remote, buf)
		}
		e.obs.Deregister(resourceID, obv.Remote, obv.Token)
	}
}

// Shutdown drains exchanges, sends RST to every active observer, and stops
// the timer loop (spec §6 "shutdown() drains exchanges, sends RST to
// active observers, closes the socket" — closing the socket itself is left
// to the caller, since Socket is an external collaborator).
func (e *Endpoint) Shutdown(ctx context.Context) error {
	e.closeOnce.Do(func() { close(e.closed) })

	for _, obv := range e.obs.All() {
		rst := message.NewEmptyRST(e.mid.Next())
		if buf, err := encodeMessage(*rst); err == nil {
			_ = e.sock.SendTo(ctx, obv.Remote, buf)
		}
		e.obs.Deregister(obv.ResourceID, obv.Remote, obv.Token)
	}

	e.exch.GC(e.clock.Now().Add(e.cfg.ExchangeLifetime))
	return nil
}

func encodeMessage(m message.Message) ([]byte, error) {
	size, err := coder.DefaultCoder.Size(m)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := coder.DefaultCoder.Encode(m, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
