// Package dispatcher implements the single inbound/outbound routing path
// that ties the reliability engine, exchange table and observe registry
// together (spec §4.6).
package dispatcher

import (
	"context"
	"time"

	"github.com/ncoap-go/ncoap/coaperr"
	"github.com/ncoap-go/ncoap/coder"
	"github.com/ncoap-go/ncoap/exchange"
	"github.com/ncoap-go/ncoap/log"
	"github.com/ncoap-go/ncoap/message"
	"github.com/ncoap-go/ncoap/message/codes"
	"github.com/ncoap-go/ncoap/message/pool"
	"github.com/ncoap-go/ncoap/observe"
	"github.com/ncoap-go/ncoap/reliability"
)

// RequestHandler answers an inbound request. It may take longer than the
// separate-response threshold; the dispatcher arms an empty ACK on its
// behalf in that case (spec §4.3 "Separate response flow").
type RequestHandler func(ctx context.Context, remote string, req *pool.Message) (*pool.Message, error)

// Sender is what the dispatcher needs from the transport to emit frames.
type Sender interface {
	Send(ctx context.Context, remote string, frame []byte) error
}

// Dispatcher is the single point of entry for decoded frames, and the
// single point of exit for outbound ones.
type Dispatcher struct {
	reliability *reliability.Engine
	exchanges   *exchange.Table
	sender      Sender
	pl          *pool.Pool
	logger      log.Logger
	handler     RequestHandler
	mid         *message.MIDGenerator
	observers   *observe.Registry
}

// SetObservers wires the observe registry an inbound RST must cancel the
// matching relation in (spec §4.5 "or upon receipt of RST, the observer is
// removed"). May be left unset for a dispatcher serving no observable
// resources.
func (d *Dispatcher) SetObservers(obs *observe.Registry) {
	d.observers = obs
}

func New(rel *reliability.Engine, exchanges *exchange.Table, sender Sender, pl *pool.Pool, logger log.Logger, handler RequestHandler) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{
		reliability: rel,
		exchanges:   exchanges,
		sender:      sender,
		pl:          pl,
		logger:      logger.Named("dispatcher"),
		handler:     handler,
		mid:         message.NewMIDGenerator(),
	}
}

// HandleInbound decodes and routes one inbound datagram, per spec §4.6's
// routing table. It never panics and never propagates a decode error past
// this call — malformed frames are answered with RST where the wire format
// allows it, and otherwise dropped.
func (d *Dispatcher) HandleInbound(ctx context.Context, remote string, frame []byte) {
	msg := d.pl.AcquireMessage(ctx)
	var raw message.Message
	if _, err := coder.DefaultCoder.Decode(frame, &raw); err != nil {
		d.logger.Debug("decode failed", "remote", remote, "error", err)
		d.replyRSTIfPossible(ctx, remote, frame)
		msg.Release()
		return
	}
	msg.SetMessage(raw)
	d.route(ctx, remote, msg)
}

// replyRSTIfPossible best-effort extracts a message ID from a frame too
// malformed to fully decode, so a CON the peer is waiting on doesn't hang
// forever; anything shorter than the fixed header is simply dropped.
func (d *Dispatcher) replyRSTIfPossible(ctx context.Context, remote string, frame []byte) {
	if len(frame) < 4 {
		return
	}
	mid := int32(uint16(frame[2])<<8 | uint16(frame[3]))
	rst := message.NewEmptyRST(mid)
	buf := make([]byte, 4+len(rst.Token))
	if _, err := coder.DefaultCoder.Encode(*rst, buf); err == nil {
		_ = d.sender.Send(ctx, remote, buf)
	}
}

func (d *Dispatcher) route(ctx context.Context, remote string, msg *pool.Message) {
	switch {
	case msg.Type() == message.Confirmable && msg.Code() == codes.Empty:
		d.handlePing(ctx, remote, msg)
	case msg.Type() == message.Confirmable && codes.IsRequest(msg.Code()):
		d.handleConRequest(ctx, remote, msg)
	case msg.Type() == message.Confirmable && codes.IsResponse(msg.Code()):
		d.handleConResponse(ctx, remote, msg)
	case msg.Type() == message.NonConfirmable && codes.IsRequest(msg.Code()):
		d.deliverToHandler(ctx, remote, msg)
	case msg.Type() == message.NonConfirmable && codes.IsResponse(msg.Code()):
		d.exchanges.Deliver(remote, msg.Token(), msg, time.Now())
	case msg.Type() == message.Acknowledgement && msg.Code() == codes.Empty:
		d.reliability.OnAck(remote, msg.MessageID())
		msg.Release()
	case msg.Type() == message.Acknowledgement:
		d.reliability.OnAck(remote, msg.MessageID())
		d.exchanges.Deliver(remote, msg.Token(), msg, time.Now())
	case msg.Type() == message.Reset:
		// An RST's own token is always empty (RFC 7252 §4.2): it correlates
		// only by message ID, so the token to cancel comes back from the
		// reliability record that was waiting on this (remote, mid).
		tok := d.reliability.OnReset(remote, msg.MessageID())
		if len(tok) > 0 {
			d.exchanges.CancelByToken(remote, tok, coaperr.ErrRejected)
			if d.observers != nil {
				d.observers.DeregisterToken(remote, tok)
			}
		}
		msg.Release()
	default:
		msg.Release()
	}
}

func (d *Dispatcher) handlePing(ctx context.Context, remote string, msg *pool.Message) {
	rst := message.NewEmptyRST(msg.MessageID())
	d.sendRaw(ctx, remote, *rst)
	msg.Release()
}

func (d *Dispatcher) handleConRequest(ctx context.Context, remote string, msg *pool.Message) {
	status, cached := d.reliability.ObserveInbound(remote, msg.MessageID())
	switch status {
	case reliability.DuplicateReplay:
		_ = d.sender.Send(ctx, remote, cached)
		msg.Release()
		return
	case reliability.DuplicateNoReply:
		msg.Release()
		return
	}
	d.deliverToHandler(ctx, remote, msg)
}

func (d *Dispatcher) handleConResponse(ctx context.Context, remote string, msg *pool.Message) {
	status, _ := d.reliability.ObserveInbound(remote, msg.MessageID())
	ack := message.NewEmptyACK(msg.MessageID())
	ackBuf := d.encodeBuf(*ack)
	_ = d.sender.Send(ctx, remote, ackBuf)

	if status != reliability.FirstReceipt {
		msg.Release()
		return
	}
	d.reliability.CacheReply(remote, msg.MessageID(), ackBuf)
	d.exchanges.Deliver(remote, msg.Token(), msg, time.Now())
}

// deliverToHandler runs the registered handler, emitting the piggy-backed
// response if it returns before SeparateResponseThreshold, or an empty ACK
// followed by a fresh separate-response CON if it doesn't (spec §4.3).
// No double emission: exactly one of the two paths fires.
func (d *Dispatcher) deliverToHandler(ctx context.Context, remote string, req *pool.Message) {
	if d.handler == nil {
		req.Release()
		return
	}
	start := time.Now()
	reqMID := req.MessageID()
	reqType := req.Type()
	token := req.Token()

	resultCh := make(chan *pool.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := d.handler(ctx, remote, req)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- resp
	}()

	if reqType != message.Confirmable {
		resp, err := d.awaitHandler(resultCh, errCh)
		req.Release()
		if err != nil || resp == nil {
			return
		}
		resp.SetType(message.NonConfirmable)
		d.sendResponse(ctx, remote, reqMID, resp)
		return
	}

	select {
	case resp := <-resultCh:
		d.emitPiggyBacked(ctx, remote, reqMID, resp)
		req.Release()
	case err := <-errCh:
		d.logger.Error("handler error", "remote", remote, "error", err)
		req.Release()
	case <-time.After(d.separateThresholdOr(start)):
		ack := message.NewEmptyACK(reqMID)
		ackBuf := d.encodeBuf(*ack)
		_ = d.sender.Send(ctx, remote, ackBuf)
		d.reliability.CacheReply(remote, reqMID, ackBuf)
		resp, err := d.awaitHandler(resultCh, errCh)
		if err != nil || resp == nil {
			req.Release()
			return
		}
		resp.SetType(message.Confirmable)
		resp.SetToken(token)
		resp.SetMessageID(d.mid.Next())
		d.sendReliableResponse(ctx, remote, reqMID, resp)
		req.Release()
	}
}

func (d *Dispatcher) separateThresholdOr(start time.Time) time.Duration {
	remaining := d.reliability.SeparateResponseDeadline() - time.Since(start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (d *Dispatcher) awaitHandler(resultCh chan *pool.Message, errCh chan error) (*pool.Message, error) {
	select {
	case resp := <-resultCh:
		return resp, nil
	case err := <-errCh:
		return nil, err
	}
}

func (d *Dispatcher) emitPiggyBacked(ctx context.Context, remote string, mid int32, resp *pool.Message) {
	if resp == nil {
		ack := message.NewEmptyACK(mid)
		buf := d.encodeBuf(*ack)
		_ = d.sender.Send(ctx, remote, buf)
		d.reliability.CacheReply(remote, mid, buf)
		return
	}
	resp.SetType(message.Acknowledgement)
	resp.SetMessageID(mid)
	d.sendResponse(ctx, remote, mid, resp)
}

// sendResponse emits resp and caches the encoded frame under the
// originating request's message ID so a duplicate CON request (retransmit
// of the same reqMID) is answered with the cached reply instead of being
// dropped or re-run through the handler (spec §4.3 "Duplicate idempotence").
func (d *Dispatcher) sendResponse(ctx context.Context, remote string, reqMID int32, resp *pool.Message) {
	buf := d.encodeBuf(resp.Message())
	_ = d.sender.Send(ctx, remote, buf)
	d.reliability.CacheReply(remote, reqMID, buf)
	resp.Release()
}

// sendReliableResponse emits a separate CON response through the
// reliability engine so it is retransmitted until ACKed like any other
// confirmable message (spec §4.2 "a separate response is itself subject
// to the retransmission rules"), and caches it under reqMID for the same
// duplicate-request replay reason as sendResponse.
func (d *Dispatcher) sendReliableResponse(ctx context.Context, remote string, reqMID int32, resp *pool.Message) {
	buf := d.encodeBuf(resp.Message())
	mid := resp.MessageID()
	token := resp.Token()
	resp.Release()
	d.reliability.CacheReply(remote, reqMID, buf)
	if _, err := d.reliability.SendCON(ctx, remote, mid, token, buf); err != nil {
		d.logger.Error("separate response send failed", "remote", remote, "error", err)
	}
}

func (d *Dispatcher) sendRaw(ctx context.Context, remote string, msg message.Message) {
	buf := d.encodeBuf(msg)
	_ = d.sender.Send(ctx, remote, buf)
}

func (d *Dispatcher) encodeBuf(msg message.Message) []byte {
	size, err := coder.DefaultCoder.Size(msg)
	if err != nil {
		return nil
	}
	buf := make([]byte, size)
	if _, err := coder.DefaultCoder.Encode(msg, buf); err != nil {
		return nil
	}
	return buf
}
