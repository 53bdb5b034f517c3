package observe

import (
	"context"
	"sync"
	"time"

	"github.com/ncoap-go/ncoap/coaperr"
	"github.com/ncoap-go/ncoap/message/pool"
)

// Update is one notification delivered to a client-side Stream, or a
// terminal error once the observation ends.
type Update struct {
	Response *pool.Message
	Err      error
}

// Stream is the client-side update-notification processor for one
// observation: a finite, non-restartable sequence that ends on
// deregister/RST/timeout (spec §9 "Callback-based async" redesign note).
// It is the delivery path behind a persistent exchange.TokenHandle, which
// is why Deliver never blocks: the dispatcher goroutine that calls it must
// not stall behind a slow or absent reader.
type Stream struct {
	mu          sync.Mutex
	ch          chan Update
	lastSeq     uint32
	lastEventAt time.Time
	haveSeq     bool
}

// NewStream builds a Stream with the given delivery buffer size.
func NewStream(buffer int) *Stream {
	return &Stream{ch: make(chan Update, buffer)}
}

// Updates returns the channel of inbound updates; it is closed once the
// observation ends, after which no further receives happen.
func (s *Stream) Updates() <-chan Update { return s.ch }

// Deliver is called by the dispatcher for every response matching this
// observation's exchange. Stale or reordered notifications are discarded
// per the RFC 7641 freshness rule; fresh ones are forwarded. A full buffer
// drops the update rather than block: the next notification supersedes it
// anyway.
func (s *Stream) Deliver(resp *pool.Message, now time.Time) {
	seq, err := resp.Observe()
	if err != nil {
		// a plain response with no Observe option is forwarded as is; the
		// freshness state is left untouched.
		select {
		case s.ch <- Update{Response: resp}:
		default:
		}
		return
	}

	s.mu.Lock()
	if s.haveSeq && !IsFresher(s.lastSeq, seq, s.lastEventAt, now) {
		s.mu.Unlock()
		return
	}
	s.lastSeq = seq
	s.lastEventAt = now
	s.haveSeq = true
	s.mu.Unlock()

	select {
	case s.ch <- Update{Response: resp}:
	default:
	}
}

// End terminates the stream with the given cause, e.g. an
// ObservationCancelledError, and closes the update channel.
func (s *Stream) End(err error) {
	if err != nil {
		select {
		case s.ch <- Update{Err: err}:
		default:
		}
	}
	close(s.ch)
}

// Next is a convenience blocking read, honoring ctx cancellation.
func (s *Stream) Next(ctx context.Context) (*pool.Message, error) {
	select {
	case u, ok := <-s.ch:
		if !ok {
			return nil, coaperr.NewObservationCancelledError(coaperr.Local, "stream closed")
		}
		return u.Response, u.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
