// Package pool provides an allocation-reusing wrapper around message.Message
// for the hot path of encoding/decoding and exchange bookkeeping, where a
// core under load otherwise churns one heap object per received frame.
package pool

import (
	"context"

	"github.com/ncoap-go/ncoap/message"
	"github.com/ncoap-go/ncoap/message/codes"
)

// Message wraps a message.Message with the request-scoped context it
// travels with through the dispatcher and reliability layers, plus the
// bookkeeping needed to return it to its Pool.
type Message struct {
	ctx context.Context
	msg message.Message
	pl  *Pool
}

// NewMessage constructs a standalone Message not tied to any Pool. Callers
// that don't go through a Pool (tests, one-off construction) use this.
func NewMessage(ctx context.Context) *Message {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Message{ctx: ctx}
}

func (m *Message) Context() context.Context { return m.ctx }

func (m *Message) SetContext(ctx context.Context) { m.ctx = ctx }

// Reset clears the wrapped message so the Message can be recycled by a
// Pool; it keeps the underlying Options and Payload slices when they have
// spare capacity.
func (m *Message) Reset() {
	m.msg.Type = message.Unset
	m.msg.Code = codes.Empty
	m.msg.MessageID = 0
	m.msg.Token = m.msg.Token[:0]
	m.msg.Options = m.msg.Options[:0]
	m.msg.Payload = m.msg.Payload[:0]
	m.ctx = context.Background()
}

// Message returns the wrapped message.Message by value.
func (m *Message) Message() message.Message { return m.msg }

// SetMessage overwrites the wrapped message.Message.
func (m *Message) SetMessage(msg message.Message) { m.msg = msg }

func (m *Message) Type() message.Type         { return m.msg.Type }
func (m *Message) SetType(t message.Type)     { m.msg.Type = t }
func (m *Message) MessageID() int32           { return m.msg.MessageID }
func (m *Message) SetMessageID(mid int32)     { m.msg.MessageID = mid }
func (m *Message) Code() codes.Code           { return m.msg.Code }
func (m *Message) SetCode(c codes.Code)       { m.msg.Code = c }
func (m *Message) Token() message.Token       { return m.msg.Token }
func (m *Message) SetToken(t message.Token)   { m.msg.Token = t }
func (m *Message) Payload() []byte            { return m.msg.Payload }
func (m *Message) SetPayload(p []byte)        { m.msg.Payload = p }

func (m *Message) Options() message.Options { return m.msg.Options }

// ResetOptionsTo replaces the option set wholesale, e.g. after decoding a
// frame into a freshly-acquired Message.
func (m *Message) ResetOptionsTo(opts message.Options) { m.msg.Options = opts }

func (m *Message) Path() (string, error) { return m.msg.Options.Path() }

func (m *Message) SetPath(path string) { m.msg.Options = m.msg.Options.SetPath(path) }

func (m *Message) Queries() []string { return m.msg.Options.Queries() }

func (m *Message) ContentFormat() (message.MediaType, error) {
	return m.msg.Options.ContentFormat()
}

func (m *Message) SetContentFormat(cf message.MediaType) {
	m.msg.Options, _ = m.msg.Options.SetUint(message.ContentFormat, uint32(cf))
}

func (m *Message) Observe() (uint32, error) { return m.msg.Options.Observe() }

func (m *Message) SetObserve(seq uint32) {
	m.msg.Options, _ = m.msg.Options.SetUint(message.Observe, seq)
}

func (m *Message) ETag() ([]byte, error) { return m.msg.Options.ETag() }

func (m *Message) SetETag(etag []byte) error {
	opts, err := m.msg.Options.SetOpaque(message.ETag, etag)
	if err != nil {
		return err
	}
	m.msg.Options = opts
	return nil
}

func (m *Message) Accept() []message.MediaType { return m.msg.Options.Accept() }

func (m *Message) SetAccept(cf message.MediaType) {
	m.msg.Options, _ = m.msg.Options.SetUint(message.Accept, uint32(cf))
}

func (m *Message) HasOption(id message.OptionID) bool { return m.msg.Options.Has(id) }

// IsSeparateMessage reports whether this message is a confirmable request,
// the kind of message a separate response can answer (spec §5.1). It does
// not look at whether or when a handler has answered.
func (m *Message) IsSeparateMessage() bool {
	return m.msg.Type == message.Confirmable && codes.IsRequest(m.msg.Code)
}

// Clone makes a deep copy detached from any Pool; mutating the clone never
// affects the original or a recycled buffer underneath it.
func (m *Message) Clone() *Message {
	c := &Message{ctx: m.ctx}
	c.msg.Type = m.msg.Type
	c.msg.Code = m.msg.Code
	c.msg.MessageID = m.msg.MessageID
	c.msg.Token = append(message.Token{}, m.msg.Token...)
	c.msg.Options = m.msg.Options.Clone()
	c.msg.Payload = append([]byte{}, m.msg.Payload...)
	return c
}

func (m *Message) String() string {
	if m == nil {
		return "nil"
	}
	return m.msg.String()
}

// Release returns the Message to the Pool it was acquired from. A
// standalone Message (NewMessage) is a no-op.
func (m *Message) Release() {
	if m.pl != nil {
		m.pl.release(m)
	}
}
