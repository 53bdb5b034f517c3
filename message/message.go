package message

import (
	"fmt"

	"github.com/ncoap-go/ncoap/message/codes"
)

// Message is the in-memory representation of a CoAP frame (spec §3): a
// tagged record carrying the fixed version, a type, a code, a message ID,
// a token, an option multimap, and a payload.
type Message struct {
	Type      Type
	Code      codes.Code
	MessageID int32
	Token     Token
	Options   Options
	Payload   []byte
}

func (m *Message) String() string {
	if m == nil {
		return "nil"
	}
	s := fmt.Sprintf("%s %s", m.Type, m.Code)
	if len(m.Token) > 0 {
		s += fmt.Sprintf(" Token:%s", m.Token)
	}
	if ValidateMID(m.MessageID) {
		s += fmt.Sprintf(" MID:%d", m.MessageID)
	}
	if path, err := m.Options.Path(); err == nil && path != "" {
		s += fmt.Sprintf(" Path:/%s", path)
	}
	if len(m.Payload) > 0 {
		s += fmt.Sprintf(" PayloadLen:%d", len(m.Payload))
	}
	return s
}

// IsEmpty reports whether Code is 0.00.
func (m *Message) IsEmpty() bool {
	return m.Code == codes.Empty
}

// ValidateEmpty enforces spec §3's empty-message invariant: a message
// with code 0.00 has zero-length token, no options, and no payload.
func ValidateEmpty(m *Message) error {
	if m.Code != codes.Empty {
		return NewInvariant("empty message must use code 0.00")
	}
	if len(m.Token) != 0 {
		return NewInvariant("empty message must have a zero-length token")
	}
	if len(m.Options) != 0 {
		return NewInvariant("empty message must carry no options")
	}
	if len(m.Payload) != 0 {
		return NewInvariant("empty message must carry no payload")
	}
	return nil
}

// NewEmptyACK builds the empty acknowledgement for an inbound CON message,
// either as the separate-response placeholder for a request or as the
// acknowledgement of a CON response (spec §4.2 create_empty_ack). Pings are
// answered with NewEmptyRST instead.
func NewEmptyACK(messageID int32) *Message {
	return &Message{Type: Acknowledgement, Code: codes.Empty, MessageID: messageID}
}

// NewEmptyRST builds an empty reset, used to reject a ping or to answer a
// reply that arrives for an exchange that no longer exists (spec §4.2
// create_empty_rst).
func NewEmptyRST(messageID int32) *Message {
	return &Message{Type: Reset, Code: codes.Empty, MessageID: messageID}
}

// InvariantError reports a violated message-construction invariant (spec
// §7 InvariantViolation).
type InvariantError struct{ Detail string }

func (e *InvariantError) Error() string { return "message: " + e.Detail }

// NewInvariant constructs an InvariantError.
func NewInvariant(detail string) *InvariantError { return &InvariantError{Detail: detail} }
