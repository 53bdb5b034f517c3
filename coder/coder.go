// Package coder implements the fixed 4-byte-header wire framing for a CoAP
// message over a datagram transport (RFC 7252 §3).
package coder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ncoap-go/ncoap/coaperr"
	"github.com/ncoap-go/ncoap/message"
	"github.com/ncoap-go/ncoap/message/codes"
)

var (
	ErrMessageTruncated      = errors.New("coder: message is truncated")
	ErrMessageInvalidVersion = errors.New("coder: message has invalid version")
)

const coapVersion = 1

// wrapDecodeErr classifies a low-level sentinel into the coaperr.DecodeError
// reason a caller should branch on, preserving the sentinel via Unwrap
// (spec §7: decode failures surface as typed coaperr values).
func wrapDecodeErr(err error) error {
	switch {
	case errors.Is(err, message.ErrMalformedPayloadMarker):
		return coaperr.WrapDecodeError(coaperr.MalformedPayloadMarker, err)
	case errors.Is(err, message.ErrInvalidValueLength),
		errors.Is(err, message.ErrOptionTruncated),
		errors.Is(err, message.ErrOptionUnexpectedExt),
		errors.Is(err, message.ErrOptionNotRepeatable):
		return coaperr.WrapDecodeError(coaperr.BadOptionLength, err)
	case errors.Is(err, message.ErrUnknownCriticalOption):
		return coaperr.WrapDecodeError(coaperr.UnknownCriticalOption, err)
	default:
		return coaperr.WrapDecodeError(coaperr.InvalidHeader, err)
	}
}

// wrapEncodeErr classifies a low-level sentinel into the coaperr.EncodeError
// reason a caller should branch on, preserving the sentinel via Unwrap.
func wrapEncodeErr(err error) error {
	switch {
	case errors.Is(err, message.ErrInvalidTokenLen):
		return coaperr.WrapEncodeError(coaperr.TokenTooLong, err)
	case errors.Is(err, message.ErrTooSmall):
		return coaperr.WrapEncodeError(coaperr.BufferTooSmall, err)
	case errors.Is(err, message.ErrInvalidValueLength):
		return coaperr.WrapEncodeError(coaperr.OptionTooLong, err)
	default:
		return coaperr.WrapEncodeError(coaperr.InvalidField, err)
	}
}

// DefaultCoder is the stateless Coder used by the transport layer; Coder
// has no fields, so one shared instance suffices.
var DefaultCoder = new(Coder)

type Coder struct{}

/*
   0                   1                   2                   3
  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
 |Ver| T |  TKL  |      Code     |          Message ID           |
 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
 |   Token (if any, TKL bytes) ...
 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
 |   Options (if any) ...
 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
 |1 1 1 1 1 1 1 1|    Payload (if any) ...
 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/

// Size returns the encoded size of m, without writing any bytes.
func (c *Coder) Size(m message.Message) (int, error) {
	if len(m.Token) > message.MaxTokenSize {
		return -1, wrapEncodeErr(message.ErrInvalidTokenLen)
	}
	size := 4 + len(m.Token)
	optionsLen, err := m.Options.Marshal(nil)
	if err != nil {
		return -1, wrapEncodeErr(err)
	}
	payloadLen := len(m.Payload)
	if payloadLen > 0 {
		payloadLen++ // 0xFF separator
	}
	size += payloadLen + optionsLen
	return size, nil
}

// Encode writes m into buf, returning the number of bytes written. If buf
// is too small, it returns the required size alongside message.ErrTooSmall.
func (c *Coder) Encode(m message.Message, buf []byte) (int, error) {
	if !message.ValidateMID(m.MessageID) {
		return -1, coaperr.NewInvariantViolation(fmt.Sprintf("coder: invalid MessageID(%v)", m.MessageID))
	}
	if !message.ValidType(m.Type) {
		return -1, coaperr.NewInvariantViolation(fmt.Sprintf("coder: invalid Type(%v)", m.Type))
	}
	size, err := c.Size(m)
	if err != nil {
		return -1, err
	}
	if len(buf) < size {
		return size, wrapEncodeErr(message.ErrTooSmall)
	}

	buf[0] = (coapVersion << 6) | byte(m.Type)<<4 | byte(0xf&len(m.Token))
	buf[1] = byte(m.Code)
	binary.BigEndian.PutUint16(buf[2:4], uint16(m.MessageID))
	buf = buf[4:]

	copy(buf, m.Token)
	buf = buf[len(m.Token):]

	optionsLen, err := m.Options.Marshal(buf)
	if err != nil {
		return -1, wrapEncodeErr(err)
	}
	buf = buf[optionsLen:]

	if len(m.Payload) > 0 {
		buf[0] = 0xff
		buf = buf[1:]
	}
	copy(buf, m.Payload)
	return size, nil
}

// Decode parses data into m, returning the number of bytes consumed (which
// is always len(data) — CoAP-over-UDP frames one message per datagram).
func (c *Coder) Decode(data []byte, m *message.Message) (int, error) {
	size := len(data)
	if size < 4 {
		return -1, wrapDecodeErr(ErrMessageTruncated)
	}
	if data[0]>>6 != coapVersion {
		return -1, wrapDecodeErr(ErrMessageInvalidVersion)
	}

	typ := message.Type((data[0] >> 4) & 0x3)
	tokenLen := int(data[0] & 0xf)
	if tokenLen > message.MaxTokenSize {
		return -1, wrapDecodeErr(message.ErrInvalidTokenLen)
	}

	code := codes.Code(data[1])
	messageID := binary.BigEndian.Uint16(data[2:4])
	data = data[4:]
	if len(data) < tokenLen {
		return -1, wrapDecodeErr(ErrMessageTruncated)
	}
	var token message.Token
	if tokenLen > 0 {
		token = make(message.Token, tokenLen)
		copy(token, data[:tokenLen])
	}
	data = data[tokenLen:]

	var opts message.Options
	proc, err := opts.Unmarshal(data, message.CoapOptionDefs)
	if err != nil {
		return -1, wrapDecodeErr(err)
	}
	data = data[proc:]

	if id, found := opts.UnknownCritical(message.CoapOptionDefs); found {
		return -1, wrapDecodeErr(message.NewUnknownCriticalOptionError(id))
	}
	if err := opts.ValidateCounts(message.CoapOptionDefs); err != nil {
		return -1, wrapDecodeErr(err)
	}

	var payload []byte
	if len(data) > 0 {
		payload = make([]byte, len(data))
		copy(payload, data)
	}

	m.Type = typ
	m.Code = code
	m.MessageID = int32(messageID)
	m.Token = token
	m.Options = opts
	m.Payload = payload
	return size, nil
}
