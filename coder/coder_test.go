package coder_test

import (
	"testing"

	"github.com/ncoap-go/ncoap/coaperr"
	"github.com/ncoap-go/ncoap/coder"
	"github.com/ncoap-go/ncoap/message"
	"github.com/ncoap-go/ncoap/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var opts message.Options
	opts = opts.SetPath("/sensors/temp")
	opts, _ = opts.SetUint(message.ContentFormat, uint32(message.AppJSON))

	in := message.Message{
		Type:      message.Confirmable,
		Code:      codes.GET,
		MessageID: 4321,
		Token:     message.Token{1, 2, 3, 4},
		Options:   opts,
		Payload:   []byte(`{"v":1}`),
	}

	size, err := coder.DefaultCoder.Size(in)
	require.NoError(t, err)

	buf := make([]byte, size)
	n, err := coder.DefaultCoder.Encode(in, buf)
	require.NoError(t, err)
	assert.Equal(t, size, n)

	var out message.Message
	_, err = coder.DefaultCoder.Decode(buf[:n], &out)
	require.NoError(t, err)

	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Code, out.Code)
	assert.Equal(t, in.MessageID, out.MessageID)
	assert.Equal(t, in.Token, out.Token)
	assert.Equal(t, in.Payload, out.Payload)
	path, err := out.Options.Path()
	require.NoError(t, err)
	assert.Equal(t, "sensors/temp", path)
}

func TestEncodeBufferTooSmallReportsRequiredSize(t *testing.T) {
	in := message.Message{Type: message.Confirmable, Code: codes.GET, MessageID: 1}
	size, err := coder.DefaultCoder.Encode(in, make([]byte, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, message.ErrTooSmall)
	assert.Equal(t, 4, size)
}

func TestDecodeTruncatedHeader(t *testing.T) {
	var out message.Message
	_, err := coder.DefaultCoder.Decode([]byte{0x40, 0x01}, &out)
	assert.ErrorIs(t, err, coder.ErrMessageTruncated)
}

func TestDecodeInvalidVersion(t *testing.T) {
	var out message.Message
	buf := []byte{0x00, 0x01, 0x00, 0x01}
	_, err := coder.DefaultCoder.Decode(buf, &out)
	assert.ErrorIs(t, err, coder.ErrMessageInvalidVersion)
}

func TestDecodeTruncatedHeaderReturnsTypedDecodeError(t *testing.T) {
	var out message.Message
	_, err := coder.DefaultCoder.Decode([]byte{0x40, 0x01}, &out)
	var decErr *coaperr.DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.ErrorIs(t, decErr, coder.ErrMessageTruncated)
}

func TestDecodeRejectsBarePayloadMarker(t *testing.T) {
	var in message.Message
	in.Type = message.Confirmable
	in.Code = codes.GET
	in.MessageID = 1

	buf := make([]byte, 5)
	n, err := coder.DefaultCoder.Encode(in, buf)
	require.NoError(t, err)

	framed := append(buf[:n], 0xff)
	var out message.Message
	_, err = coder.DefaultCoder.Decode(framed, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, message.ErrMalformedPayloadMarker)

	var decErr *coaperr.DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, coaperr.MalformedPayloadMarker, decErr.Reason)
}

func TestEncodeBufferTooSmallReturnsTypedEncodeError(t *testing.T) {
	in := message.Message{Type: message.Confirmable, Code: codes.GET, MessageID: 1}
	_, err := coder.DefaultCoder.Encode(in, make([]byte, 1))
	var encErr *coaperr.EncodeError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, coaperr.BufferTooSmall, encErr.Reason)
	assert.ErrorIs(t, err, message.ErrTooSmall)
}

func TestDecodeRejectsUnknownCriticalOption(t *testing.T) {
	var in message.Message
	in.Type = message.Confirmable
	in.Code = codes.GET
	in.MessageID = 1
	in.Options = in.Options.Add(message.Option{ID: 9, Value: []byte("x")})

	buf := make([]byte, 32)
	n, err := coder.DefaultCoder.Encode(in, buf)
	require.NoError(t, err)

	var out message.Message
	_, err = coder.DefaultCoder.Decode(buf[:n], &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, message.ErrUnknownCriticalOption)
}
