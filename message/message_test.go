package message_test

import (
	"testing"

	"github.com/ncoap-go/ncoap/message"
	"github.com/ncoap-go/ncoap/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEmptyRejectsNonEmptyCode(t *testing.T) {
	m := &message.Message{Code: codes.GET}
	err := message.ValidateEmpty(m)
	require.Error(t, err)
}

func TestValidateEmptyRejectsToken(t *testing.T) {
	m := &message.Message{Code: codes.Empty, Token: message.Token{1}}
	err := message.ValidateEmpty(m)
	require.Error(t, err)
}

func TestValidateEmptyAcceptsBareMessage(t *testing.T) {
	m := &message.Message{Code: codes.Empty}
	require.NoError(t, message.ValidateEmpty(m))
}

func TestNewEmptyACK(t *testing.T) {
	m := message.NewEmptyACK(12345)
	assert.Equal(t, message.Acknowledgement, m.Type)
	assert.Equal(t, codes.Empty, m.Code)
	assert.Equal(t, int32(12345), m.MessageID)
	require.NoError(t, message.ValidateEmpty(m))
}

func TestNewEmptyRST(t *testing.T) {
	m := message.NewEmptyRST(200)
	assert.Equal(t, message.Reset, m.Type)
	assert.Equal(t, codes.Empty, m.Code)
	require.NoError(t, message.ValidateEmpty(m))
}
