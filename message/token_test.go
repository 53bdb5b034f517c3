package message_test

import (
	"testing"

	"github.com/ncoap-go/ncoap/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTokenLength(t *testing.T) {
	tok, err := message.GetToken()
	require.NoError(t, err)
	assert.Len(t, tok, message.MaxTokenSize)
}

func TestTokenHashStableForEqualBytes(t *testing.T) {
	a := message.Token{1, 2, 3}
	b := message.Token{1, 2, 3}
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestTokenHashDiffersForDifferentBytes(t *testing.T) {
	a := message.Token{1, 2, 3}
	b := message.Token{1, 2, 4}
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestValidateToken(t *testing.T) {
	assert.True(t, message.ValidateToken(make(message.Token, 8)))
	assert.False(t, message.ValidateToken(make(message.Token, 9)))
}

func TestMIDGeneratorWraps(t *testing.T) {
	g := message.NewMIDGenerator()
	first := g.Next()
	assert.True(t, message.ValidateMID(first))
	for i := 0; i < 70000; i++ {
		g.Next()
	}
	assert.True(t, message.ValidateMID(g.Next()))
}
