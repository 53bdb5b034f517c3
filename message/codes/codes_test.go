package codes_test

import (
	"testing"

	"github.com/ncoap-go/ncoap/message/codes"
	"github.com/stretchr/testify/assert"
)

func TestIsRequest(t *testing.T) {
	assert.True(t, codes.IsRequest(codes.GET))
	assert.True(t, codes.IsRequest(codes.IPATCH))
	assert.False(t, codes.IsRequest(codes.Empty))
	assert.False(t, codes.IsRequest(codes.Content))
}

func TestIsResponse(t *testing.T) {
	assert.True(t, codes.IsResponse(codes.Content))
	assert.True(t, codes.IsResponse(codes.BadRequest))
	assert.True(t, codes.IsResponse(codes.InternalServerError))
	assert.False(t, codes.IsResponse(codes.GET))
	assert.False(t, codes.IsResponse(codes.Empty))
}

func TestIsError(t *testing.T) {
	assert.True(t, codes.IsError(codes.NotFound))
	assert.True(t, codes.IsError(codes.InternalServerError))
	assert.False(t, codes.IsError(codes.Content))
}

func TestString(t *testing.T) {
	assert.Equal(t, "GET", codes.GET.String())
	assert.Equal(t, "Content", codes.Content.String())
	assert.Equal(t, "Code(17)", codes.Code(17).String())
}
