package message_test

import (
	"strings"
	"testing"

	"github.com/ncoap-go/ncoap/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsSetPathRoundTrip(t *testing.T) {
	var opts message.Options
	opts = opts.SetPath("/path/to/service")
	path, err := opts.Path()
	require.NoError(t, err)
	assert.Equal(t, "path/to/service", path)
}

func TestOptionsSetPathLeadingSlashDropped(t *testing.T) {
	var a, b message.Options
	a = a.SetPath("/a/b")
	b = b.SetPath("a/b")
	assert.Equal(t, a, b)
}

func TestOptionsAddPreservesInsertionOrderWithinID(t *testing.T) {
	var opts message.Options
	opts, _ = opts.AddString(message.URIPath, "one")
	opts, _ = opts.AddString(message.URIPath, "two")
	opts, _ = opts.AddString(message.URIPath, "three")
	vals := opts.Values(message.URIPath)
	require.Len(t, vals, 3)
	assert.Equal(t, "one", string(vals[0]))
	assert.Equal(t, "two", string(vals[1]))
	assert.Equal(t, "three", string(vals[2]))
}

func TestOptionsAscendingOrderRegardlessOfInsertion(t *testing.T) {
	var opts message.Options
	opts, _ = opts.AddString(message.URIPath, "x")
	opts, _ = opts.AddUint(message.ContentFormat, 50)
	opts, _ = opts.AddOpaque(message.ETag, []byte{1, 2})
	for i := 1; i < len(opts); i++ {
		assert.LessOrEqual(t, opts[i-1].ID, opts[i].ID)
	}
}

func TestOptionsSetReplacesAllPriorValues(t *testing.T) {
	var opts message.Options
	opts, _ = opts.AddUint(message.ContentFormat, 1)
	opts, _ = opts.SetUint(message.ContentFormat, 2)
	v, err := opts.GetUint(message.ContentFormat)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), v)
	assert.Len(t, opts.Values(message.ContentFormat), 1)
}

func TestOptionsRemove(t *testing.T) {
	var opts message.Options
	opts, _ = opts.AddString(message.URIPath, "a")
	opts, _ = opts.AddString(message.URIQuery, "b=c")
	opts = opts.Remove(message.URIPath)
	assert.False(t, opts.Has(message.URIPath))
	assert.True(t, opts.Has(message.URIQuery))
}

func TestQueryParamLookup(t *testing.T) {
	var opts message.Options
	opts, _ = opts.AddString(message.URIQuery, "param1=example")
	opts, _ = opts.AddString(message.URIQuery, "flagonly")

	v, ok := opts.QueryParam("param1")
	require.True(t, ok)
	assert.Equal(t, "example", v)

	v, ok = opts.QueryParam("flagonly")
	require.True(t, ok)
	assert.Equal(t, "", v)

	_, ok = opts.QueryParam("missing")
	assert.False(t, ok)
}

func TestEncodeUintMinimalForm(t *testing.T) {
	buf := make([]byte, 4)
	n, err := message.EncodeUint(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = message.EncodeUint(buf, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte(5), buf[0])

	n, err = message.EncodeUint(buf, 300)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, err := message.DecodeUint(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint32(300), v)
}

func TestOptionsMarshalAscendingOrderIgnoresInsertionOrder(t *testing.T) {
	var opts message.Options
	opts, _ = opts.AddUint(message.ContentFormat, 50)
	opts, _ = opts.AddString(message.URIPath, "a")

	buf := make([]byte, 64)
	n, err := opts.Marshal(buf)
	require.NoError(t, err)

	var decoded message.Options
	_, err = decoded.Unmarshal(buf[:n], message.CoapOptionDefs)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, message.URIPath, decoded[0].ID)
	assert.Equal(t, message.ContentFormat, decoded[1].ID)
}

func TestOptionsUnmarshalStopsAtPayloadMarker(t *testing.T) {
	var opts message.Options
	opts, _ = opts.AddString(message.URIPath, "a")
	buf := make([]byte, 64)
	n, _ := opts.Marshal(buf)
	buf[n] = 0xff
	copy(buf[n+1:], []byte("payload"))

	var decoded message.Options
	consumed, err := decoded.Unmarshal(buf[:n+1+len("payload")], message.CoapOptionDefs)
	require.NoError(t, err)
	assert.Equal(t, n+1, consumed)
	assert.Len(t, decoded, 1)
}

func TestUnknownCriticalOptionDetected(t *testing.T) {
	var opts message.Options
	opts = opts.Add(message.Option{ID: 9, Value: []byte("x")}) // odd => critical, unregistered
	id, found := opts.UnknownCritical(message.CoapOptionDefs)
	require.True(t, found)
	assert.Equal(t, message.OptionID(9), id)
}

func TestUnknownElectiveOptionIgnored(t *testing.T) {
	var opts message.Options
	opts = opts.Add(message.Option{ID: 10, Value: []byte("x")}) // even => elective
	_, found := opts.UnknownCritical(message.CoapOptionDefs)
	assert.False(t, found)
}

func TestOptionsUnmarshalRejectsBarePayloadMarker(t *testing.T) {
	var opts message.Options
	_, err := opts.Unmarshal([]byte{0xff}, message.CoapOptionDefs)
	assert.ErrorIs(t, err, message.ErrMalformedPayloadMarker)
}

func TestAddStringRejectsOverLengthValue(t *testing.T) {
	var opts message.Options
	overLong := strings.Repeat("a", 256)
	_, err := opts.AddString(message.URIPath, overLong)
	assert.ErrorIs(t, err, message.ErrInvalidValueLength)
}

func TestAddStringRejectsOverLengthValueWithoutMutating(t *testing.T) {
	var opts message.Options
	opts, _ = opts.AddString(message.URIPath, "kept")
	overLong := strings.Repeat("a", 256)
	next, err := opts.AddString(message.URIPath, overLong)
	assert.ErrorIs(t, err, message.ErrInvalidValueLength)
	assert.Equal(t, opts, next)
}

func TestAddOpaqueRejectsOverLengthValue(t *testing.T) {
	var opts message.Options
	_, err := opts.AddOpaque(message.ETag, make([]byte, 9))
	assert.ErrorIs(t, err, message.ErrInvalidValueLength)
}

func TestMarshalRejectsOverLengthValueInsertedDirectly(t *testing.T) {
	var opts message.Options
	opts = opts.Add(message.Option{ID: message.URIHost, Value: make([]byte, 256)})
	buf := make([]byte, 512)
	_, err := opts.Marshal(buf)
	assert.ErrorIs(t, err, message.ErrInvalidValueLength)
}

func TestValidateCountsRejectsDuplicateNonRepeatable(t *testing.T) {
	var opts message.Options
	opts, _ = opts.AddUint(message.ContentFormat, 1)
	opts = opts.Add(message.Option{ID: message.ContentFormat, Value: []byte{2}})
	err := opts.ValidateCounts(message.CoapOptionDefs)
	assert.ErrorIs(t, err, message.ErrOptionNotRepeatable)
}
