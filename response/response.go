// Package response builds CoAP response messages, including error
// responses and the Location-* URI produced by a successful resource
// creation (RFC 7252 §5.8.1, §5.9.1.1).
package response

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ncoap-go/ncoap/coaperr"
	"github.com/ncoap-go/ncoap/message"
	"github.com/ncoap-go/ncoap/message/codes"
	"github.com/ncoap-go/ncoap/message/pool"
)

// observeSequenceModulus bounds the Observe option to its 24-bit wire
// representation (RFC 7641 §3.4).
const observeSequenceModulus = 1 << 24

// New builds a response of the given type and code, echoing token on the
// pool pl. typ must be CON, NON or ACK (a piggy-backed response; the
// dispatcher may still turn a CON into an ACK before sending) and code must
// be a response code, mirroring the original implementation's CoapResponse
// constructor.
func New(pl *pool.Pool, typ message.Type, code codes.Code, token message.Token) (*pool.Message, error) {
	if typ != message.Confirmable && typ != message.NonConfirmable && typ != message.Acknowledgement {
		return nil, coaperr.NewInvariantViolation(fmt.Sprintf("response: message type %v is not suitable for responses (only CON, NON and ACK)", typ))
	}
	if !codes.IsResponse(code) {
		return nil, coaperr.NewInvariantViolation(fmt.Sprintf("response: code %v is not a response code", code))
	}
	resp := pl.AcquireMessage(nil)
	resp.SetType(typ)
	resp.SetCode(code)
	resp.SetToken(token)
	return resp, nil
}

// NewError builds an error response: code must be a 4.xx or 5.xx code, and
// the given reason is carried as a UTF-8 text/plain payload (spec §4.4
// "create_error_response").
func NewError(pl *pool.Pool, typ message.Type, code codes.Code, token message.Token, reason string) (*pool.Message, error) {
	if !codes.IsError(code) {
		return nil, coaperr.NewInvariantViolation("response: error response code must be 4.xx or 5.xx")
	}
	resp, err := New(pl, typ, code, token)
	if err != nil {
		return nil, err
	}
	resp.SetContentFormat(message.TextPlain)
	resp.SetPayload([]byte(reason))
	return resp, nil
}

// SetDefaultObserve seeds the Observe option with a sequence number derived
// from the current time, the same default the original ncoap
// implementation uses when an application doesn't supply its own sequence
// (System.currentTimeMillis() % 2^24).
func SetDefaultObserve(resp *pool.Message, now time.Time) {
	resp.SetObserve(uint32(now.UnixMilli()) % observeSequenceModulus)
}

// IsUpdateNotification reports whether resp carries an Observe option,
// i.e. it is a notification for an established observation rather than a
// plain response.
func IsUpdateNotification(resp *pool.Message) bool {
	return resp.HasOption(message.Observe)
}

// SetLocation sets Location-Path and Location-Query from a relative URI
// reference, used to point a client at a newly created resource (RFC 7252
// §5.8.1). Any previously-set Location-* options are replaced; on error,
// neither option set is touched.
func SetLocation(resp *pool.Message, locationURI string) error {
	u, err := url.Parse(locationURI)
	if err != nil {
		return coaperr.NewInvariantViolation("response: invalid location URI: " + err.Error())
	}

	opts := resp.Options().Clone().Remove(message.LocationPath)
	path := u.EscapedPath()
	if path != "" {
		if path[0] == '/' {
			path = path[1:]
		}
		for _, seg := range strings.Split(path, "/") {
			if opts, err = opts.AddString(message.LocationPath, seg); err != nil {
				return err
			}
		}
	}

	opts = opts.Remove(message.LocationQuery)
	if u.RawQuery != "" {
		for _, q := range strings.Split(u.RawQuery, "&") {
			if q == "" {
				continue
			}
			if opts, err = opts.AddString(message.LocationQuery, q); err != nil {
				return err
			}
		}
	}

	resp.ResetOptionsTo(opts)
	return nil
}

// Location reconstructs the Location-* options into a relative URI
// reference.
func Location(resp *pool.Message) (string, error) {
	path, err := resp.Options().PathOf(message.LocationPath)
	if err != nil {
		return "", err
	}
	queries := locationQueries(resp)

	var b strings.Builder
	b.WriteByte('/')
	b.WriteString(path)
	if len(queries) > 0 {
		b.WriteByte('?')
		b.WriteString(strings.Join(queries, "&"))
	}
	return b.String(), nil
}

func locationQueries(resp *pool.Message) []string {
	vals := resp.Options().Values(message.LocationQuery)
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

// SetETag sets a single ETag option; code is left to the caller since ETag
// is valid on both 2.xx and 2.03-style responses.
func SetETag(resp *pool.Message, etag []byte) error {
	return resp.SetETag(etag)
}
