// Package request builds CoAP request messages and decomposes/recomposes
// their target URI, following the construction rules of RFC 7252 §6.4.
package request

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ncoap-go/ncoap/coaperr"
	"github.com/ncoap-go/ncoap/message"
	"github.com/ncoap-go/ncoap/message/codes"
	"github.com/ncoap-go/ncoap/message/pool"
)

const (
	defaultURIPort = 5683
	defaultScheme  = "coap"
)

// newCommon allocates a request message from pl, fills in a fresh random
// token and the given code, and returns it ready for the caller to set the
// target URI and payload. Rejects a type/code combination that isn't a
// legal request, mirroring the original implementation's CoapRequest
// constructor (only CON/NON carry a request code).
func newCommon(pl *pool.Pool, typ message.Type, code codes.Code) (*pool.Message, error) {
	if typ != message.Confirmable && typ != message.NonConfirmable {
		return nil, coaperr.NewInvariantViolation(fmt.Sprintf("request: message type %v is not suitable for requests (only CON and NON)", typ))
	}
	if !codes.IsRequest(code) {
		return nil, coaperr.NewInvariantViolation(fmt.Sprintf("request: code %v is not a request code", code))
	}
	token, err := message.GetToken()
	if err != nil {
		return nil, fmt.Errorf("request: cannot get token: %w", err)
	}
	req := pl.AcquireMessage(nil)
	req.SetType(typ)
	req.SetCode(code)
	req.SetToken(token)
	return req, nil
}

// New builds a request for code against a target URI, setting Uri-Host,
// Uri-Port, Uri-Path and Uri-Query from the URI's components (spec §4.2
// "target-URI decomposition", grounded on setTargetUriOptions).
func New(pl *pool.Pool, typ message.Type, code codes.Code, targetURI string) (*pool.Message, error) {
	req, err := newCommon(pl, typ, code)
	if err != nil {
		return nil, err
	}
	if err := SetTargetURI(req, targetURI); err != nil {
		req.Release()
		return nil, err
	}
	return req, nil
}

// NewGet builds a CON GET request.
func NewGet(pl *pool.Pool, targetURI string) (*pool.Message, error) {
	return New(pl, message.Confirmable, codes.GET, targetURI)
}

// NewPost builds a CON POST request with the given content format and
// payload.
func NewPost(pl *pool.Pool, targetURI string, cf message.MediaType, payload []byte) (*pool.Message, error) {
	req, err := New(pl, message.Confirmable, codes.POST, targetURI)
	if err != nil {
		return nil, err
	}
	req.SetContentFormat(cf)
	req.SetPayload(payload)
	return req, nil
}

// NewPut builds a CON PUT request with the given content format and payload.
func NewPut(pl *pool.Pool, targetURI string, cf message.MediaType, payload []byte) (*pool.Message, error) {
	req, err := New(pl, message.Confirmable, codes.PUT, targetURI)
	if err != nil {
		return nil, err
	}
	req.SetContentFormat(cf)
	req.SetPayload(payload)
	return req, nil
}

// NewDelete builds a CON DELETE request.
func NewDelete(pl *pool.Pool, targetURI string) (*pool.Message, error) {
	return New(pl, message.Confirmable, codes.DELETE, targetURI)
}

// SetTargetURI decomposes targetURI into Uri-Host/Uri-Port/Uri-Path/Uri-Query
// options on req, replacing whatever was already set. The scheme must be
// "coap"; a URI with a fragment is rejected (RFC 7252 §6.4 steps 1-2).
// Uri-Host is omitted when the URI's host is a literal IP address, since
// that literal is already the message destination (RFC 7252 §6.4 step 3;
// grounded on the original implementation's isDefaultValue(URI_HOST, ...)
// check). All options are staged locally and committed in a single
// ResetOptionsTo call, so a length violation partway through leaves req
// untouched.
func SetTargetURI(req *pool.Message, targetURI string) error {
	u, err := url.Parse(targetURI)
	if err != nil {
		return coaperr.NewInvariantViolation("request: invalid target URI: " + err.Error())
	}
	if u.Scheme != defaultScheme {
		return coaperr.NewInvariantViolation("request: target URI scheme must be coap")
	}
	if u.Fragment != "" {
		return coaperr.NewInvariantViolation("request: target URI must not carry a fragment")
	}

	opts := req.Options().Clone()

	opts = opts.Remove(message.URIHost)
	if host := u.Hostname(); host != "" && net.ParseIP(host) == nil {
		if opts, err = opts.SetString(message.URIHost, host); err != nil {
			return err
		}
	}

	opts = opts.Remove(message.URIPort)
	if portStr := u.Port(); portStr != "" {
		var port uint32
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return coaperr.NewInvariantViolation("request: invalid target URI port")
		}
		if port != defaultURIPort {
			if opts, err = opts.SetUint(message.URIPort, port); err != nil {
				return err
			}
		}
	}

	opts = opts.SetPath(u.EscapedPath())

	opts = opts.Remove(message.URIQuery)
	if u.RawQuery != "" {
		for _, q := range strings.Split(u.RawQuery, "&") {
			if q == "" {
				continue
			}
			if opts, err = opts.AddString(message.URIQuery, q); err != nil {
				return err
			}
		}
	}

	req.ResetOptionsTo(opts)
	return nil
}

// SetProxyURI sets the absolute Proxy-Uri option, used to route a request
// through a forward proxy (RFC 7252 §5.10.2) instead of decomposed Uri-*
// options.
func SetProxyURI(req *pool.Message, proxyURI string) error {
	u, err := url.Parse(proxyURI)
	if err != nil {
		return coaperr.NewInvariantViolation("request: invalid proxy URI: " + err.Error())
	}
	if !u.IsAbs() {
		return coaperr.NewInvariantViolation("request: proxy URI must be absolute")
	}
	opts, err := req.Options().SetString(message.ProxyURI, proxyURI)
	if err != nil {
		return err
	}
	req.ResetOptionsTo(opts)
	return nil
}

// IsObservationRequest reports whether req carries an Observe option set to
// the registration value 0 (spec §5 "Client-side observe processor").
func IsObservationRequest(req *pool.Message) bool {
	seq, err := req.Observe()
	return err == nil && seq == 0
}

// QueryParam looks up a Uri-Query parameter by key (spec §4.2
// "Query-parameter lookup").
func QueryParam(req *pool.Message, key string) (string, bool) {
	return req.Options().QueryParam(key)
}
