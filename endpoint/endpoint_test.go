package endpoint_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncoap-go/ncoap/coder"
	"github.com/ncoap-go/ncoap/endpoint"
	"github.com/ncoap-go/ncoap/message"
	"github.com/ncoap-go/ncoap/message/codes"
	"github.com/ncoap-go/ncoap/message/pool"
	"github.com/ncoap-go/ncoap/request"
)

// recordingSocket is a Socket that just captures every frame it's asked to
// send, keyed by remote, so a test can inspect what an endpoint emitted
// without wiring a full loopback pair.
type recordingSocket struct {
	mu   sync.Mutex
	sent []message.Message
}

func (s *recordingSocket) SendTo(_ context.Context, _ string, frame []byte) error {
	var m message.Message
	if _, err := coder.DefaultCoder.Decode(frame, &m); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, m)
	s.mu.Unlock()
	return nil
}

func (s *recordingSocket) snapshot() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Message(nil), s.sent...)
}

func fastConfig() endpoint.Config {
	cfg := endpoint.NewConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.SeparateResponseThreshold = 30 * time.Millisecond
	cfg.ExchangeLifetime = time.Minute
	cfg.MessagePoolSize = 32
	return cfg
}

func loopback(t *testing.T) (*endpoint.Endpoint, *endpoint.Endpoint, context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	clientSock := endpoint.NewMemSocket("client")
	serverSock := endpoint.NewMemSocket("server")
	endpoint.Connect(clientSock, serverSock)

	client := endpoint.New(fastConfig(), clientSock, nil, nil)
	server := endpoint.New(fastConfig(), serverSock, nil, nil)

	go clientSock.Pump(ctx, client)
	go serverSock.Pump(ctx, server)
	go client.RunTimers(ctx, 5*time.Millisecond)
	go server.RunTimers(ctx, 5*time.Millisecond)

	return client, server, ctx, cancel
}

func TestSendRequestReceivesPiggyBackedResponse(t *testing.T) {
	client, server, ctx, cancel := loopback(t)
	defer cancel()

	server.RegisterService("/hello", func(_ context.Context, _ string, req *pool.Message) (*pool.Message, error) {
		resp := pool.New(4).AcquireMessage(nil)
		resp.SetCode(codes.Content)
		resp.SetToken(req.Token())
		resp.SetPayload([]byte("world"))
		return resp, nil
	})

	pl := pool.New(4)
	req, err := request.NewGet(pl, "coap://server/hello")
	require.NoError(t, err)

	handle, err := client.SendRequest(ctx, "server", req)
	require.NoError(t, err)

	respCtx, respCancel := context.WithTimeout(ctx, time.Second)
	defer respCancel()
	resp, err := handle.Response(respCtx)
	require.NoError(t, err)
	assert.Equal(t, codes.Content, resp.Code())
	assert.Equal(t, []byte("world"), resp.Payload())
}

func TestSendRequestReceivesSeparateResponse(t *testing.T) {
	client, server, ctx, cancel := loopback(t)
	defer cancel()

	server.RegisterService("/slow", func(_ context.Context, _ string, req *pool.Message) (*pool.Message, error) {
		time.Sleep(80 * time.Millisecond)
		resp := pool.New(4).AcquireMessage(nil)
		resp.SetCode(codes.Content)
		resp.SetToken(req.Token())
		resp.SetPayload([]byte("late"))
		return resp, nil
	})

	pl := pool.New(4)
	req, err := request.NewGet(pl, "coap://server/slow")
	require.NoError(t, err)

	handle, err := client.SendRequest(ctx, "server", req)
	require.NoError(t, err)

	respCtx, respCancel := context.WithTimeout(ctx, 2*time.Second)
	defer respCancel()
	resp, err := handle.Response(respCtx)
	require.NoError(t, err)
	assert.Equal(t, codes.Content, resp.Code())
	assert.Equal(t, []byte("late"), resp.Payload())
}

func TestUnregisteredPathReturnsNotFound(t *testing.T) {
	client, _, ctx, cancel := loopback(t)
	defer cancel()

	pl := pool.New(4)
	req, err := request.NewGet(pl, "coap://server/missing")
	require.NoError(t, err)

	handle, err := client.SendRequest(ctx, "server", req)
	require.NoError(t, err)

	respCtx, respCancel := context.WithTimeout(ctx, time.Second)
	defer respCancel()
	resp, err := handle.Response(respCtx)
	require.NoError(t, err)
	assert.Equal(t, codes.NotFound, resp.Code())
}

func TestObserveRegistrationReceivesNotification(t *testing.T) {
	client, server, ctx, cancel := loopback(t)
	defer cancel()

	server.RegisterService("/temp", func(_ context.Context, _ string, req *pool.Message) (*pool.Message, error) {
		resp := pool.New(4).AcquireMessage(nil)
		resp.SetCode(codes.Content)
		resp.SetToken(req.Token())
		resp.SetPayload([]byte("20C"))
		return resp, nil
	})

	pl := pool.New(4)
	req, err := request.NewGet(pl, "coap://server/temp")
	require.NoError(t, err)
	req.SetObserve(0)

	handle, err := client.SendRequest(ctx, "server", req)
	require.NoError(t, err)

	respCtx, respCancel := context.WithTimeout(ctx, time.Second)
	defer respCancel()
	resp, err := handle.Response(respCtx)
	require.NoError(t, err)
	assert.Equal(t, codes.Content, resp.Code())
	seq, err := resp.Observe()
	require.NoError(t, err)
	assert.Less(t, seq, uint32(1<<24))

	server.NotifyObservers(ctx, "/temp", codes.Content, message.TextPlain, nil, []byte("21C"))

	notifyCtx, notifyCancel := context.WithTimeout(ctx, time.Second)
	defer notifyCancel()
	update, err := handle.Response(notifyCtx)
	require.NoError(t, err)
	assert.Equal(t, []byte("21C"), update.Payload())
}

func TestShutdownSendsResetToActiveObservers(t *testing.T) {
	sock := &recordingSocket{}
	server := endpoint.New(fastConfig(), sock, nil, nil)

	server.RegisterService("/temp", func(_ context.Context, _ string, req *pool.Message) (*pool.Message, error) {
		resp := pool.New(4).AcquireMessage(nil)
		resp.SetCode(codes.Content)
		resp.SetToken(req.Token())
		resp.SetPayload([]byte("20C"))
		return resp, nil
	})

	pl := pool.New(4)
	req, err := request.NewGet(pl, "coap://server/temp")
	require.NoError(t, err)
	req.SetObserve(0)
	req.SetMessageID(1)
	req.SetType(message.Confirmable)

	size, err := coder.DefaultCoder.Size(req.Message())
	require.NoError(t, err)
	buf := make([]byte, size)
	_, err = coder.DefaultCoder.Encode(req.Message(), buf)
	require.NoError(t, err)

	server.HandleInbound(context.Background(), "client", buf)

	require.Eventually(t, func() bool { return len(sock.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, server.Shutdown(context.Background()))

	sent := sock.snapshot()
	require.Len(t, sent, 2)
	rst := sent[1]
	assert.Equal(t, message.Reset, rst.Type)
	assert.Empty(t, rst.Token)
}

func TestOversizedInboundFrameIsDropped(t *testing.T) {
	sock := &recordingSocket{}
	cfg := fastConfig()
	cfg.MaxMessageSize = 8
	server := endpoint.New(cfg, sock, nil, nil)

	var handlerCalled bool
	server.RegisterService("/hello", func(_ context.Context, _ string, req *pool.Message) (*pool.Message, error) {
		handlerCalled = true
		resp := pool.New(4).AcquireMessage(nil)
		resp.SetCode(codes.Content)
		resp.SetToken(req.Token())
		return resp, nil
	})

	pl := pool.New(4)
	req, err := request.NewGet(pl, "coap://server/hello")
	require.NoError(t, err)
	req.SetMessageID(1)

	size, err := coder.DefaultCoder.Size(req.Message())
	require.NoError(t, err)
	require.Greater(t, size, 8)
	buf := make([]byte, size)
	_, err = coder.DefaultCoder.Encode(req.Message(), buf)
	require.NoError(t, err)

	server.HandleInbound(context.Background(), "client", buf)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, handlerCalled)
	assert.Empty(t, sock.snapshot())
}

func TestSendRequestRejectsPayloadOverMaxPayloadSize(t *testing.T) {
	sock := &recordingSocket{}
	cfg := fastConfig()
	cfg.MaxPayloadSize = 4
	client := endpoint.New(cfg, sock, nil, nil)

	pl := pool.New(4)
	req, err := request.NewPost(pl, "coap://server/big", message.TextPlain, []byte("far too long for the limit"))
	require.NoError(t, err)

	_, err = client.SendRequest(context.Background(), "server", req)
	assert.Error(t, err)
}

func TestNotifyObserversAlternatesConfirmableNotifications(t *testing.T) {
	client, server, ctx, cancel := loopback(t)
	defer cancel()

	server.RegisterService("/temp", func(_ context.Context, _ string, req *pool.Message) (*pool.Message, error) {
		resp := pool.New(4).AcquireMessage(nil)
		resp.SetCode(codes.Content)
		resp.SetToken(req.Token())
		resp.SetPayload([]byte("20C"))
		return resp, nil
	})

	pl := pool.New(4)
	req, err := request.NewGet(pl, "coap://server/temp")
	require.NoError(t, err)
	req.SetObserve(0)

	handle, err := client.SendRequest(ctx, "server", req)
	require.NoError(t, err)

	respCtx, respCancel := context.WithTimeout(ctx, time.Second)
	defer respCancel()
	_, err = handle.Response(respCtx)
	require.NoError(t, err)

	// Notifications 1-3 are NON, the 4th must be sent CON per
	// observeConfirmableInterval, so the client's reliability engine ACKs it.
	for i := 0; i < 4; i++ {
		server.NotifyObservers(ctx, "/temp", codes.Content, message.TextPlain, nil, []byte("update"))
		updCtx, updCancel := context.WithTimeout(ctx, time.Second)
		_, err = handle.Response(updCtx)
		updCancel()
		require.NoError(t, err)
	}
}
