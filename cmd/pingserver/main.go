package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/ncoap-go/ncoap/endpoint"
	"github.com/ncoap-go/ncoap/message"
	"github.com/ncoap-go/ncoap/message/codes"
	"github.com/ncoap-go/ncoap/message/pool"
)

// udpSocket adapts a net.UDPConn to endpoint.Socket.
type udpSocket struct {
	conn *net.UDPConn
}

func (s *udpSocket) SendTo(_ context.Context, remote string, frame []byte) error {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteTo(frame, addr)
	return err
}

func (s *udpSocket) serve(ctx context.Context, ep *endpoint.Endpoint) {
	buf := make([]byte, 1500)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("read error: %v", err)
			continue
		}
		frame := append([]byte(nil), buf[:n]...)
		ep.HandleInbound(ctx, addr.String(), frame)
	}
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Run %v LISTEN_ADDRESS:PORT", os.Args[0])
	}

	laddr, err := net.ResolveUDPAddr("udp", os.Args[1])
	if err != nil {
		log.Fatalf("resolve address: %v", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	sock := &udpSocket{conn: conn}
	ep := endpoint.New(endpoint.NewConfig(), sock, nil, nil)

	ep.RegisterService("/ping", func(_ context.Context, remote string, req *pool.Message) (*pool.Message, error) {
		log.Printf("ping from %s", remote)
		resp := pool.New(8).AcquireMessage(nil)
		resp.SetCode(codes.Content)
		resp.SetToken(req.Token())
		resp.SetContentFormat(message.TextPlain)
		resp.SetPayload([]byte("pong"))
		return resp, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sock.serve(ctx, ep)
	go ep.RunTimers(ctx, 100*time.Millisecond)

	log.Printf("listening on %s", laddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	cancel()
	_ = ep.Shutdown(context.Background())
}
