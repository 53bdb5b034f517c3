package main

import (
	"context"
	"log"
	"net"
	"os"
	"time"

	"github.com/ncoap-go/ncoap/endpoint"
	"github.com/ncoap-go/ncoap/message/pool"
	"github.com/ncoap-go/ncoap/request"
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
		log.Fatalf("Run %v SERVER_ADDRESS:PORT", os.Args[0])
	}
	serverAddr := os.Args[1]

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	sock := &udpSocket{conn: conn}
	ep := endpoint.New(endpoint.NewConfig(), sock, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sock.serve(ctx, ep)
	go ep.RunTimers(ctx, 100*time.Millisecond)

	pl := pool.New(4)
	req, err := request.NewGet(pl, "coap://"+serverAddr+"/ping")
	if err != nil {
		log.Fatalf("build request: %v", err)
	}

	handle, err := ep.SendRequest(ctx, serverAddr, req)
	if err != nil {
		log.Fatalf("send request: %v", err)
	}

	respCtx, respCancel := context.WithTimeout(ctx, 10*time.Second)
	defer respCancel()
	resp, err := handle.Response(respCtx)
	if err != nil {
		log.Fatalf("no response: %v", err)
	}
	log.Printf("response %v: %s", resp.Code(), resp.Payload())
}
