package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/breeze-rmm/rpclient/internal/rperrors"
	"github.com/breeze-rmm/rpclient/internal/session"
)

// udpStreamSource reads one stream-channel datagram per ReadSample call.
// wire.StreamSample rides on a standard RTP packet (internal/wire/stream.go),
// which is always one-packet-per-UDP-datagram, so the feeder's reassembler
// never sees a partial RTP header.
type udpStreamSource struct {
	conn *net.UDPConn
	buf  []byte
}

const maxStreamDatagram = 2048

// dialUDPStream binds an ephemeral local UDP socket and connects it to the
// console's advertised stream port, so ReadSample only ever returns
// datagrams from that console.
func dialUDPStream(ctx context.Context, ip string, port uint16) (session.StreamSource, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, rperrors.Wrap(rperrors.Network, "resolve stream address", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, rperrors.Wrap(rperrors.Network, "dial stream socket", err)
	}
	return &udpStreamSource{conn: conn, buf: make([]byte, maxStreamDatagram)}, nil
}

func (s *udpStreamSource) ReadSample(ctx context.Context) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	s.conn.SetReadDeadline(deadline)

	n, err := s.conn.Read(s.buf)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, rperrors.Wrap(rperrors.Network, "read stream datagram", err)
	}

	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, nil
}

func (s *udpStreamSource) Close() error {
	return s.conn.Close()
}
