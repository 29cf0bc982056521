package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// UDPDialer is the real net.UDPConn-backed Dialer implementation.
type UDPDialer struct{}

// NewUDPDialer constructs the production transport.
func NewUDPDialer() *UDPDialer {
	return &UDPDialer{}
}

// SendTo fires a single datagram and does not wait for a reply (used for
// wake, which is fire-and-forget).
func (UDPDialer) SendTo(ctx context.Context, ip string, port int, payload []byte) error {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	_, err = conn.Write(payload)
	return err
}

// Probe sends payload and waits up to readTimeout for a single reply
// datagram.
func (UDPDialer) Probe(ctx context.Context, ip string, port int, payload []byte, readTimeout time.Duration) ([]byte, error) {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok && deadline.Before(time.Now().Add(readTimeout)) {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(readTimeout))
	}

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("write probe: %w", err)
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read probe response: %w", err)
	}
	return buf[:n], nil
}

// broadcastReplyWindow bounds how long a single broadcast round listens for
// advertisements after sending, mirroring Probe's fixed per-probe timeout.
const broadcastReplyWindow = 2 * time.Second

// UDPBroadcaster sends a discovery probe to every IPv4 broadcast-capable
// interface on the host and collects replies on a single shared socket,
// since consoles answer a broadcast SRCH with a unicast reply to the
// sender's ephemeral port rather than a further broadcast.
type UDPBroadcaster struct{}

// NewUDPBroadcaster constructs the production broadcast transport.
func NewUDPBroadcaster() *UDPBroadcaster {
	return &UDPBroadcaster{}
}

// Broadcast implements BroadcastTransport.
func (UDPBroadcaster) Broadcast(ctx context.Context, port int, payload []byte, onReply func(from string, data []byte)) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return fmt.Errorf("open broadcast socket: %w", err)
	}
	defer conn.Close()

	if err := enableBroadcast(conn); err != nil {
		return fmt.Errorf("enable SO_BROADCAST: %w", err)
	}

	dests, err := broadcastAddresses()
	if err != nil {
		return fmt.Errorf("enumerate broadcast interfaces: %w", err)
	}
	if len(dests) == 0 {
		dests = []net.IP{net.IPv4bcast}
	}

	for _, ip := range dests {
		if _, err := conn.WriteToUDP(payload, &net.UDPAddr{IP: ip, Port: port}); err != nil {
			log.Warn("broadcast send failed", "addr", ip.String(), "port", port, "error", err)
		}
	}

	deadline := time.Now().Add(broadcastReplyWindow)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	buf := make([]byte, 2048)
	for {
		conn.SetReadDeadline(deadline)
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil
			}
			return fmt.Errorf("read broadcast reply: %w", err)
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		onReply(from.IP.String(), data)
	}
}

// enableBroadcast sets SO_BROADCAST on conn; without it, sending to a
// broadcast address fails with EACCES on most platforms.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// broadcastAddresses returns the directed-broadcast address of every up,
// non-loopback, IPv4-broadcast-capable interface (spec.md 2 "UDP
// broadcaster"), so a multi-homed host probes every LAN segment it is
// attached to rather than just the default route's interface.
func broadcastAddresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []net.IP
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ifi.Flags&net.FlagBroadcast == 0 {
			continue
		}

		addrs, err := ifi.Addrs()
		if err != nil {
			log.Warn("failed to read interface addresses", "interface", ifi.Name, "error", err)
			continue
		}

		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipNet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			bcast := make(net.IP, len(ip4))
			for i := range ip4 {
				bcast[i] = ip4[i] | ^mask[i]
			}
			out = append(out, bcast)
		}
	}
	return out, nil
}
