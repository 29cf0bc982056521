package controlplane

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/breeze-rmm/rpclient/internal/wire"
)

func socketPair(t *testing.T) (net.Listener, chan net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v, want nil", err)
	}

	serverCh := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			serverCh <- conn
		}
	}()
	return listener, serverCh
}

func readFrameRaw(t *testing.T, conn net.Conn) wire.ControlMessage {
	t.Helper()
	header := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(conn, header); err != nil {
		t.Fatalf("readFull(header) error = %v, want nil", err)
	}
	msgType, flags, size, err := wire.DecodeControlHeader(header)
	if err != nil {
		t.Fatalf("DecodeControlHeader() error = %v, want nil", err)
	}
	body := make([]byte, size)
	if size > 0 {
		if _, err = readFull(conn, body); err != nil {
			t.Fatalf("readFull(body) error = %v, want nil", err)
		}
	}
	return wire.ControlMessage{Type: msgType, Flags: flags, Payload: body}
}

func writeFrameRaw(t *testing.T, conn net.Conn, msg wire.ControlMessage) {
	t.Helper()
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v, want nil", err)
	}
	if _, err = conn.Write(encoded); err != nil {
		t.Fatalf("Write() error = %v, want nil", err)
	}
}

func TestClientConnectNegotiatesVersion(t *testing.T) {
	listener, serverCh := socketPair(t)
	defer listener.Close()

	c := NewClient(listener.Addr().String(), Callbacks{}, 0, 0)
	defer c.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Connect(context.Background())
	}()

	server := <-serverCh
	defer server.Close()

	req := readFrameRaw(t, server)
	if req.Type != wire.MsgVersionReq {
		t.Fatalf("request type = %v, want %v", req.Type, wire.MsgVersionReq)
	}

	writeFrameRaw(t, server, wire.ControlMessage{Type: wire.MsgVersionRsp, Payload: []byte("rpserver/9.0")})

	if err := <-errCh; err != nil {
		t.Fatalf("Connect() error = %v, want nil", err)
	}
	if got := c.Snapshot().VersionNegotiated; got != "rpserver/9.0" {
		t.Errorf("VersionNegotiated = %q, want %q", got, "rpserver/9.0")
	}
}

func TestClientConnectTimesOutWithoutVersionRsp(t *testing.T) {
	listener, serverCh := socketPair(t)
	defer listener.Close()

	c := NewClient(listener.Addr().String(), Callbacks{}, 0, 0)
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := c.Connect(ctx); err == nil {
		t.Fatal("Connect() error = nil, want timeout error")
	}

	server := <-serverCh
	server.Close()
}

func TestClientQuitCallbackFires(t *testing.T) {
	listener, serverCh := socketPair(t)
	defer listener.Close()

	quitCh := make(chan QuitReason, 1)
	c := NewClient(listener.Addr().String(), Callbacks{
		OnQuit: func(r QuitReason) { quitCh <- r },
	}, 50*time.Millisecond, 5*time.Second)
	defer c.Stop()

	go func() {
		_ = c.Connect(context.Background())
	}()

	server := <-serverCh
	defer server.Close()
	readFrameRaw(t, server)
	writeFrameRaw(t, server, wire.ControlMessage{Type: wire.MsgVersionRsp, Payload: []byte("rpserver/9.0")})

	go c.Run()

	writeFrameRaw(t, server, wire.ControlMessage{Type: wire.MsgSessionCtrl, Payload: []byte(QuitRPInUse)})

	select {
	case reason := <-quitCh:
		if reason != QuitRPInUse {
			t.Errorf("quit reason = %v, want %v", reason, QuitRPInUse)
		}
		if !reason.IsCritical() {
			t.Errorf("IsCritical() = false for %v, want true", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for quit callback")
	}
}

func TestClientSendInputDropsOversizedPayload(t *testing.T) {
	listener, serverCh := socketPair(t)
	defer listener.Close()

	c := NewClient(listener.Addr().String(), Callbacks{}, 50*time.Millisecond, 5*time.Second)
	defer c.Stop()
	c.EnableInput(true)

	go func() {
		_ = c.Connect(context.Background())
	}()
	server := <-serverCh
	defer server.Close()
	readFrameRaw(t, server)
	writeFrameRaw(t, server, wire.ControlMessage{Type: wire.MsgVersionRsp, Payload: []byte("rpserver/9.0")})

	go c.Run()

	c.SendInput(make([]byte, MaxInputPayloadBytes+1))

	c.SendInput([]byte("ok-input"))
	frame := readFrameRaw(t, server)
	if frame.Type != wire.MsgInput {
		t.Errorf("frame type = %v, want %v", frame.Type, wire.MsgInput)
	}
	if string(frame.Payload) != "ok-input" {
		t.Errorf("frame payload = %q, want %q", frame.Payload, "ok-input")
	}
}

func TestClientSendInputIgnoredWhenDisabled(t *testing.T) {
	listener, serverCh := socketPair(t)
	defer listener.Close()

	c := NewClient(listener.Addr().String(), Callbacks{}, 50*time.Millisecond, 5*time.Second)
	defer c.Stop()

	go func() {
		_ = c.Connect(context.Background())
	}()
	server := <-serverCh
	defer server.Close()
	readFrameRaw(t, server)
	writeFrameRaw(t, server, wire.ControlMessage{Type: wire.MsgVersionRsp, Payload: []byte("rpserver/9.0")})

	go c.Run()

	c.SendInput([]byte("should-not-send"))

	server.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	buf := make([]byte, 4)
	if _, err := server.Read(buf); err == nil {
		t.Fatal("Read() error = nil, want timeout since input was disabled")
	}
}

func TestQuitReasonUserMessage(t *testing.T) {
	if !strings.Contains(QuitRPInUse.UserMessage(), "already in use") {
		t.Errorf("UserMessage() = %q, want substring %q", QuitRPInUse.UserMessage(), "already in use")
	}
	if string(QuitNormal) != "NORMAL" {
		t.Errorf("QuitNormal = %q, want %q", string(QuitNormal), "NORMAL")
	}
}
