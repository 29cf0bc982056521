package wire

import (
	"bytes"
	"testing"
)

func TestControlMessageRoundTrip(t *testing.T) {
	msg := ControlMessage{Type: MsgInput, Flags: 0x01, Payload: []byte("controller-state")}

	encoded, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v, want nil", err)
	}

	decoded, err := DecodeControlMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeControlMessage() error = %v, want nil", err)
	}
	if decoded.Type != msg.Type {
		t.Errorf("Type = %v, want %v", decoded.Type, msg.Type)
	}
	if decoded.Flags != msg.Flags {
		t.Errorf("Flags = %v, want %v", decoded.Flags, msg.Flags)
	}
	if !bytes.Equal(decoded.Payload, msg.Payload) {
		t.Errorf("Payload = %q, want %q", decoded.Payload, msg.Payload)
	}
}

func TestControlMessageBangPayloadRoundTrip(t *testing.T) {
	msg := ControlMessage{Type: MsgBang, Payload: BangPayload(12345)}

	encoded, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v, want nil", err)
	}

	decoded, err := DecodeControlMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeControlMessage() error = %v, want nil", err)
	}
	if decoded.Type != MsgBang {
		t.Errorf("Type = %v, want %v", decoded.Type, MsgBang)
	}
	if len(decoded.Payload) != 4 {
		t.Errorf("len(Payload) = %d, want 4", len(decoded.Payload))
	}
}

func TestControlMessageEncodeRejectsOversizedPayload(t *testing.T) {
	msg := ControlMessage{Type: MsgInput, Payload: make([]byte, MaxControlPayloadBytes+1)}
	if _, err := msg.Encode(); err == nil {
		t.Fatal("Encode() error = nil, want error for oversized payload")
	}
}

func TestDecodeControlHeaderRejectsOversizedDeclaration(t *testing.T) {
	header := []byte{byte(MsgInput), 0, 0xFF, 0xFF} // declares 65535 bytes
	if _, _, _, err := DecodeControlHeader(header); err == nil {
		t.Fatal("DecodeControlHeader() error = nil, want error for oversized declaration")
	}
}

func TestDecodeControlHeaderRejectsShortHeader(t *testing.T) {
	if _, _, _, err := DecodeControlHeader([]byte{0x01, 0x00}); err == nil {
		t.Fatal("DecodeControlHeader() error = nil, want error for short header")
	}
}

func TestDecodeControlMessageRejectsLengthMismatch(t *testing.T) {
	header := []byte{byte(MsgInput), 0, 0x00, 0x05} // declares 5, body has 2
	frame := append(header, []byte{1, 2}...)
	if _, err := DecodeControlMessage(frame); err == nil {
		t.Fatal("DecodeControlMessage() error = nil, want error for length mismatch")
	}
}

func TestMessageTypeString(t *testing.T) {
	if got := MsgBang.String(); got != "BANG" {
		t.Errorf("MsgBang.String() = %q, want %q", got, "BANG")
	}
	if got := MsgVersionRsp.String(); got != "VERSION_RSP" {
		t.Errorf("MsgVersionRsp.String() = %q, want %q", got, "VERSION_RSP")
	}
	if got := MessageType(0x99).String(); got != "UNKNOWN" {
		t.Errorf("MessageType(0x99).String() = %q, want %q", got, "UNKNOWN")
	}
}
