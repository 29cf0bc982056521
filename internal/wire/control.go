package wire

import (
	"encoding/binary"

	"github.com/breeze-rmm/rpclient/internal/rperrors"
)

// MessageType tags a ControlMessage frame.
type MessageType uint8

const (
	MsgBang        MessageType = 0x01
	MsgVersionReq  MessageType = 0x02
	MsgVersionRsp  MessageType = 0x03
	MsgInput       MessageType = 0x04
	MsgSessionCtrl MessageType = 0x05
	MsgError       MessageType = 0xFF
)

func (t MessageType) String() string {
	switch t {
	case MsgBang:
		return "BANG"
	case MsgVersionReq:
		return "VERSION_REQ"
	case MsgVersionRsp:
		return "VERSION_RSP"
	case MsgInput:
		return "INPUT"
	case MsgSessionCtrl:
		return "SESSION_CTRL"
	case MsgError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MaxControlPayloadBytes is the hard cap on a ControlMessage payload
// (spec.md 3 ControlMessage, 8 boundary behaviours).
const MaxControlPayloadBytes = 1024

// controlHeaderSize is the fixed {type:u8, flags:u8, payload_size:u16 BE}
// header preceding every control frame.
const controlHeaderSize = 4

// ControlMessage is the tagged-union frame carried over the control plane.
type ControlMessage struct {
	Type    MessageType
	Flags   uint8
	Payload []byte
}

// Encode renders the frame as header + payload. It rejects payloads over
// MaxControlPayloadBytes rather than silently truncating.
func (m ControlMessage) Encode() ([]byte, error) {
	if len(m.Payload) > MaxControlPayloadBytes {
		return nil, rperrors.New(rperrors.Protocol, "control payload exceeds maximum size")
	}

	buf := make([]byte, controlHeaderSize+len(m.Payload))
	buf[0] = byte(m.Type)
	buf[1] = m.Flags
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(m.Payload)))
	copy(buf[controlHeaderSize:], m.Payload)
	return buf, nil
}

// DecodeControlHeader parses the 4-byte header and returns the declared
// type, flags, and payload size without touching the payload bytes. This
// lets a reader size its buffer before allocating, per the "never
// allocate beyond the declared size" rule in spec.md 4.A.
func DecodeControlHeader(header []byte) (MessageType, uint8, uint16, error) {
	if len(header) < controlHeaderSize {
		return 0, 0, 0, rperrors.New(rperrors.Protocol, "short control header")
	}
	size := binary.BigEndian.Uint16(header[2:4])
	if size > MaxControlPayloadBytes {
		return 0, 0, 0, rperrors.New(rperrors.Protocol, "declared payload size exceeds maximum")
	}
	return MessageType(header[0]), header[1], size, nil
}

// DecodeControlMessage parses a full frame (header + payload already
// assembled by the caller, e.g. after a two-stage header-then-body read).
func DecodeControlMessage(frame []byte) (ControlMessage, error) {
	msgType, flags, size, err := DecodeControlHeader(frame)
	if err != nil {
		return ControlMessage{}, err
	}
	body := frame[controlHeaderSize:]
	if len(body) != int(size) {
		return ControlMessage{}, rperrors.New(rperrors.Protocol, "payload length does not match declared size")
	}

	payload := make([]byte, size)
	copy(payload, body)
	return ControlMessage{Type: msgType, Flags: flags, Payload: payload}, nil
}

// BangPayload encodes the BANG keep-alive's 4-byte timestamp payload.
func BangPayload(timestampMs uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, timestampMs)
	return buf
}
