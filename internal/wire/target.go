// Package wire implements the stateless encoders/decoders for every fixed
// layout on the wire: discovery request/response, session-init HTTP
// headers, control frames, and stream sample headers.
package wire

import "fmt"

// Target is the closed variant distinguishing console generations. Per
// spec.md 9 "Dynamic field widths / polymorphism over console targets":
// modeled as a closed variant with per-variant constants, no inheritance.
type Target int

const (
	TargetPS4V1 Target = iota
	TargetPS5V1
	TargetPS5Future
)

// targetInfo is the per-variant constant lookup table.
type targetInfo struct {
	wakePort        int
	requestPort     int
	protocolVersion string
	sessionInitPath string
	defaultHostPort int
}

var targetTable = map[Target]targetInfo{
	TargetPS4V1: {
		wakePort:        987,
		requestPort:     987,
		protocolVersion: "00020020",
		sessionInitPath: "/sie/ps4/rp/sess/init",
		defaultHostPort: 9295,
	},
	TargetPS5V1: {
		wakePort:        9302,
		requestPort:     9302,
		protocolVersion: "00030010",
		sessionInitPath: "/sie/ps5/rp/sess/init",
		defaultHostPort: 9295,
	},
	TargetPS5Future: {
		wakePort:        9302,
		requestPort:     9302,
		protocolVersion: "00030011",
		sessionInitPath: "/sie/ps5/rp/sess/init2",
		defaultHostPort: 9295,
	},
}

// WakePort returns the UDP port wake datagrams are sent to for this target.
func (t Target) WakePort() int {
	return targetTable[t].wakePort
}

// RequestPort returns the UDP discovery request port for this target.
func (t Target) RequestPort() int {
	return targetTable[t].requestPort
}

// ProtocolVersion returns the exact discovery protocol-version line.
func (t Target) ProtocolVersion() string {
	return targetTable[t].protocolVersion
}

// SessionInitPath returns the HTTP path for the session-init POST.
func (t Target) SessionInitPath() string {
	return targetTable[t].sessionInitPath
}

// DefaultHostRequestPort is the fallback port used when discovery has not
// advertised a host-request-port.
func (t Target) DefaultHostRequestPort() int {
	return targetTable[t].defaultHostPort
}

func (t Target) String() string {
	switch t {
	case TargetPS4V1:
		return "PS4v1"
	case TargetPS5V1:
		return "PS5v1"
	case TargetPS5Future:
		return "PS5future"
	default:
		return fmt.Sprintf("Target(%d)", int(t))
	}
}

// TargetFromProtocolVersion maps a discovery protocol-version string back
// to its Target, for parsing advertisements whose origin target is not
// otherwise known.
func TargetFromProtocolVersion(version string) (Target, bool) {
	for t, info := range targetTable {
		if info.protocolVersion == version {
			return t, true
		}
	}
	return 0, false
}
