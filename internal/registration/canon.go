package registration

import (
	"encoding/hex"
	"strings"

	"github.com/breeze-rmm/rpclient/internal/rperrors"
)

// CanonicalizeRegkey implements the critical rule in spec.md 4.D: some
// consoles return the regkey as 8 ASCII hex digits in the first 8 bytes
// of the registkey buffer; others return 4 raw binary bytes. The engine
// must produce the canonical 8-lower-hex form by checking which shape it
// received.
func CanonicalizeRegkey(registkeyBuf []byte) (string, error) {
	if len(registkeyBuf) < 4 {
		return "", rperrors.New(rperrors.Protocol, "registkey buffer shorter than 4 bytes")
	}

	if len(registkeyBuf) >= 8 && isASCIIHex(registkeyBuf[:8]) {
		return strings.ToLower(string(registkeyBuf[:8])), nil
	}

	return hex.EncodeToString(registkeyBuf[:4]), nil
}

func isASCIIHex(b []byte) bool {
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
