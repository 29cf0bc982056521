// Package credstore implements the opaque key-value credential contract
// (loaded/saved by console IP) and the TTL-memoising cache that sits in
// front of it.
package credstore

import (
	"encoding/base64"
	"encoding/hex"

	"github.com/breeze-rmm/rpclient/internal/rperrors"
	"github.com/breeze-rmm/rpclient/internal/secmem"
	"github.com/breeze-rmm/rpclient/internal/wire"
)

// accountIDB64Len is the length of the base64-encoded account identifier
// as it actually appears on the wire (see internal/config's validate.go
// for the discrepancy this resolves against spec.md's stated figure).
const accountIDB64Len = 12

// ConsoleRegistration is the persistent credential record produced by a
// successful PIN exchange.
type ConsoleRegistration struct {
	ConsoleIP    string
	ConsoleName  string
	Target       wire.Target
	RPKeyType    int
	RegkeyHex8   string
	Morning      *secmem.SecureString
	AccountIDB64 string
	WakeCred     string
	IsValid      bool
	IsRegistered bool
}

// RegkeyRaw4 decodes RegkeyHex8 to its 4 raw bytes.
func (r ConsoleRegistration) RegkeyRaw4() ([4]byte, error) {
	var out [4]byte
	if len(r.RegkeyHex8) != 8 {
		return out, rperrors.New(rperrors.Protocol, "regkey_hex8 must be 8 characters")
	}
	decoded, err := hex.DecodeString(r.RegkeyHex8)
	if err != nil {
		return out, rperrors.Wrap(rperrors.Protocol, "decode regkey_hex8", err)
	}
	copy(out[:], decoded)
	return out, nil
}

// AccountIDLE8 decodes AccountIDB64 to its 8 raw little-endian bytes.
func (r ConsoleRegistration) AccountIDLE8() ([8]byte, error) {
	var out [8]byte
	if len(r.AccountIDB64) != accountIDB64Len {
		return out, rperrors.New(rperrors.Protocol, "account_id_b64 has unexpected length")
	}
	decoded, err := base64.StdEncoding.DecodeString(r.AccountIDB64)
	if err != nil {
		return out, rperrors.Wrap(rperrors.Protocol, "decode account_id_b64", err)
	}
	if len(decoded) != 8 {
		return out, rperrors.New(rperrors.Protocol, "account_id_b64 does not decode to 8 bytes")
	}
	copy(out[:], decoded)
	return out, nil
}

// Validate checks the invariant in spec.md 3: a registered record's
// hex/base64 fields must decode cleanly to their declared raw lengths,
// and morning must be exactly 16 bytes.
func (r ConsoleRegistration) Validate() error {
	if !r.IsRegistered {
		return nil
	}
	if _, err := r.RegkeyRaw4(); err != nil {
		return err
	}
	if _, err := r.AccountIDLE8(); err != nil {
		return err
	}
	if r.Morning == nil || len(r.Morning.Bytes()) != 16 {
		return rperrors.New(rperrors.Protocol, "morning key must be 16 bytes")
	}
	return nil
}

// Store is the opaque load/save/find/delete contract (spec.md 6
// "Credential store (in-process)"). Persistence format is deliberately
// not exposed past this interface.
type Store interface {
	LoadAll() ([]ConsoleRegistration, error)
	Save(record ConsoleRegistration) error
	FindByIP(ip string) (*ConsoleRegistration, bool, error)
	Delete(ip string) error
	IsInitialised() bool
}
