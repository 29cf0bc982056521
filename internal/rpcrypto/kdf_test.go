package rpcrypto

import (
	"bytes"
	"testing"
)

func TestDeriveSessionKeysDeterministic(t *testing.T) {
	var morning [MorningKeySize]byte
	for i := range morning {
		morning[i] = byte(i)
	}
	nonceClient := []byte{1, 2, 3, 4}
	nonceServer := []byte{5, 6, 7, 8}

	a, err := DeriveSessionKeys(morning, nonceClient, nonceServer)
	if err != nil {
		t.Fatalf("DeriveSessionKeys() error = %v, want nil", err)
	}
	b, err := DeriveSessionKeys(morning, nonceClient, nonceServer)
	if err != nil {
		t.Fatalf("DeriveSessionKeys() error = %v, want nil", err)
	}

	if !bytes.Equal(a.KeyControl, b.KeyControl) {
		t.Error("KeyControl differs across deterministic derivations")
	}
	if !bytes.Equal(a.KeyStream, b.KeyStream) {
		t.Error("KeyStream differs across deterministic derivations")
	}
	if !bytes.Equal(a.IVClient, b.IVClient) {
		t.Error("IVClient differs across deterministic derivations")
	}
	if !bytes.Equal(a.IVServer, b.IVServer) {
		t.Error("IVServer differs across deterministic derivations")
	}

	if bytes.Equal(a.KeyControl, a.KeyStream) {
		t.Error("KeyControl == KeyStream, want distinct keys")
	}
	if bytes.Equal(a.IVClient, a.IVServer) {
		t.Error("IVClient == IVServer, want distinct ivs")
	}
}

func TestDeriveSessionKeysDiffersByNonce(t *testing.T) {
	var morning [MorningKeySize]byte

	a, err := DeriveSessionKeys(morning, []byte{1}, []byte{2})
	if err != nil {
		t.Fatalf("DeriveSessionKeys() error = %v, want nil", err)
	}
	b, err := DeriveSessionKeys(morning, []byte{3}, []byte{4})
	if err != nil {
		t.Fatalf("DeriveSessionKeys() error = %v, want nil", err)
	}

	if bytes.Equal(a.KeyControl, b.KeyControl) {
		t.Error("KeyControl matches across different nonces, want distinct")
	}
}

func TestDeriveSessionKeysRejectsEmptyNonce(t *testing.T) {
	var morning [MorningKeySize]byte
	if _, err := DeriveSessionKeys(morning, nil, []byte{1}); err == nil {
		t.Fatal("DeriveSessionKeys() error = nil, want error for empty nonce")
	}
}
