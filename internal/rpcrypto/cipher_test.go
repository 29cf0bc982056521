package rpcrypto

import (
	"bytes"
	"testing"
)

func testKeys(t *testing.T) SessionKeys {
	t.Helper()
	var morning [MorningKeySize]byte
	for i := range morning {
		morning[i] = byte(i + 1)
	}
	keys, err := DeriveSessionKeys(morning, []byte{9, 9, 9}, []byte{8, 8, 8})
	if err != nil {
		t.Fatalf("DeriveSessionKeys() error = %v, want nil", err)
	}
	return keys
}

func TestCipherEncryptDecryptRoundTrip(t *testing.T) {
	keys := testKeys(t)
	sender, err := NewCipher(keys.KeyControl, keys.IVClient)
	if err != nil {
		t.Fatalf("NewCipher() error = %v, want nil", err)
	}
	receiver, err := NewCipher(keys.KeyControl, keys.IVClient)
	if err != nil {
		t.Fatalf("NewCipher() error = %v, want nil", err)
	}

	ciphertext, err := sender.Encrypt(StreamControl, 1, []byte("VERSION_REQ"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v, want nil", err)
	}

	plaintext, err := receiver.Decrypt(StreamControl, 1, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v, want nil", err)
	}
	if !bytes.Equal(plaintext, []byte("VERSION_REQ")) {
		t.Errorf("Decrypt() = %q, want %q", plaintext, "VERSION_REQ")
	}
}

func TestCipherRejectsCounterReuse(t *testing.T) {
	keys := testKeys(t)
	c, err := NewCipher(keys.KeyControl, keys.IVClient)
	if err != nil {
		t.Fatalf("NewCipher() error = %v, want nil", err)
	}

	if _, err = c.Encrypt(StreamControl, 5, []byte("a")); err != nil {
		t.Fatalf("Encrypt(counter=5) error = %v, want nil", err)
	}

	if _, err = c.Encrypt(StreamControl, 5, []byte("b")); err == nil {
		t.Fatal("Encrypt(counter=5 again) error = nil, want error on reuse")
	}

	if _, err = c.Encrypt(StreamControl, 4, []byte("c")); err == nil {
		t.Fatal("Encrypt(counter=4) error = nil, want error on regression")
	}

	if _, err = c.Encrypt(StreamControl, 6, []byte("d")); err != nil {
		t.Fatalf("Encrypt(counter=6) error = %v, want nil", err)
	}
}

func TestCipherDecryptFailsOnTamperedCiphertext(t *testing.T) {
	keys := testKeys(t)
	sender, err := NewCipher(keys.KeyControl, keys.IVClient)
	if err != nil {
		t.Fatalf("NewCipher() error = %v, want nil", err)
	}
	receiver, err := NewCipher(keys.KeyControl, keys.IVClient)
	if err != nil {
		t.Fatalf("NewCipher() error = %v, want nil", err)
	}

	ciphertext, err := sender.Encrypt(StreamMedia, 1, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v, want nil", err)
	}
	ciphertext[0] ^= 0xFF

	if _, err = receiver.Decrypt(StreamMedia, 1, ciphertext); err == nil {
		t.Fatal("Decrypt() error = nil, want error on tampered ciphertext")
	}
}

func TestCipherDistinctStreamsDoNotCollide(t *testing.T) {
	keys := testKeys(t)
	sender, err := NewCipher(keys.KeyControl, keys.IVClient)
	if err != nil {
		t.Fatalf("NewCipher() error = %v, want nil", err)
	}
	receiver, err := NewCipher(keys.KeyControl, keys.IVClient)
	if err != nil {
		t.Fatalf("NewCipher() error = %v, want nil", err)
	}

	controlCT, err := sender.Encrypt(StreamControl, 1, []byte("x"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v, want nil", err)
	}

	if _, err = receiver.Decrypt(StreamMedia, 1, controlCT); err == nil {
		t.Fatal("Decrypt() across streams error = nil, want error")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual([]byte("abc"), []byte("abc")) {
		t.Error("ConstantTimeEqual(abc, abc) = false, want true")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("abd")) {
		t.Error("ConstantTimeEqual(abc, abd) = true, want false")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("ab")) {
		t.Error("ConstantTimeEqual(abc, ab) = true, want false")
	}
}
