package rpcrypto

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/breeze-rmm/rpclient/internal/rperrors"
)

// StreamID distinguishes the control channel from the media stream
// channel when building an AEAD nonce; each has its own counter space.
type StreamID uint8

const (
	StreamControl StreamID = iota
	StreamMedia
)

// Cipher wraps one direction's AEAD cipher with a strictly increasing
// counter, per spec.md 4.B: "per-direction counter; never reused."
type Cipher struct {
	aead    cipher.AEAD
	iv      []byte
	counter uint64
	used    bool // true once Encrypt has succeeded; enables the reuse check
}

// NewCipher constructs a Cipher bound to one derived key and IV seed.
func NewCipher(key, iv []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, rperrors.Wrap(rperrors.Crypto, "construct chacha20poly1305", err)
	}
	if len(iv) != aead.NonceSize() {
		return nil, rperrors.New(rperrors.Crypto, "iv size does not match AEAD nonce size")
	}

	ivCopy := make([]byte, len(iv))
	copy(ivCopy, iv)

	return &Cipher{aead: aead, iv: ivCopy}, nil
}

// Encrypt seals plaintext for the given stream id and an explicit counter
// value supplied by the caller. The counter must strictly increase per
// (stream id, direction); Encrypt rejects a counter that does not advance
// past the last one used on this Cipher.
func (c *Cipher) Encrypt(stream StreamID, counter uint64, plaintext []byte) ([]byte, error) {
	if c.used && counter <= c.counter {
		return nil, rperrors.New(rperrors.Crypto, "counter reuse detected")
	}
	nonce := c.buildNonce(stream, counter)
	ciphertext := c.aead.Seal(nil, nonce, plaintext, nil)
	c.counter = counter
	c.used = true
	return ciphertext, nil
}

// Decrypt opens ciphertext sealed with Encrypt. Unlike Encrypt, Decrypt
// does not advance or check the local counter — out-of-order arrival on
// the wire is the caller's concern (sequence-gap tracking lives in the
// feeder); Decrypt only verifies the AEAD tag.
func (c *Cipher) Decrypt(stream StreamID, counter uint64, ciphertext []byte) ([]byte, error) {
	nonce := c.buildNonce(stream, counter)
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, rperrors.Wrap(rperrors.Crypto, "authentication failed", err)
	}
	return plaintext, nil
}

// buildNonce XORs the IV seed with {streamID, counter} so control and
// stream traffic never share a nonce even at the same counter value.
func (c *Cipher) buildNonce(stream StreamID, counter uint64) []byte {
	nonce := make([]byte, len(c.iv))
	copy(nonce, c.iv)

	mix := make([]byte, 8)
	binary.BigEndian.PutUint64(mix, counter)
	mix[0] ^= byte(stream)

	for i := 0; i < len(mix) && i < len(nonce); i++ {
		nonce[len(nonce)-len(mix)+i] ^= mix[i]
	}
	return nonce
}

// ConstantTimeEqual compares two byte slices in constant time, for use
// wherever a derived key or MAC is compared (spec.md 4.B: "must be
// constant-time in key compare").
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
