// Package crypto seals upstream account passwords at rest. The portal login needs the
// plaintext, so these are encrypted with AES-GCM rather than hashed.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var ErrCiphertext = errors.New("crypto: malformed ciphertext")

type Sealer struct{ gcm cipher.AEAD }

// NewSealer wants a 32 byte key (AES-256).
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal returns base64(nonce || ciphertext).
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawStdEncoding.EncodeToString(out), nil
}

func (s *Sealer) Open(sealed string) (string, error) {
	buf, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	n := s.gcm.NonceSize()
	if len(buf) < n+s.gcm.Overhead() {
		return "", ErrCiphertext
	}
	pt, err := s.gcm.Open(nil, buf[:n], buf[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return string(pt), nil
}
