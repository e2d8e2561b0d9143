// Package secrets decrypts project secret values before they are handed to
// the build worker. Values are sealed with AES-GCM under a key derived from
// the configured secret.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"io"
)

// Decryptor turns sealed secret values back into plaintext.
type Decryptor interface {
	Decrypt(ciphertext []byte) (string, error)
}

// AESDecryptor implements Decryptor with AES-GCM. The nonce is carried as the
// ciphertext prefix.
type AESDecryptor struct {
	key []byte
}

// NewAESDecryptor derives a 32-byte key from the secret via SHA-256.
func NewAESDecryptor(secret string) AESDecryptor {
	sum := sha256.Sum256([]byte(secret))
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return AESDecryptor{key: key}
}

// Decrypt opens an AES-GCM payload back to plaintext.
func (d AESDecryptor) Decrypt(payload []byte) (string, error) {
	block, err := aes.NewCipher(d.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize {
		return "", io.ErrUnexpectedEOF
	}
	nonce := payload[:nonceSize]
	ciphertext := payload[nonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Seal encrypts a plaintext value. Provisioning tooling uses it when storing
// project secrets; tests use it to build fixtures.
func (d AESDecryptor) Seal(plaintext string, rand io.Reader) ([]byte, error) {
	block, err := aes.NewCipher(d.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}
