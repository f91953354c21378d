package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	saltSize = 16
	sealInfo = "invox credential store v1"
)

func deriveKey(secret, salt []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(sealInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// seal encrypts plaintext with XChaCha20-Poly1305 under a key derived from
// secret and a fresh salt. Output layout: salt | nonce | ciphertext.
func seal(secret, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := deriveKey(secret, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// open reverses seal
func open(secret, sealed []byte) ([]byte, error) {
	if len(sealed) < saltSize+chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealed data too short")
	}
	salt := sealed[:saltSize]
	key, err := deriveKey(secret, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := sealed[saltSize : saltSize+aead.NonceSize()]
	return aead.Open(nil, nonce, sealed[saltSize+aead.NonceSize():], nil)
}
