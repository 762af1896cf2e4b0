package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const Prefix = "ENC:"

const nonceSize = 12

var DecryptionError = errors.New("Stored secret could not be decrypted")

// Cipher encrypts SSH credentials at rest with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the AES key from passphrase with HKDF-SHA256. An empty
// passphrase is accepted but logged as insecure by the caller.
func NewCipher(passphrase string) (*Cipher, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(passphrase), []byte("httprun"), []byte("secret-at-rest"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Encrypt returns the stored form of plain. Empty and already encrypted
// values are returned unchanged.
func (c *Cipher) Encrypt(plain string) (string, error) {
	if plain == "" || IsEncrypted(plain) {
		return plain, nil
	}
	nonce := make([]byte, nonceSize, nonceSize+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the prefix are treated as legacy
// plaintext and returned as is.
func (c *Cipher) Decrypt(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(stored[len(Prefix):])
	if err != nil {
		return "", fmt.Errorf("%w: %v", DecryptionError, err)
	}
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", DecryptionError)
	}
	plain, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", DecryptionError, err)
	}
	return string(plain), nil
}
