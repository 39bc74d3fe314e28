// Package crypt provides the at-rest encryption for shard data. Values are
// JSON encoded and then sealed with AES-256-GCM using a key derived from a
// configured secret, so data written by one process stays readable by the
// next one started with the same secret.
package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// ErrCorrupt is returned when a blob can't be decrypted or decoded. This
// covers truncated data, data sealed with a different key and plaintext
// that is not valid JSON.
var ErrCorrupt = errors.New("corrupt or undecryptable data")

// Key derivation parameters. Changing any of these makes existing shards
// unreadable.
const (
	keySize     = 32
	argonTime   = 1
	argonMemory = 64 * 1024
	argonLanes  = 4
)

// Unit seals and opens values with a single symmetric key.
type Unit struct {
	aead cipher.AEAD
}

// New derives the encryption key from the secret and salt and constructs
// a unit ready for use.
func New(secret string, salt string) (*Unit, error) {
	if secret == "" {
		return nil, errors.New("encryption secret is required")
	}
	if salt == "" {
		return nil, errors.New("encryption salt is required")
	}

	key := argon2.IDKey([]byte(secret), []byte(salt), argonTime, argonMemory, argonLanes, keySize)

	return NewWithKey(key)
}

// NewWithKey constructs a unit from a raw 32 byte key.
func NewWithKey(key []byte) (*Unit, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key size: expected %d, got %d", keySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Unit{aead: aead}, nil
}

// Seal JSON encodes the value and encrypts it.
// Returns: [Nonce] + [Ciphertext] + [Tag]
func (u *Unit) Seal(v any) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	nonce := make([]byte, u.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	return u.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts the blob and decodes the JSON into the value provided.
func (u *Unit) Open(blob []byte, v any) error {
	if len(blob) < u.aead.NonceSize()+u.aead.Overhead() {
		return fmt.Errorf("blob too short: %w", ErrCorrupt)
	}

	nonce := blob[:u.aead.NonceSize()]
	plaintext, err := u.aead.Open(nil, nonce, blob[u.aead.NonceSize():], nil)
	if err != nil {
		return fmt.Errorf("decrypt: %w", ErrCorrupt)
	}

	// Numbers decode as json.Number so integers beyond 2^53 keep their value.
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.UseNumber()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode: %v: %w", err, ErrCorrupt)
	}

	return nil
}
