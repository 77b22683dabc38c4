// Package vault encrypts user portal passwords at rest.
//
// The construction is a fernet envelope: AES-128-CBC for confidentiality and
// HMAC-SHA256 for authenticity under separate 128-bit halves of a 256-bit
// master key, wrapped in a versioned URL-safe base64 token. Only this package
// ever sees the master key; everything else handles ciphertext.
package vault

import (
	"errors"
	"fmt"
	"os"

	"github.com/fernet/fernet-go"
)

// ErrNoKey is returned when neither a key string nor a key file is configured.
var ErrNoKey = errors.New("vault: no credential key configured")

// ErrDecrypt is returned when a ciphertext fails authentication or decoding.
var ErrDecrypt = errors.New("vault: cannot decrypt credential")

// Vault holds the master key for credential encryption.
type Vault struct {
	key *fernet.Key
}

// Open loads the master key from either a base64 key string or a raw 32-byte
// key file. Exactly one source must yield a key; otherwise startup must fail.
func Open(keyB64, keyFile string) (*Vault, error) {
	switch {
	case keyB64 != "":
		key, err := fernet.DecodeKey(keyB64)
		if err != nil {
			return nil, fmt.Errorf("vault: decode credential key: %w", err)
		}
		return &Vault{key: key}, nil
	case keyFile != "":
		raw, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("vault: read credential key file: %w", err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("vault: credential key file holds %d bytes, want 32", len(raw))
		}
		var key fernet.Key
		copy(key[:], raw)
		return &Vault{key: &key}, nil
	default:
		return nil, ErrNoKey
	}
}

// GenerateKey returns a fresh base64-encoded 256-bit master key.
func GenerateKey() (string, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return "", fmt.Errorf("vault: generate key: %w", err)
	}
	return key.Encode(), nil
}

// Encrypt seals a plaintext password into a fernet token.
func (v *Vault) Encrypt(plaintext string) ([]byte, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), v.key)
	if err != nil {
		return nil, fmt.Errorf("vault: encrypt: %w", err)
	}
	return tok, nil
}

// Decrypt opens a fernet token produced by Encrypt. Tokens never expire;
// credentials stay valid until the user replaces them.
func (v *Vault) Decrypt(token []byte) (string, error) {
	msg := fernet.VerifyAndDecrypt(token, 0, []*fernet.Key{v.key})
	if msg == nil {
		return "", ErrDecrypt
	}
	return string(msg), nil
}
