package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"ledgersync/internal/domain/banksync"
)

const (
	// MasterKeySize is the required length of a configured master key
	MasterKeySize = 32

	hkdfInfo = "ledgersync/access-token/aes-256-gcm"
)

var (
	ErrInvalidKey     = errors.New("encryption key must be exactly 32 bytes")
	ErrEmptyPlaintext = errors.New("refusing to encrypt empty plaintext")

	errMalformed  = errors.New("malformed ciphertext envelope")
	errUnknownKey = errors.New("ciphertext sealed under unknown key")
	errTooShort   = errors.New("ciphertext shorter than nonce")
)

type sealKey struct {
	id   string
	aead cipher.AEAD
}

// Vault seals access tokens with AES-256-GCM. Ciphertexts are stored as
// "<keyID>.<base64(nonce||ciphertext||tag)>" so a retired key can still open
// what it sealed.
type Vault struct {
	primary sealKey
	keys    map[string]sealKey
}

// NewVault builds a vault from the primary master key and optional previous keys.
func NewVault(masterKey string, previousKeys ...string) (*Vault, error) {
	primary, err := deriveKey(masterKey)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		primary: primary,
		keys:    map[string]sealKey{primary.id: primary},
	}
	for _, prev := range previousKeys {
		if prev == "" {
			continue
		}
		k, err := deriveKey(prev)
		if err != nil {
			return nil, fmt.Errorf("previous key: %w", err)
		}
		if _, exists := v.keys[k.id]; !exists {
			v.keys[k.id] = k
		}
	}
	return v, nil
}

func deriveKey(master string) (sealKey, error) {
	if len(master) != MasterKeySize {
		return sealKey{}, ErrInvalidKey
	}

	derived := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(master), nil, []byte(hkdfInfo)), derived); err != nil {
		return sealKey{}, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return sealKey{}, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return sealKey{}, err
	}

	fp := sha256.Sum256(derived)
	return sealKey{id: hex.EncodeToString(fp[:4]), aead: aead}, nil
}

// KeyID returns the identifier of the primary key.
func (v *Vault) KeyID() string {
	return v.primary.id
}

// Encrypt seals plaintext under the primary key with a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}

	nonce := make([]byte, v.primary.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.primary.aead.Seal(nonce, nonce, []byte(plaintext), []byte(v.primary.id))
	return v.primary.id + "." + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Every failure is a
// *banksync.CredentialTamperedError.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	id, payload, ok := strings.Cut(ciphertext, ".")
	if !ok || id == "" {
		return "", &banksync.CredentialTamperedError{Err: errMalformed}
	}

	key, ok := v.keys[id]
	if !ok {
		return "", &banksync.CredentialTamperedError{Err: errUnknownKey}
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", &banksync.CredentialTamperedError{Err: fmt.Errorf("%w: %v", errMalformed, err)}
	}

	nonceSize := key.aead.NonceSize()
	if len(data) < nonceSize+key.aead.Overhead() {
		return "", &banksync.CredentialTamperedError{Err: errTooShort}
	}

	plaintext, err := key.aead.Open(nil, data[:nonceSize], data[nonceSize:], []byte(id))
	if err != nil {
		return "", &banksync.CredentialTamperedError{Err: err}
	}
	return string(plaintext), nil
}

// NeedsRotation reports whether ciphertext was sealed under a non-primary key.
func (v *Vault) NeedsRotation(ciphertext string) bool {
	id, _, ok := strings.Cut(ciphertext, ".")
	return ok && id != v.primary.id
}
