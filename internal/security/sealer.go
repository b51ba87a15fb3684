// Package security seals the wallet seed at rest and derives account addresses from it.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// ErrWrongPassphrase is returned when a sealed seed fails authentication.
var ErrWrongPassphrase = errors.New("security: wrong passphrase or corrupted seed")

const (
	keyLen  = 32
	saltLen = 16
	// SeedLen is the size of seeds produced by NewSeed.
	SeedLen = 32
)

// Sealed is the at-rest form of a secret.
type Sealed struct {
	Ciphertext []byte
	Salt       []byte
	Nonce      []byte
}

// KDFParams are the argon2id cost parameters.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams follows the argon2id interactive recommendation.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 1, Memory: 64 * 1024, Threads: 4}
}

// Sealer encrypts secrets with AES-256-GCM under an argon2id-derived key.
type Sealer struct {
	params KDFParams
	random io.Reader
}

// SealerOption customises a Sealer.
type SealerOption func(*Sealer)

// WithKDFParams overrides the argon2id cost parameters.
func WithKDFParams(p KDFParams) SealerOption {
	return func(s *Sealer) {
		if p.Time > 0 && p.Memory > 0 && p.Threads > 0 {
			s.params = p
		}
	}
}

// WithRandom overrides the entropy source used for salts and nonces.
func WithRandom(r io.Reader) SealerOption {
	return func(s *Sealer) {
		if r != nil {
			s.random = r
		}
	}
}

// NewSealer constructs a Sealer.
func NewSealer(opts ...SealerOption) *Sealer {
	s := &Sealer{params: DefaultKDFParams(), random: rand.Reader}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Seal encrypts plaintext under passphrase with a fresh salt and nonce.
func (s *Sealer) Seal(plaintext, passphrase []byte) (Sealed, error) {
	if len(passphrase) == 0 {
		return Sealed{}, fmt.Errorf("security: passphrase required")
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(s.random, salt); err != nil {
		return Sealed{}, fmt.Errorf("security: read salt: %w", err)
	}
	aead, err := s.aead(passphrase, salt)
	if err != nil {
		return Sealed{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return Sealed{}, fmt.Errorf("security: read nonce: %w", err)
	}
	return Sealed{
		Ciphertext: aead.Seal(nil, nonce, plaintext, salt),
		Salt:       salt,
		Nonce:      nonce,
	}, nil
}

// Open decrypts sealed under passphrase.
func (s *Sealer) Open(sealed Sealed, passphrase []byte) ([]byte, error) {
	if len(sealed.Salt) == 0 || len(sealed.Nonce) == 0 {
		return nil, fmt.Errorf("security: sealed secret missing salt or nonce")
	}
	aead, err := s.aead(passphrase, sealed.Salt)
	if err != nil {
		return nil, err
	}
	if len(sealed.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("security: nonce length %d, want %d", len(sealed.Nonce), aead.NonceSize())
	}
	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, sealed.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

func (s *Sealer) aead(passphrase, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(passphrase, salt, s.params.Time, s.params.Memory, s.params.Threads, keyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: init gcm: %w", err)
	}
	return aead, nil
}

// NewSeed returns SeedLen bytes from r, or from crypto/rand when r is nil.
func NewSeed(r io.Reader) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	seed := make([]byte, SeedLen)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("security: read seed: %w", err)
	}
	return seed, nil
}
