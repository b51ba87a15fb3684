package security

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const derivationDomain = "zkwallet/account/v1"

// Deriver maps (seed, index) to a stable account address with keyed BLAKE2b.
// It satisfies account.Deriver.
type Deriver struct {
	prefix string
}

// NewDeriver returns a Deriver whose addresses start with prefix.
func NewDeriver(prefix string) *Deriver {
	return &Deriver{prefix: prefix}
}

// Derive implements account.Deriver.
func (d *Deriver) Derive(seed []byte, index uint64) (string, error) {
	if len(seed) == 0 {
		return "", fmt.Errorf("security: empty seed")
	}
	key := blake2b.Sum256(seed)
	h, err := blake2b.New256(key[:])
	if err != nil {
		return "", fmt.Errorf("security: init blake2b: %w", err)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], index)
	h.Write([]byte(derivationDomain))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return d.prefix + hex.EncodeToString(sum[:20]), nil
}
