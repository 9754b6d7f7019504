package crypto

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/argon2"
)

// Argon2Parameters controls the cost factors for Argon2id key derivation.
type Argon2Parameters struct {
	Time      uint32
	Memory    uint32
	Threads   uint8
	KeyLength uint32
}

// DefaultArgon2Params returns the parameters used to derive encryption keys
// from configured passphrases.
func DefaultArgon2Params() Argon2Parameters {
	return Argon2Parameters{
		Time:      2,
		Memory:    64 * 1024,
		Threads:   4,
		KeyLength: 32,
	}
}

// DeriveKey stretches a passphrase into a fixed-length key using Argon2id.
// The salt is derived from a stable application label so the same passphrase
// always yields the same key.
func DeriveKey(passphrase, label string, params Argon2Parameters) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase is required")
	}
	if params.KeyLength == 0 {
		params = DefaultArgon2Params()
	}

	salt := sha256.Sum256([]byte("authcore:" + label))
	key := argon2.IDKey([]byte(passphrase), salt[:], params.Time, params.Memory, params.Threads, params.KeyLength)
	return key, nil
}
