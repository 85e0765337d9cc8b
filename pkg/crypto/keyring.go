package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveSigningKey derives an ed25519 signing key from a process-wide master
// seed, bound to the policy version. Rotating the policy version therefore
// rotates the key, and certificates signed under an old version no longer
// verify against the new public key.
func DeriveSigningKey(seed []byte, policyVersion string) (*Ed25519Signer, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("signing seed too short: need at least 16 bytes, got %d", len(seed))
	}

	r := hkdf.New(sha256.New, seed, []byte("ghostprotocol-certificate"), []byte(policyVersion))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(keySeed)
	return NewEd25519SignerFromKey(priv, "policy-"+policyVersion), nil
}
