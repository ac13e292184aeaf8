// Package hashutil provides the canonical digest used to link ledger
// entries. All digests are SHA-256 over the RFC 8785 canonical JSON form
// of the input, so the same structured value always hashes identically
// regardless of field ordering at the call site.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// GenesisDigest is the previous-digest sentinel for the first entry in a
// chain: 64 hex zeros, the width of a SHA-256 digest.
const GenesisDigest = "0000000000000000000000000000000000000000000000000000000000000000"

// DigestLen is the length of a hex-encoded digest.
const DigestLen = sha256.Size * 2

// Digest returns the lowercase hex SHA-256 of the canonical JSON
// serialization of v.
func Digest(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize digest input: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize digest input: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// DigestBytes hashes a raw byte payload without canonicalization.
func DigestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SHA-256("abc"), FIPS 180-2 appendix B.1.
const selfCheckWant = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

// MustSelfCheck verifies the hash primitive against a known test vector.
// A broken or missing primitive means the ledger cannot guarantee
// integrity, so this is a fatal startup error rather than a recoverable
// one. Call it once from main before any entry is written.
func MustSelfCheck() {
	if got := DigestBytes([]byte("abc")); got != selfCheckWant {
		panic(fmt.Sprintf("hashutil: SHA-256 self check failed: got %s", got))
	}
}
