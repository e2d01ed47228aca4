// Package commitment computes and checks one-way commitments over a kit id
// and its secret PIN.
//
// A commitment is Keccak-256 over a domain-separated, length-prefixed
// encoding of (kitID, secret). Keccak-256 matches the digest the on-chain
// registry stores, so commitments produced by wallets verify here unchanged.
// The secret is only held for the duration of a Commit or Verify call.
package commitment

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	dErrors "cohort/pkg/domain-errors"
)

// Size is the digest length in bytes.
const Size = 32

// domainTag separates kit commitments from any other Keccak use.
const domainTag = "cohort.kit-commitment.v1"

// Digest is a kit commitment.
type Digest [Size]byte

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the 0x-prefixed lowercase hex form.
func (d Digest) String() string {
	return "0x" + hex.EncodeToString(d[:])
}

// ParseDigest accepts 64 hex characters with or without a 0x prefix.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s) != hex.EncodedLen(Size) {
		return d, dErrors.New(dErrors.CodeInvalidArgument, "commitment must be 32 bytes of hex")
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, dErrors.New(dErrors.CodeInvalidArgument, "commitment is not valid hex")
	}
	if d.IsZero() {
		return d, dErrors.New(dErrors.CodeInvalidArgument, "commitment must not be zero")
	}
	return d, nil
}

// Commit returns the commitment for kitID and secret. It is deterministic.
func Commit(kitID, secret string) Digest {
	h := sha3.NewLegacyKeccak256()
	writeField(h, domainTag)
	writeField(h, kitID)
	writeField(h, secret)
	var d Digest
	h.Sum(d[:0])
	return d
}

// Verify recomputes the commitment and compares it with stored in constant
// time. A zero stored digest never matches.
func Verify(kitID, secret string, stored Digest) bool {
	return Matches(Commit(kitID, secret), stored)
}

// Matches compares a precomputed commitment against stored in constant time.
func Matches(computed, stored Digest) bool {
	eq := subtle.ConstantTimeCompare(computed[:], stored[:])
	// Both operands are always evaluated so unset digests cost the same.
	return eq&subtle.ConstantTimeByteEq(boolByte(stored.IsZero()), 0) == 1
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

// writeField length-prefixes each field so ("AB", "C") and ("A", "BC")
// cannot collide.
func writeField(w byteWriter, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = w.Write(n[:])
	_, _ = w.Write([]byte(s))
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
