package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MinSubjectKeyLen is the shortest accepted subject key.
const MinSubjectKeyLen = 32

// SubjectHasher pseudonymises participant identities and kit ids with
// HMAC-SHA256. Without the key a hash cannot be matched against a guessed
// identity, yet equal subjects still hash equally within one key.
type SubjectHasher struct {
	key []byte
}

func NewSubjectHasher(key []byte) (*SubjectHasher, error) {
	if len(key) < MinSubjectKeyLen {
		return nil, fmt.Errorf("audit subject key must be at least %d bytes", MinSubjectKeyLen)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &SubjectHasher{key: k}, nil
}

// NewEphemeralSubjectHasher draws a random key. Hashes from different
// processes are not comparable.
func NewEphemeralSubjectHasher() (*SubjectHasher, error) {
	key := make([]byte, MinSubjectKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate audit subject key: %w", err)
	}
	return &SubjectHasher{key: key}, nil
}

// Hash returns the hex HMAC of subject, or "" for an empty subject.
func (h *SubjectHasher) Hash(subject string) string {
	if subject == "" {
		return ""
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(subject))
	return hex.EncodeToString(mac.Sum(nil))
}
