package domain

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"

	dErrors "cohort/pkg/domain-errors"
)

// BatchID identifies a batch. Valid IDs start at 1 and are allocated
// monotonically by the batch store.
type BatchID uint64

func (b BatchID) String() string {
	return strconv.FormatUint(uint64(b), 10)
}

// IsNil reports whether the ID is the zero value.
func (b BatchID) IsNil() bool {
	return b == 0
}

// ParseBatchID parses a decimal batch identifier.
func ParseBatchID(s string) (BatchID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, dErrors.New(dErrors.CodeInvalidArgument, "batch id is required")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, dErrors.New(dErrors.CodeInvalidArgument, "batch id must be a positive integer")
	}
	return BatchID(n), nil
}

// Identity is a wallet address or payment account id. One identity may hold
// at most one live admission per batch.
type Identity string

func (i Identity) String() string {
	return string(i)
}

// IsNil reports whether the identity is empty.
func (i Identity) IsNil() bool {
	return i == ""
}

const maxIdentityLength = 128

// ParseIdentity trims and validates an identity. Values with a 0x prefix are
// treated as EVM addresses and normalised to their checksum form so the same
// wallet cannot join twice under different casing.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidArgument, "identity is required")
	}
	if !utf8.ValidString(s) || len(s) > maxIdentityLength {
		return "", dErrors.New(dErrors.CodeInvalidArgument, "identity is malformed")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if !common.IsHexAddress(s) {
			return "", dErrors.New(dErrors.CodeInvalidArgument, "identity is not a valid wallet address")
		}
		return Identity(common.HexToAddress(s).Hex()), nil
	}
	return Identity(s), nil
}

// KitID names a physical sample kit, e.g. KIT-AB12CD34.
type KitID string

func (k KitID) String() string {
	return string(k)
}

var kitIDPattern = regexp.MustCompile(`^KIT-[A-Z0-9]{8}$`)

// ParseKitID validates the printed kit format. Lowercase input is accepted
// and upper-cased.
func ParseKitID(s string) (KitID, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !kitIDPattern.MatchString(s) {
		return "", dErrors.New(dErrors.CodeInvalidArgument, "kit id must match KIT-XXXXXXXX")
	}
	return KitID(s), nil
}

const (
	minPINDigits = 4
	maxPINDigits = 12
)

// ValidatePIN checks the digit count of a kit PIN. The PIN itself is never
// stored.
func ValidatePIN(pin string) error {
	if len(pin) < minPINDigits || len(pin) > maxPINDigits {
		return dErrors.New(dErrors.CodeInvalidArgument, "pin must be 4 to 12 digits")
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return dErrors.New(dErrors.CodeInvalidArgument, "pin must be numeric")
		}
	}
	return nil
}
