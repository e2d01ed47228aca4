package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	id "cohort/pkg/domain"
	dErrors "cohort/pkg/domain-errors"
)

// DefaultTTL is the lifetime of a retrieval token. Tokens cannot be
// refreshed or extended.
const DefaultTTL = 2 * time.Hour

const minSigningKeyLength = 32

// Claims authorise the download of one result file.
type Claims struct {
	BatchID id.BatchID `json:"batch_id"`
	KitID   id.KitID   `json:"kit_id"`
	jwt.RegisteredClaims
}

// Issued is a signed token together with its validity window.
type Issued struct {
	Value     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Signer mints and validates HS256 retrieval tokens.
type Signer struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

func NewSigner(signingKey, issuer string, ttl time.Duration) (*Signer, error) {
	if len(signingKey) < minSigningKeyLength {
		return nil, dErrors.New(dErrors.CodeInvalidArgument, "token signing key must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		ttl:        ttl,
	}, nil
}

// TTL returns the fixed token lifetime.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Sign issues a token for (batchID, kitID) valid from now for exactly TTL.
func (s *Signer) Sign(batchID id.BatchID, kitID id.KitID, now time.Time) (*Issued, error) {
	issuedAt := now.Truncate(time.Second)
	expiresAt := issuedAt.Add(s.ttl)
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		BatchID: batchID,
		KitID:   kitID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   batchID.String() + "/" + kitID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	})
	signed, err := t.SignedString(s.signingKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign retrieval token")
	}
	return &Issued{Value: signed, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

// Validate checks signature, issuer and expiry against now.
func (s *Signer) Validate(value string, now time.Time) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(value, &Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenUnverifiable
			}
			return s.signingKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "retrieval token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid retrieval token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.BatchID.IsNil() || claims.KitID == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid retrieval token")
	}
	return claims, nil
}
