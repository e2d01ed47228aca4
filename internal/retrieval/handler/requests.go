package handler

import (
	"time"

	"cohort/internal/retrieval/token"
	id "cohort/pkg/domain"
	dErrors "cohort/pkg/domain-errors"
)

// VerifyRequest carries the kit id and PIN printed inside the kit.
type VerifyRequest struct {
	BatchID uint64 `json:"batch_id"`
	KitID   string `json:"kit_id"`
	PIN     string `json:"pin"`

	batchID id.BatchID
	kitID   id.KitID
}

func (r *VerifyRequest) Validate() error {
	if r.BatchID == 0 {
		return dErrors.New(dErrors.CodeInvalidArgument, "batch_id is required")
	}
	kitID, err := id.ParseKitID(r.KitID)
	if err != nil {
		return err
	}
	if err := id.ValidatePIN(r.PIN); err != nil {
		return err
	}
	r.batchID = id.BatchID(r.BatchID)
	r.kitID = kitID
	return nil
}

type TokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresIn int64     `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toTokenResponse(issued *token.Issued) TokenResponse {
	return TokenResponse{
		Token:     issued.Value,
		TokenType: "Bearer",
		ExpiresIn: int64(issued.ExpiresAt.Sub(issued.IssuedAt).Seconds()),
		ExpiresAt: issued.ExpiresAt,
	}
}
