package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"cohort/internal/batch/models"
	"cohort/internal/commitment"
	"cohort/internal/retrieval/lockout"
	"cohort/internal/retrieval/objectstore"
	"cohort/internal/retrieval/token"
	id "cohort/pkg/domain"
	dErrors "cohort/pkg/domain-errors"
	audit "cohort/pkg/platform/audit"
	"cohort/pkg/requestcontext"
)

var (
	errNoMatch         = dErrors.New(dErrors.CodeNoMatch, "kit id and pin do not match a participant of this batch")
	errResultsNotReady = dErrors.New(dErrors.CodeResultsNotReady, "results for this batch are not available")
)

// FindMatch scans the live participants of a completed batch and returns the
// first whose commitment matches (kitID, secret). An unknown kit and a wrong
// secret both return NoMatch after a full scan; there is no lookup by kit id.
func (s *Issuer) FindMatch(ctx context.Context, batchID id.BatchID, kitID id.KitID, secret string) (*models.Participant, error) {
	ctx, span := s.tracer.Start(ctx, "retrieval.FindMatch")
	defer span.End()
	span.SetAttributes(attribute.Int64("batch.id", int64(batchID)))

	b, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.State != models.StateCompleted {
		return nil, errResultsNotReady
	}

	start := time.Now()
	defer s.metrics.ObserveScan(start)

	candidates := b.Candidates(requestcontext.Now(ctx), s.batches.Policy())
	span.SetAttributes(attribute.Int("retrieval.candidates", len(candidates)))
	for i, p := range candidates {
		if !p.HasCommitment() {
			continue
		}
		ok, err := s.verifyWithin(ctx, kitID.String(), secret, p.Commitment)
		if err != nil {
			if ctx.Err() != nil {
				span.SetStatus(codes.Error, "scan cancelled")
				return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "verification timed out")
			}
			s.metrics.IncCandidateTimeout()
			s.logger.WarnContext(ctx, "candidate comparison timed out",
				"batch_id", batchID, "position", i, "timeout", s.candidateTimeout)
			continue
		}
		if ok {
			return p, nil
		}
	}
	return nil, errNoMatch
}

// verifyWithin runs one comparison bounded by the candidate timeout.
func (s *Issuer) verifyWithin(ctx context.Context, kitID, secret string, stored commitment.Digest) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.candidateTimeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		result <- s.verify(kitID, secret, stored)
	}()
	select {
	case ok := <-result:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// IssueToken mints a token for a kit in a completed batch. Callers must have
// proven ownership with FindMatch first.
func (s *Issuer) IssueToken(ctx context.Context, batchID id.BatchID, kitID id.KitID) (*token.Issued, error) {
	b, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.State != models.StateCompleted {
		return nil, errResultsNotReady
	}
	issued, err := s.signer.Sign(batchID, kitID, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}
	s.metrics.IncTokenIssued()
	s.auditEmitter.emit(ctx, audit.EventTokenIssued, batchID, kitID, "issued", "")
	return issued, nil
}

// RedeemRequest is a participant proving ownership of a kit.
type RedeemRequest struct {
	BatchID id.BatchID
	KitID   id.KitID
	PIN     string
}

// Redeem checks the failed-attempt limiter, verifies the kit and PIN, and
// issues a token.
//
// A failed match counts against both the caller's client address and the
// claimed kit id for the batch; either reaching the limit locks further
// attempts. Success clears only the matched kit's counter; the client
// counter runs out its window.
func (s *Issuer) Redeem(ctx context.Context, req RedeemRequest) (*token.Issued, error) {
	if req.BatchID.IsNil() || req.KitID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidArgument, "batch id and kit id are required")
	}
	if err := id.ValidatePIN(req.PIN); err != nil {
		return nil, err
	}

	kitKey := lockout.KitKey(req.BatchID, req.KitID)
	keys := []failureKey{
		{scope: "client", key: lockout.ClientKey(req.BatchID, requestcontext.ClientIP(ctx))},
		{scope: "kit", key: kitKey},
	}
	if err := s.checkLockout(ctx, keys, req); err != nil {
		return nil, err
	}

	_, err := s.FindMatch(ctx, req.BatchID, req.KitID, req.PIN)
	switch {
	case dErrors.HasCode(err, dErrors.CodeNoMatch):
		s.metrics.IncVerification("no_match")
		s.recordFailure(ctx, keys, req)
		return nil, err
	case dErrors.HasCode(err, dErrors.CodeResultsNotReady):
		s.metrics.IncVerification("not_ready")
		return nil, err
	case err != nil:
		s.metrics.IncVerification("error")
		return nil, err
	}

	s.metrics.IncVerification("matched")
	if s.lockout != nil {
		if err := s.lockout.Reset(ctx, kitKey); err != nil {
			s.logger.WarnContext(ctx, "failed to reset verification failures", "batch_id", req.BatchID, "error", err)
		}
	}
	return s.IssueToken(ctx, req.BatchID, req.KitID)
}

type failureKey struct {
	scope string
	key   string
}

func (s *Issuer) checkLockout(ctx context.Context, keys []failureKey, req RedeemRequest) error {
	if s.lockout == nil {
		return nil
	}
	for _, k := range keys {
		failures, err := s.lockout.Failures(ctx, k.key)
		if err != nil {
			// Fail open: verification still requires the PIN.
			s.logger.ErrorContext(ctx, "lockout store unavailable", "batch_id", req.BatchID, "error", err)
			return nil
		}
		if failures >= s.maxFailures {
			s.metrics.IncVerification("locked")
			s.metrics.IncLockout()
			return dErrors.New(dErrors.CodeRateLimited, "too many failed attempts, try again later")
		}
	}
	return nil
}

func (s *Issuer) recordFailure(ctx context.Context, keys []failureKey, req RedeemRequest) {
	s.auditEmitter.emit(ctx, audit.EventVerificationFailed, req.BatchID, req.KitID, "no_match", "")
	if s.lockout == nil {
		return
	}
	for _, k := range keys {
		failures, err := s.lockout.RecordFailure(ctx, k.key, s.lockoutWindow)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to record verification failure", "batch_id", req.BatchID, "error", err)
			return
		}
		if failures == s.maxFailures {
			s.auditEmitter.emit(ctx, audit.EventVerificationLocked, req.BatchID, req.KitID, "locked", "max_failures_"+k.scope)
			s.logger.WarnContext(ctx, "verification locked",
				"batch_id", req.BatchID,
				"scope", k.scope,
				"failures", failures,
				"window", s.lockoutWindow,
			)
		}
	}
}

// ValidateToken checks a retrieval token's signature and expiry.
func (s *Issuer) ValidateToken(ctx context.Context, value string) (*token.Claims, error) {
	claims, err := s.signer.Validate(value, requestcontext.Now(ctx))
	if err != nil {
		s.metrics.IncTokenRejected()
		s.auditEmitter.emit(ctx, audit.EventTokenRejected, 0, "", "rejected", err.Error())
		return nil, err
	}
	return claims, nil
}

// Download locates a result file for a valid token.
type Download struct {
	BatchID   id.BatchID `json:"batch_id"`
	KitID     id.KitID   `json:"kit_id"`
	Key       string     `json:"key"`
	URL       string     `json:"url,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// ResolveDownload turns a token into the result object's coordinates and,
// when object storage is configured, a presigned URL that expires no later
// than the token.
func (s *Issuer) ResolveDownload(ctx context.Context, value string) (*Download, error) {
	claims, err := s.ValidateToken(ctx, value)
	if err != nil {
		return nil, err
	}

	b, err := s.batches.GetBatch(ctx, claims.BatchID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil, errResultsNotReady
		}
		return nil, err
	}
	if b.State != models.StateCompleted {
		return nil, errResultsNotReady
	}

	now := requestcontext.Now(ctx)
	expiresAt := claims.ExpiresAt.Time
	ttl := expiresAt.Sub(now)
	if s.presignTTL > 0 && s.presignTTL < ttl {
		ttl = s.presignTTL
		expiresAt = now.Add(ttl)
	}

	d := &Download{
		BatchID:   claims.BatchID,
		KitID:     claims.KitID,
		Key:       objectstore.ResultKey(claims.BatchID, claims.KitID, s.resultExt),
		ExpiresAt: expiresAt,
	}
	if s.presigner != nil {
		url, err := s.presigner.PresignGet(ctx, d.Key, ttl)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to prepare download")
		}
		d.URL = url
	}
	s.auditEmitter.emit(ctx, audit.EventDownloadResolved, claims.BatchID, claims.KitID, "resolved", "")
	return d, nil
}
