package service

import (
	"context"
	"errors"

	dErrors "cohort/pkg/domain-errors"
	"cohort/pkg/platform/sentinel"
)

// wrapBatchErr translates store sentinels into domain codes. Coded errors
// from the model pass through untouched.
func wrapBatchErr(err error) error {
	if err == nil {
		return nil
	}
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "batch not found")
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.New(dErrors.CodeAlreadyJoined, "identity already joined this batch")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "batch was modified concurrently, retry")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "batch update timed out")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "batch store failure")
	}
}

// joinOutcome labels a join result for metrics.
func joinOutcome(err error) string {
	switch {
	case err == nil:
		return "admitted"
	case dErrors.HasCode(err, dErrors.CodeAlreadyJoined):
		return "already_joined"
	case dErrors.HasCode(err, dErrors.CodeBatchFull):
		return "batch_full"
	case dErrors.HasCode(err, dErrors.CodeInvalidArgument):
		return "invalid"
	default:
		return "error"
	}
}
