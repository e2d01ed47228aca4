package testutil

import (
	"context"
	"time"

	"cohort/pkg/requestcontext"
)

// At returns a background context whose request clock reads t.
func At(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

// WithRequestMetadata sets the request id and acting admin on ctx.
func WithRequestMetadata(ctx context.Context, requestID, actor string) context.Context {
	ctx = requestcontext.WithRequestID(ctx, requestID)
	return requestcontext.WithActorID(ctx, actor)
}
