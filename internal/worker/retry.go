package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	minio "github.com/minio/minio-go/v7"
)

// permanent reports whether err will not go away on retry: a cancelled
// context or an object store answer about a missing or forbidden object.
func permanent(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId":
		return true
	}
	return false
}

// retry runs fn up to maxAttempts times with jittered exponential backoff:
// the delay doubles per attempt and 0-50% jitter is added. Permanent
// errors are returned immediately.
func retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts || permanent(lastErr) || ctx.Err() != nil {
			break
		}
		var jitter time.Duration
		if half := int64(delay / 2); half > 0 {
			jitter = time.Duration(rand.Int63n(half))
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return lastErr
}
