package drive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/sethvargo/go-retry"
	"google.golang.org/api/googleapi"

	"github.com/vonshlovens/drivesync-pg/internal/common"
)

// classify wraps a provider error with the matching sentinel. Transient
// errors are additionally marked retryable for go-retry.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound:
			return fmt.Errorf("%s: %w: %w", op, common.ErrNotFound, err)
		case gerr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %w", op, common.ErrUnauthorized, err)
		case gerr.Code == http.StatusForbidden && !isRateLimit(gerr):
			return fmt.Errorf("%s: %w: %w", op, common.ErrPermissionDenied, err)
		case gerr.Code == http.StatusForbidden,
			gerr.Code == http.StatusTooManyRequests,
			gerr.Code >= 500:
			return retry.RetryableError(fmt.Errorf("%s: %w", op, err))
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	// Per-call deadline expired while the parent context is still live
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.RetryableError(fmt.Errorf("%s: %w", op, err))
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.RetryableError(fmt.Errorf("%s: %w", op, err))
	}

	return fmt.Errorf("%s: %w", op, err)
}

func isRateLimit(gerr *googleapi.Error) bool {
	for _, e := range gerr.Errors {
		switch e.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}
