// Package classify maps raw provider-call failures into the retry taxonomy
// the worker loop acts on. Classification is a pure function of the error
// signal — no side effects — so policy can be tested without a provider.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/trimbox/actionq/internal/types"
)

// Category is the coarse failure class driving the retry decision.
type Category int

const (
	// RateLimited: retryable; honor the Retry-After hint when present.
	RateLimited Category = iota
	// AuthExpired: retryable only after an external token refresh. The
	// worker pauses dispatch instead of burning retries.
	AuthExpired
	// QuotaExceeded: not retryable until the next quota window; gated to the
	// next UTC day independent of the retry count.
	QuotaExceeded
	// TransientNetwork: retryable with standard backoff.
	TransientNetwork
	// PermanentClientError: terminal — malformed request, not-found, gone.
	PermanentClientError
	// Unknown: retryable with standard backoff, capped at maxRetries.
	Unknown
)

// String returns a stable label for logs.
func (c Category) String() string {
	switch c {
	case RateLimited:
		return "rate_limited"
	case AuthExpired:
		return "auth_expired"
	case QuotaExceeded:
		return "quota_exceeded"
	case TransientNetwork:
		return "transient_network"
	case PermanentClientError:
		return "permanent_client_error"
	default:
		return "unknown"
	}
}

// AttemptCategory maps the classification onto the coarser attempt-history
// vocabulary.
func (c Category) AttemptCategory() types.AttemptCategory {
	switch c {
	case RateLimited, QuotaExceeded:
		return types.AttemptRateLimited
	case AuthExpired:
		return types.AttemptAuthError
	case TransientNetwork:
		return types.AttemptNetError
	default:
		return types.AttemptAPIError
	}
}

// Result is the classified failure.
type Result struct {
	Category Category
	// RetryAfter is the provider's cool-down hint, zero when absent.
	RetryAfter time.Duration
	// Code is the HTTP status when the call produced one.
	Code    int
	Message string
}

// StatusError carries a bare HTTP status from capability calls that do not
// go through the Google API client (e.g. unsubscribe requests).
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Message)
}

// Classify maps err into a Result. A nil error is a programming mistake and
// classifies as Unknown with an explanatory message.
func Classify(err error) Result {
	if err == nil {
		return Result{Category: Unknown, Message: "classify called with nil error"}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return classifyStatus(gerr.Code, gerr.Message, reasonsOf(gerr), retryAfterOf(gerr.Header))
	}

	var serr *StatusError
	if errors.As(err, &serr) {
		return classifyStatus(serr.Code, serr.Message, nil, 0)
	}

	// Anything that smells like the network is retryable with short backoff.
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{Category: TransientNetwork, Message: "request timed out"}
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return Result{Category: TransientNetwork, Message: trim(err.Error())}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return Result{Category: TransientNetwork, Message: trim(err.Error())}
	}

	return Result{Category: Unknown, Message: trim(err.Error())}
}

// classifyStatus applies the HTTP status taxonomy shared by Google API
// errors and plain status errors.
func classifyStatus(code int, msg string, reasons []string, retryAfter time.Duration) Result {
	r := Result{Code: code, Message: trim(msg), RetryAfter: retryAfter}

	switch {
	case code == http.StatusTooManyRequests:
		r.Category = RateLimited
	case code == http.StatusUnauthorized:
		r.Category = AuthExpired
	case code == http.StatusForbidden:
		// Gmail reports both throttling and quota exhaustion as 403; the
		// reason strings disambiguate.
		r.Category = PermanentClientError
		for _, reason := range reasons {
			switch reason {
			case "rateLimitExceeded", "userRateLimitExceeded":
				r.Category = RateLimited
			case "dailyLimitExceeded", "quotaExceeded":
				r.Category = QuotaExceeded
			}
		}
	case code == http.StatusRequestTimeout:
		r.Category = TransientNetwork
	case code >= 400 && code < 500:
		r.Category = PermanentClientError
	case code >= 500:
		r.Category = TransientNetwork
	default:
		r.Category = Unknown
	}
	return r
}

func reasonsOf(gerr *googleapi.Error) []string {
	reasons := make([]string, 0, len(gerr.Errors))
	for _, item := range gerr.Errors {
		reasons = append(reasons, item.Reason)
	}
	return reasons
}

// retryAfterOf parses a Retry-After header, accepting both delta-seconds and
// HTTP dates.
func retryAfterOf(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// trim keeps error detail loggable without dragging whole response bodies
// into the store.
func trim(s string) string {
	const limit = 500
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
