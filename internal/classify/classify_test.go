package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"

	"github.com/trimbox/actionq/internal/types"
)

func TestClassify_GoogleAPIStatusCodes(t *testing.T) {
	tests := []struct {
		name    string
		err     *googleapi.Error
		want    Category
	}{
		{"429 throttled", &googleapi.Error{Code: 429, Message: "Too many requests"}, RateLimited},
		{"401 expired token", &googleapi.Error{Code: 401, Message: "Invalid Credentials"}, AuthExpired},
		{"403 user rate limit", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, RateLimited},
		{"403 daily quota", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "dailyLimitExceeded"}}}, QuotaExceeded},
		{"403 forbidden plain", &googleapi.Error{Code: 403, Message: "Forbidden"}, PermanentClientError},
		{"400 malformed", &googleapi.Error{Code: 400, Message: "Invalid id"}, PermanentClientError},
		{"404 gone", &googleapi.Error{Code: 404, Message: "Not Found"}, PermanentClientError},
		{"408 server-side timeout", &googleapi.Error{Code: 408}, TransientNetwork},
		{"500 backend", &googleapi.Error{Code: 500, Message: "Backend Error"}, TransientNetwork},
		{"503 unavailable", &googleapi.Error{Code: 503}, TransientNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.want, got.Category)
			assert.Equal(t, tt.err.Code, got.Code)
		})
	}
}

func TestClassify_RetryAfterHint(t *testing.T) {
	gerr := &googleapi.Error{
		Code:   429,
		Header: http.Header{"Retry-After": []string{"5"}},
	}
	got := Classify(gerr)
	assert.Equal(t, RateLimited, got.Category)
	assert.Equal(t, 5*time.Second, got.RetryAfter)

	// Absent header → no hint.
	got = Classify(&googleapi.Error{Code: 429})
	assert.Zero(t, got.RetryAfter)
}

func TestClassify_StatusError(t *testing.T) {
	got := Classify(&StatusError{Code: 502, Message: "bad gateway"})
	assert.Equal(t, TransientNetwork, got.Category)

	got = Classify(fmt.Errorf("unsubscribe: %w", &StatusError{Code: 410}))
	assert.Equal(t, PermanentClientError, got.Category, "wrapped status errors must still classify")
}

func TestClassify_NetworkErrors(t *testing.T) {
	assert.Equal(t, TransientNetwork, Classify(context.DeadlineExceeded).Category)

	var nerr net.Error = &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	assert.Equal(t, TransientNetwork, Classify(nerr).Category)

	uerr := &url.Error{Op: "Get", URL: "https://example.com/u", Err: errors.New("EOF")}
	assert.Equal(t, TransientNetwork, Classify(uerr).Category)
}

func TestClassify_UnknownFallback(t *testing.T) {
	got := Classify(errors.New("something odd happened"))
	assert.Equal(t, Unknown, got.Category)
	assert.Equal(t, "something odd happened", got.Message)
}

func TestClassify_TruncatesLongMessages(t *testing.T) {
	got := Classify(errors.New(strings.Repeat("x", 2000)))
	assert.LessOrEqual(t, len(got.Message), 500)
}

func TestCategory_AttemptCategoryMapping(t *testing.T) {
	tests := map[Category]types.AttemptCategory{
		RateLimited:          types.AttemptRateLimited,
		QuotaExceeded:        types.AttemptRateLimited,
		AuthExpired:          types.AttemptAuthError,
		TransientNetwork:     types.AttemptNetError,
		PermanentClientError: types.AttemptAPIError,
		Unknown:              types.AttemptAPIError,
	}
	for cat, want := range tests {
		assert.Equal(t, want, cat.AttemptCategory(), cat.String())
	}
}

// Classification is a pure function: the same error always yields the same
// result.
func TestClassify_Deterministic(t *testing.T) {
	err := &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}
	first := Classify(err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(err))
	}
}
