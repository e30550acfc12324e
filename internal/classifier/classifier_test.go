package classifier

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   Kind
		wantAction Action
	}{
		{"unauthorized", 401, "", KindAuth, ActionRefreshAndRetry},
		{"suspended account", 403, `{"message":"account suspended"}`, KindSuspended, ActionDisableAccount},
		{"forbidden not suspended", 403, `{"message":"missing scope"}`, KindAuth, ActionRefreshAndRetry},
		{"quota exceeded", 429, `{"message":"monthly limit reached"}`, KindQuota, ActionDisableAccount},
		{"plain rate limit", 429, `{"message":"slow down"}`, KindRateLimited, ActionThrottle},
		{"conflict", 409, "", KindConflict, ActionRetrySame},
		{"bad gateway", 502, "", KindNetwork, ActionRetryOther},
		{"service unavailable", 503, "", KindNetwork, ActionRetryOther},
		{"generic client error", 400, "", KindUnknown, ActionFail},
		{"generic server error", 599, "", KindUnknown, ActionRetryOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyHTTP(tt.status, tt.body)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantAction, got.Action)
		})
	}
}

func TestClassifyHTTP_RateLimitCarriesRetryAfter(t *testing.T) {
	got := ClassifyHTTP(429, "slow down")
	assert.Equal(t, 60, got.RetryAfterSecs)
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "fake timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestClassifyTransportError(t *testing.T) {
	var netErr net.Error = fakeTimeoutErr{}

	tests := []struct {
		name     string
		err      error
		wantKind Kind
	}{
		{"nil error", nil, KindUnknown},
		{"context canceled", context.Canceled, KindUnknown},
		{"deadline exceeded", context.DeadlineExceeded, KindUnknown},
		{"net timeout", netErr, KindNetwork},
		{"connection reset message", assertErr("connection reset by peer"), KindNetwork},
		{"unrecognized error", assertErr("something weird happened"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyTransportError(tt.err)
			assert.Equal(t, tt.wantKind, got.Kind)
		})
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	assert.True(t, IsRetryableHTTPStatus(429))
	assert.True(t, IsRetryableHTTPStatus(503))
	assert.False(t, IsRetryableHTTPStatus(400))
	assert.False(t, IsRetryableHTTPStatus(200))
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
