// Package classifier turns raw upstream failures (HTTP status, error
// text, transport-level errors) into the gateway's error taxonomy and
// the retry/disable action that taxonomy implies.
package classifier

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind is the upstream failure taxonomy.
type Kind string

const (
	KindSuspended    Kind = "suspended"
	KindQuota        Kind = "quota_exceeded"
	KindRateLimited  Kind = "rate_limited"
	KindAuth         Kind = "auth_error"
	KindNetwork      Kind = "network_error"
	KindConflict     Kind = "conflict"
	KindUnknown      Kind = "unknown"
)

// Action is what the dispatcher should do in response to a Kind.
type Action string

const (
	ActionDisableAccount Action = "disable_account"
	ActionRetryOther     Action = "retry_other_account"
	ActionThrottle       Action = "throttle"
	ActionRefreshAndRetry Action = "refresh_and_retry"
	ActionRetrySame      Action = "retry_same_account"
	ActionFail           Action = "fail"
)

// Classification is the result of classifying one upstream failure.
type Classification struct {
	Kind           Kind
	Action         Action
	RetryAfterSecs int
}

var networkErrorPatterns = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"timeout",
	"temporary failure",
	"no such host",
	"network is unreachable",
	"i/o timeout",
}

// ClassifyHTTP classifies a failed upstream call by HTTP status code and
// response body text (lower-cased substring matching, same as the
// patterns used for transport errors).
func ClassifyHTTP(statusCode int, body string) Classification {
	lower := strings.ToLower(body)

	switch statusCode {
	case 401:
		return Classification{Kind: KindAuth, Action: ActionRefreshAndRetry}
	case 403:
		if strings.Contains(lower, "suspend") || strings.Contains(lower, "disabled") || strings.Contains(lower, "terminated") {
			return Classification{Kind: KindSuspended, Action: ActionDisableAccount}
		}
		return Classification{Kind: KindAuth, Action: ActionRefreshAndRetry}
	case 429:
		if strings.Contains(lower, "quota") || strings.Contains(lower, "monthly limit") {
			return Classification{Kind: KindQuota, Action: ActionDisableAccount}
		}
		return Classification{Kind: KindRateLimited, Action: ActionThrottle, RetryAfterSecs: 60}
	case 409:
		return Classification{Kind: KindConflict, Action: ActionRetrySame}
	case 500, 502, 503, 504:
		return Classification{Kind: KindNetwork, Action: ActionRetryOther}
	default:
		if statusCode >= 400 && statusCode < 500 {
			return Classification{Kind: KindUnknown, Action: ActionFail}
		}
		return Classification{Kind: KindUnknown, Action: ActionRetryOther}
	}
}

// ClassifyTransportError classifies a transport-level error (connection
// failures, timeouts) returned instead of an HTTP response at all.
func ClassifyTransportError(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown, Action: ActionFail}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: KindUnknown, Action: ActionFail}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Kind: KindNetwork, Action: ActionRetryOther}
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return Classification{Kind: KindNetwork, Action: ActionRetryOther}
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Err != nil {
			return ClassifyTransportError(opErr.Err)
		}
		return Classification{Kind: KindNetwork, Action: ActionRetryOther}
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range networkErrorPatterns {
		if strings.Contains(lower, pattern) {
			return Classification{Kind: KindNetwork, Action: ActionRetryOther}
		}
	}

	return Classification{Kind: KindUnknown, Action: ActionFail}
}

// IsRetryableHTTPStatus reports whether the dispatcher should attempt a
// retry at all for this status code, independent of which account it
// retries against.
func IsRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
