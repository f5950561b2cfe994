package reliability

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
)

// Kind labels a backend failure for logs and metrics.
type Kind string

const (
	KindTimeout  Kind = "timeout"
	KindCanceled Kind = "canceled"
	KindQuota    Kind = "quota"
	KindNetwork  Kind = "network"
	KindContent  Kind = "content"
	KindUpstream Kind = "upstream"
	KindUnknown  Kind = "unknown"
)

// StatusError carries an upstream HTTP status code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "upstream status " + strconv.Itoa(e.Code)
	}
	return "upstream status " + strconv.Itoa(e.Code) + ": " + e.Body
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Classify maps a backend error to a coarse Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se.Code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "resource_exhausted", "rate limit", "rate_limit", "quota", " 429"):
		return KindQuota
	case containsAny(msg, "safety", "blocked", "invalid_argument", "content_filter", "malformed"):
		return KindContent
	case containsAny(msg, "connection refused", "connection reset", "no such host", "eof"):
		return KindNetwork
	case containsAny(msg, " 500", " 502", " 503", " 504", "unavailable", "internal error"):
		return KindUpstream
	default:
		return KindUnknown
	}
}

func classifyStatus(code int) Kind {
	switch {
	case code == 429:
		return KindQuota
	case code == 400 || code == 422:
		return KindContent
	case code == 408 || code == 504:
		return KindTimeout
	case IsRetryableHTTPStatus(code):
		return KindUpstream
	default:
		return KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
