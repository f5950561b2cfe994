package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("generate: %w", context.DeadlineExceeded), KindTimeout},
		{"canceled", context.Canceled, KindCanceled},
		{"status 429", &StatusError{Code: 429}, KindQuota},
		{"status 400", fmt.Errorf("wrap: %w", &StatusError{Code: 400, Body: "bad"}), KindContent},
		{"status 503", &StatusError{Code: 503}, KindUpstream},
		{"quota text", errors.New("Error 429, RESOURCE_EXHAUSTED: quota exceeded"), KindQuota},
		{"safety text", errors.New("response blocked due to SAFETY"), KindContent},
		{"refused", errors.New("dial tcp: connection refused"), KindNetwork},
		{"other", errors.New("weird"), KindUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%s: Classify() = %q, want %q", tc.name, got, tc.want)
		}
	}
}
