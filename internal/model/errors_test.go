package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{name: "NotFound", err: NewNotFoundError(PlatformStreaming, "x"), want: FailureNotFound},
		{name: "ラップされたThrottled", err: fmt.Errorf("wrap: %w", NewThrottledError(PlatformMicroblog, 429, time.Minute)), want: FailureThrottled},
		{name: "Auth", err: NewAuthError(PlatformVideo, 401, errors.New("bad key")), want: FailureAuth},
		{name: "Timeout", err: NewTimeoutError(PlatformTrends, time.Minute), want: FailureTimeout},
		{name: "型なしエラーは一時的な失敗", err: errors.New("connection reset"), want: FailureTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFailureKind_Outcome(t *testing.T) {
	want := map[FailureKind]Outcome{
		FailureTransient: OutcomeTransient,
		FailureNotFound:  OutcomeNotFound,
		FailureThrottled: OutcomeThrottled,
		FailureAuth:      OutcomeAuthFailure,
		FailureTimeout:   OutcomeSkippedTimeout,
		FailureRejected:  OutcomeRejected,
	}
	for kind, outcome := range want {
		if got := kind.Outcome(); got != outcome {
			t.Errorf("%s.Outcome() = %s, want %s", kind, got, outcome)
		}
	}
}

func TestConnectorError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("upstream 503")
	err := NewTransientError(PlatformStorefront, 503, cause)

	if !errors.Is(err, cause) {
		t.Error("Unwrapで元のエラーを辿れるべき")
	}
	msg := err.Error()
	for _, part := range []string{"[storefront]", "transient", "status 503", "upstream 503"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q, want to contain %q", msg, part)
		}
	}
}

func TestIsContextError(t *testing.T) {
	if !IsContextError(fmt.Errorf("wrap: %w", context.DeadlineExceeded)) {
		t.Error("DeadlineExceededはコンテキストエラー")
	}
	if !IsContextError(context.Canceled) {
		t.Error("Canceledはコンテキストエラー")
	}
	if IsContextError(NewNotFoundError(PlatformVideo, "x")) {
		t.Error("NotFoundはコンテキストエラーではない")
	}
}
