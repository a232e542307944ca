package relay

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		message   string
		category  Category
		retryable bool
		severity  Severity
	}{
		{"quota keyword", "Quota exceeded for quota metric", CategoryQuota, true, SeverityHigh},
		{"resource exhausted", "api error 429 RESOURCE_EXHAUSTED: rate limited", CategoryQuota, true, SeverityHigh},
		{"too many requests", "Too Many Requests", CategoryQuota, true, SeverityHigh},
		{"invalid api key", "api error 400 INVALID_ARGUMENT: API key not valid. Please pass a valid API key.", CategoryAuth, false, SeverityHigh},
		{"permission denied", "api error 403 PERMISSION_DENIED: access denied", CategoryAuth, false, SeverityHigh},
		{"connection refused", "network error: dial tcp: connection refused", CategoryNetwork, true, SeverityMedium},
		{"dns failure", "no such host", CategoryNetwork, true, SeverityMedium},
		{"deadline exceeded", "context deadline exceeded", CategoryTimeout, true, SeverityMedium},
		{"timed out", "request timed out after 120s", CategoryTimeout, true, SeverityMedium},
		{"server error", "api error 500 INTERNAL: internal error encountered", CategoryServer, true, SeverityMedium},
		{"overloaded", "api error 503 UNAVAILABLE: the model is overloaded", CategoryServer, true, SeverityMedium},
		{"bad request", "api error 400: bad request", CategoryMalformed, false, SeverityMedium},
		{"model not found", "api error 404 NOT_FOUND: model gemini-9.9 is not found", CategoryModelNotFound, false, SeverityMedium},
		{"safety block", "response blocked by safety filter: SAFETY", CategorySafety, false, SeverityHigh},
		{"prohibited content", "prompt blocked by safety filter: PROHIBITED_CONTENT", CategorySafety, false, SeverityHigh},
		{"content validation", "contents must not be empty", CategoryContentValidation, false, SeverityMedium},
		{"unsupported attachment", "unsupported MIME type image/tiff", CategoryContentValidation, false, SeverityMedium},
		{"unknown", "something inexplicable happened", CategoryUnknown, false, SeverityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(errors.New(tt.message))
			if got.Category != tt.category {
				t.Errorf("category = %s, want %s", got.Category, tt.category)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", got.Retryable, tt.retryable)
			}
			if got.Severity != tt.severity {
				t.Errorf("severity = %s, want %s", got.Severity, tt.severity)
			}
			if got.SuggestedAction == "" {
				t.Error("suggested action must never be empty")
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	err := errors.New("api error 429 RESOURCE_EXHAUSTED: quota exceeded")
	first := Classify(err)
	for i := 0; i < 100; i++ {
		if got := Classify(err); got != first {
			t.Fatalf("classification changed on call %d: %+v != %+v", i, got, first)
		}
	}
}

func TestClassifyOrderingQuotaBeforeMalformed(t *testing.T) {
	// 429 messages often carry "INVALID_ARGUMENT"-adjacent text; the quota
	// rule must win over malformed when both substrings appear.
	err := fmt.Errorf("api error 429: rate limit exceeded, invalid argument in retry info")
	if got := Classify(err); got.Category != CategoryQuota {
		t.Errorf("category = %s, want %s", got.Category, CategoryQuota)
	}
}

func TestClassifyAuthBeforeQuota(t *testing.T) {
	// An expired key mentioning quota limits is still an auth failure.
	err := errors.New("api error 403 PERMISSION_DENIED: key lacks quota access")
	if got := Classify(err); got.Category != CategoryAuth {
		t.Errorf("category = %s, want %s", got.Category, CategoryAuth)
	}
}

func TestClassifyWrappedError(t *testing.T) {
	inner := errors.New("connection reset by peer")
	wrapped := fmt.Errorf("sending request: %w", inner)
	if got := Classify(wrapped); got.Category != CategoryNetwork {
		t.Errorf("category = %s, want %s", got.Category, CategoryNetwork)
	}
}

func TestClassifyNil(t *testing.T) {
	got := Classify(nil)
	if got.Category != CategoryUnknown {
		t.Errorf("category = %s, want %s", got.Category, CategoryUnknown)
	}
}
