// Package relay implements the resilient multi-key dispatch layer:
// credential pool with health tracking, error classification, retry with
// adaptive backoff, key rotation, model fallback, and streaming delivery.
package relay

import (
	"strings"
)

// Category is the closed failure taxonomy for classified API errors.
type Category string

const (
	CategoryContentValidation Category = "content_validation"
	CategoryAuth              Category = "auth"
	CategoryQuota             Category = "quota"
	CategoryNetwork           Category = "network"
	CategoryTimeout           Category = "timeout"
	CategoryMalformed         Category = "malformed_request"
	CategoryServer            Category = "server"
	CategoryModelNotFound     Category = "model_not_found"
	CategorySafety            Category = "safety_block"
	CategoryUnknown           Category = "unknown"
)

// Severity grades how urgent a classified failure is for the user.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Classification is the derived value object for one failure. It is a pure
// function of the error text: the same message always yields the same
// classification.
type Classification struct {
	Category        Category `json:"category"`
	Severity        Severity `json:"severity"`
	Retryable       bool     `json:"retryable"`
	SuggestedAction string   `json:"suggested_action"`
}

// classifyRule pairs an ordered set of lowercase substrings with a category.
// The first rule with any matching substring wins.
type classifyRule struct {
	category Category
	patterns []string
}

// classifyRules is evaluated top to bottom. Order matters: error messages
// overlap (an auth error can also contain "invalid"), so content validation
// is checked before auth, auth before quota, and so on down to the unknown
// fallback.
var classifyRules = []classifyRule{
	{CategoryContentValidation, []string{
		"content must", "contents must", "invalid content",
		"unsupported mime", "image is too large", "empty contents",
	}},
	{CategoryAuth, []string{
		"api key not valid", "api_key_invalid", "invalid api key",
		"api key expired", "permission_denied", "permission denied",
		"unauthenticated", "unauthorized", "forbidden", "401", "403",
	}},
	{CategoryQuota, []string{
		"quota", "resource_exhausted", "resource exhausted",
		"rate limit", "rate-limit", "too many requests", "429",
	}},
	{CategoryNetwork, []string{
		"network", "connection refused", "connection reset",
		"no such host", "fetch failed", "broken pipe",
		"unexpected eof", "dns",
	}},
	{CategoryTimeout, []string{
		"timeout", "timed out", "deadline exceeded",
	}},
	{CategoryMalformed, []string{
		"invalid_argument", "invalid argument", "bad request",
		"malformed", "400",
	}},
	{CategoryServer, []string{
		"internal server", "internal error", "server error",
		"service unavailable", "unavailable", "overloaded",
		"500", "502", "503",
	}},
	{CategoryModelNotFound, []string{
		"model not found", "is not found", "not_found", "404",
		"unknown model", "unsupported model", "is not supported",
	}},
	{CategorySafety, []string{
		"safety", "blocked", "prohibited_content", "recitation",
		"harm_category",
	}},
}

// retryableCategories marks which categories warrant another attempt against
// the same credential. Auth, malformed requests, missing models, content
// problems, and safety blocks fail the same way every time.
var retryableCategories = map[Category]bool{
	CategoryQuota:   true,
	CategoryNetwork: true,
	CategoryTimeout: true,
	CategoryServer:  true,
}

// severityByCategory grades each category. Auth, quota, and safety failures
// need user action; transport hiccups usually resolve themselves.
var severityByCategory = map[Category]Severity{
	CategoryContentValidation: SeverityMedium,
	CategoryAuth:              SeverityHigh,
	CategoryQuota:             SeverityHigh,
	CategoryNetwork:           SeverityMedium,
	CategoryTimeout:           SeverityMedium,
	CategoryMalformed:         SeverityMedium,
	CategoryServer:            SeverityMedium,
	CategoryModelNotFound:     SeverityMedium,
	CategorySafety:            SeverityHigh,
	CategoryUnknown:           SeverityLow,
}

// actionByCategory holds the user-facing remediation hint per category.
// Callers render this instead of raw error text.
var actionByCategory = map[Category]string{
	CategoryContentValidation: "Check the request content: roles must alternate and attachments must use a supported format.",
	CategoryAuth:              "Check that the API key is valid and has access to the Generative Language API.",
	CategoryQuota:             "Quota or rate limit reached. Wait for the window to reset, add more keys, or let the model fallback take over.",
	CategoryNetwork:           "Network problem reaching the API. Check connectivity and any proxy configuration.",
	CategoryTimeout:           "The request timed out. The service may be slow; it will be retried automatically.",
	CategoryMalformed:         "The request was rejected as malformed. Check the generation parameters.",
	CategoryServer:            "The API reported a server-side problem. Retrying usually resolves this.",
	CategoryModelNotFound:     "The requested model does not exist or is not available to this key. Pick a different model.",
	CategorySafety:            "The response was blocked by safety filters. Rephrase the prompt.",
	CategoryUnknown:           "Unexpected error. Check the logs for the full message.",
}

// Classify maps an error into the closed taxonomy by matching its message
// against the ordered rule table. Nil errors classify as unknown.
func Classify(err error) Classification {
	if err == nil {
		return classificationFor(CategoryUnknown)
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range classifyRules {
		for _, p := range rule.patterns {
			if strings.Contains(msg, p) {
				return classificationFor(rule.category)
			}
		}
	}
	return classificationFor(CategoryUnknown)
}

func classificationFor(cat Category) Classification {
	return Classification{
		Category:        cat,
		Severity:        severityByCategory[cat],
		Retryable:       retryableCategories[cat],
		SuggestedAction: actionByCategory[cat],
	}
}
