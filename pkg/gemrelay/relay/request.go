package relay

import (
	"context"
	"encoding/json"
	"fmt"
)

// Role names one side of the conversation, matching the vendor wire roles.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Attachment is a binary part of a conversation turn (image, PDF, audio).
type Attachment struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Turn is one prior message in the conversation.
type Turn struct {
	Role        Role         `json:"role"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// GenerationParams are the per-request tuning knobs. Nil pointer fields mean
// "let the server decide".
type GenerationParams struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopK            *int     `json:"top_k,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`
	MaxOutputTokens *int     `json:"max_output_tokens,omitempty"`
	ThinkingBudget  *int     `json:"thinking_budget,omitempty"`
	WebGrounding    bool     `json:"web_grounding,omitempty"`
	URLContext      bool     `json:"url_context,omitempty"`
}

// GenerationRequest is the logical unit of work: the full prior conversation
// plus generation parameters. Immutable once dispatched; build a fresh one
// per user submission.
type GenerationRequest struct {
	Turns  []Turn           `json:"turns"`
	Params GenerationParams `json:"params"`
}

// Validate rejects requests the transport would refuse anyway, so the error
// surfaces before any credential is consumed.
func (r *GenerationRequest) Validate() error {
	if len(r.Turns) == 0 {
		return fmt.Errorf("generation request: contents must not be empty")
	}
	for i, t := range r.Turns {
		if t.Role != RoleUser && t.Role != RoleModel {
			return fmt.Errorf("generation request: turn %d has invalid role %q", i, t.Role)
		}
	}
	return nil
}

// Usage holds token accounting reported by the API.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ThinkingTokens   int `json:"thinking_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the materialized outcome of one generation.
type Result struct {
	Text       string          `json:"text"`
	Model      string          `json:"model"`
	Grounding  json.RawMessage `json:"grounding,omitempty"`
	URLContext json.RawMessage `json:"url_context,omitempty"`
	Usage      Usage           `json:"usage"`
}

// Emit delivers one stream event from the transport to the adapter.
type Emit func(ev StreamEvent)

// Transport is the abstract boundary to the vendor API. A direct SDK-style
// HTTP client and a same-origin reverse proxy both satisfy it; the
// dispatcher cannot tell them apart.
type Transport interface {
	// Generate performs a non-streaming call and returns the materialized
	// result.
	Generate(ctx context.Context, key string, req *GenerationRequest, model string) (*Result, error)

	// Stream performs a streaming call, emitting text and metadata events
	// in arrival order, and returns the final result once the stream ends.
	Stream(ctx context.Context, key string, req *GenerationRequest, model string, emit Emit) (*Result, error)
}

// AllKeysFailedError aggregates a full-pool exhaustion: every credential was
// tried once, in rotation order, and all failed.
type AllKeysFailedError struct {
	Model          string
	Attempts       int
	Last           error
	Classification Classification
}

func (e *AllKeysFailedError) Error() string {
	return fmt.Sprintf("all %d credentials failed for model %s: %v", e.Attempts, e.Model, e.Last)
}

// Unwrap exposes the last underlying cause for errors.Is/As.
func (e *AllKeysFailedError) Unwrap() error { return e.Last }
