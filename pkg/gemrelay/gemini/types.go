// Package gemini implements the Generative Language API transport:
// request/response wire types, SSE streaming, and key probing.
package gemini

import (
	"encoding/json"
	"fmt"
)

// content is one conversation turn on the wire.
type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

// part is one piece of a turn: text or inline binary data.
type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

// inlineData carries base64-encoded media with its MIME type.
type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// generationConfig carries sampling parameters.
type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *thinkingConfig `json:"thinkingConfig,omitempty"`
}

// thinkingConfig bounds the model's internal reasoning budget.
type thinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

// tool enables a built-in capability. Exactly one field is set per entry.
type tool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
	URLContext   *struct{} `json:"url_context,omitempty"`
}

// generateRequest is the generateContent / streamGenerateContent body.
type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
	Tools            []tool            `json:"tools,omitempty"`
}

// generateResponse is one complete response or one streamed chunk.
type generateResponse struct {
	Candidates     []candidate     `json:"candidates,omitempty"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *usageMetadata  `json:"usageMetadata,omitempty"`
	Error          *apiErrorBody   `json:"error,omitempty"`
}

// candidate is one generated answer.
type candidate struct {
	Content            *content        `json:"content,omitempty"`
	FinishReason       string          `json:"finishReason,omitempty"`
	GroundingMetadata  json.RawMessage `json:"groundingMetadata,omitempty"`
	URLContextMetadata json.RawMessage `json:"urlContextMetadata,omitempty"`
}

// promptFeedback reports prompt-level blocking.
type promptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

// usageMetadata is the token accounting block.
type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// countTokensRequest is the countTokens probe body.
type countTokensRequest struct {
	Contents []content `json:"contents"`
}

// countTokensResponse is the countTokens reply.
type countTokensResponse struct {
	TotalTokens int           `json:"totalTokens"`
	Error       *apiErrorBody `json:"error,omitempty"`
}

// apiErrorBody is the JSON error envelope the API returns.
type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// APIError is a failed API exchange. Error() folds the HTTP status code,
// the API status string, and the server message into one string so the
// failure can be categorized from the message alone.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}
