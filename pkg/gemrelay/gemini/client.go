package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jjoaquim/gemrelay/pkg/gemrelay/relay"
)

const (
	// defaultBaseURL is the public Generative Language endpoint.
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// apiKeyHeader carries the credential on every request.
	apiKeyHeader = "x-goog-api-key"
)

// Client talks to the Generative Language API. It implements
// relay.Transport; credentials come in per call, never stored.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint, e.g. for a regional mirror or
// egress proxy.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithTimeout bounds one non-streaming exchange. Streaming requests are
// bounded by their context instead, since a healthy stream can legitimately
// run for minutes.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithLogger attaches a logger for wire-level debug output.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		c.log = log.With("component", "gemini")
	}
}

// NewClient builds a transport with the default endpoint and a two minute
// request timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 2 * time.Minute},
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate performs a blocking generateContent call.
func (c *Client) Generate(ctx context.Context, key string, req *relay.GenerationRequest, model string) (*relay.Result, error) {
	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	resp, err := c.do(ctx, key, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiErrorFrom(resp.StatusCode, data)
	}

	var gr generateResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return resultFrom(&gr, model)
}

// Stream performs streamGenerateContent over SSE, forwarding text chunks
// and metadata through emit as they arrive. The returned Result carries the
// full accumulated text.
func (c *Client) Stream(ctx context.Context, key string, req *relay.GenerationRequest, model string, emit relay.Emit) (*relay.Result, error) {
	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(apiKeyHeader, key)

	// No client timeout here; the context owns the stream's lifetime.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, apiErrorFrom(resp.StatusCode, data)
	}

	return c.readStream(resp.Body, model, emit)
}

// readStream consumes SSE lines, emitting each text chunk and the metadata
// blocks as they appear.
func (c *Client) readStream(r io.Reader, model string, emit relay.Emit) (*relay.Result, error) {
	var (
		text       strings.Builder
		result     = &relay.Result{Model: model}
		sawChunk   bool
		groundSent bool
		urlSent    bool
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk generateResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.log.Debug("skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			return nil, &APIError{StatusCode: chunk.Error.Code, Status: chunk.Error.Status, Message: chunk.Error.Message}
		}
		if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("prompt blocked by safety filter: %s", chunk.PromptFeedback.BlockReason)
		}
		if chunk.UsageMetadata != nil {
			result.Usage = usageFrom(chunk.UsageMetadata)
		}
		if len(chunk.Candidates) == 0 {
			continue
		}

		cand := chunk.Candidates[0]
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				if p.Text == "" {
					continue
				}
				sawChunk = true
				text.WriteString(p.Text)
				if emit != nil {
					emit(relay.StreamEvent{Type: relay.EventText, Text: p.Text})
				}
			}
		}
		if len(cand.GroundingMetadata) > 0 && !groundSent {
			groundSent = true
			result.Grounding = cand.GroundingMetadata
			if emit != nil {
				emit(relay.StreamEvent{Type: relay.EventGrounding, Metadata: cand.GroundingMetadata})
			}
		}
		if len(cand.URLContextMetadata) > 0 && !urlSent {
			urlSent = true
			result.URLContext = cand.URLContextMetadata
			if emit != nil {
				emit(relay.StreamEvent{Type: relay.EventURLContext, Metadata: cand.URLContextMetadata})
			}
		}
		if cand.FinishReason == "SAFETY" || cand.FinishReason == "PROHIBITED_CONTENT" {
			return nil, fmt.Errorf("response blocked by safety filter: %s", cand.FinishReason)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("network error reading stream: %w", err)
	}
	if !sawChunk {
		return nil, fmt.Errorf("empty response from model")
	}

	result.Text = text.String()
	return result, nil
}

// Probe validates a key with the cheapest authenticated call available.
func (c *Client) Probe(ctx context.Context, key string) error {
	body, err := json.Marshal(countTokensRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: "ping"}}}},
	})
	if err != nil {
		return fmt.Errorf("encoding probe: %w", err)
	}

	url := fmt.Sprintf("%s/models/gemini-2.5-flash-lite:countTokens", c.baseURL)
	resp, err := c.do(ctx, key, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading probe response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return apiErrorFrom(resp.StatusCode, data)
	}

	var ct countTokensResponse
	if err := json.Unmarshal(data, &ct); err != nil {
		return fmt.Errorf("decoding probe response: %w", err)
	}
	if ct.Error != nil {
		return &APIError{StatusCode: ct.Error.Code, Status: ct.Error.Status, Message: ct.Error.Message}
	}
	return nil
}

// do issues one JSON POST with the key header set.
func (c *Client) do(ctx context.Context, key, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, key)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("network error: %w", err)
	}
	return resp, nil
}

// buildRequest converts the provider-neutral request to wire format.
func buildRequest(req *relay.GenerationRequest) *generateRequest {
	out := &generateRequest{}
	for _, turn := range req.Turns {
		ct := content{Role: string(turn.Role)}
		if turn.Text != "" {
			ct.Parts = append(ct.Parts, part{Text: turn.Text})
		}
		for _, att := range turn.Attachments {
			ct.Parts = append(ct.Parts, part{InlineData: &inlineData{
				MIMEType: att.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(att.Data),
			}})
		}
		out.Contents = append(out.Contents, ct)
	}

	p := req.Params
	if p.Temperature != nil || p.TopK != nil || p.TopP != nil || p.MaxOutputTokens != nil || p.ThinkingBudget != nil {
		gc := &generationConfig{
			Temperature:     p.Temperature,
			TopK:            p.TopK,
			TopP:            p.TopP,
			MaxOutputTokens: p.MaxOutputTokens,
		}
		if p.ThinkingBudget != nil {
			gc.ThinkingConfig = &thinkingConfig{ThinkingBudget: *p.ThinkingBudget}
		}
		out.GenerationConfig = gc
	}
	if p.WebGrounding {
		out.Tools = append(out.Tools, tool{GoogleSearch: &struct{}{}})
	}
	if p.URLContext {
		out.Tools = append(out.Tools, tool{URLContext: &struct{}{}})
	}
	return out
}

// resultFrom extracts the answer from a non-streaming response.
func resultFrom(gr *generateResponse, model string) (*relay.Result, error) {
	if gr.Error != nil {
		return nil, &APIError{StatusCode: gr.Error.Code, Status: gr.Error.Status, Message: gr.Error.Message}
	}
	if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("prompt blocked by safety filter: %s", gr.PromptFeedback.BlockReason)
	}
	if len(gr.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from model")
	}

	cand := gr.Candidates[0]
	if cand.FinishReason == "SAFETY" || cand.FinishReason == "PROHIBITED_CONTENT" {
		return nil, fmt.Errorf("response blocked by safety filter: %s", cand.FinishReason)
	}

	var text strings.Builder
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			text.WriteString(p.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("empty response from model")
	}

	res := &relay.Result{
		Text:       text.String(),
		Model:      model,
		Grounding:  cand.GroundingMetadata,
		URLContext: cand.URLContextMetadata,
	}
	if gr.UsageMetadata != nil {
		res.Usage = usageFrom(gr.UsageMetadata)
	}
	return res, nil
}

// apiErrorFrom builds an APIError from a non-200 response body, falling
// back to the raw body when the JSON envelope is absent.
func apiErrorFrom(statusCode int, body []byte) error {
	var envelope struct {
		Error *apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		return &APIError{
			StatusCode: statusCode,
			Status:     envelope.Error.Status,
			Message:    envelope.Error.Message,
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &APIError{StatusCode: statusCode, Message: msg}
}

// usageFrom converts wire token accounting.
func usageFrom(u *usageMetadata) relay.Usage {
	return relay.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		ThinkingTokens:   u.ThoughtsTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
}
