package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jjoaquim/gemrelay/pkg/gemrelay/relay"
)

func testRequest() *relay.GenerationRequest {
	return &relay.GenerationRequest{
		Turns: []relay.Turn{{Role: relay.RoleUser, Text: "hello"}},
	}
}

func TestGenerate(t *testing.T) {
	var gotPath, gotKey string
	var gotBody generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(generateResponse{
			Candidates: []candidate{{
				Content: &content{Role: "model", Parts: []part{{Text: "hi there"}}},
			}},
			UsageMetadata: &usageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 5, TotalTokenCount: 8},
		})
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	res, err := c.Generate(context.Background(), "test-key", testRequest(), "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if gotPath != "/models/gemini-2.5-pro:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("key header = %q", gotKey)
	}
	if len(gotBody.Contents) != 1 || gotBody.Contents[0].Parts[0].Text != "hello" {
		t.Errorf("request body = %+v", gotBody)
	}
	if res.Text != "hi there" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Usage.TotalTokens != 8 {
		t.Errorf("usage total = %d, want 8", res.Usage.TotalTokens)
	}
}

func TestGenerateSendsParams(t *testing.T) {
	var gotBody generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(generateResponse{
			Candidates: []candidate{{Content: &content{Parts: []part{{Text: "ok"}}}}},
		})
	}))
	defer server.Close()

	temp := 0.2
	budget := 2048
	req := testRequest()
	req.Params = relay.GenerationParams{
		Temperature:    &temp,
		ThinkingBudget: &budget,
		WebGrounding:   true,
		URLContext:     true,
	}

	c := NewClient(WithBaseURL(server.URL))
	if _, err := c.Generate(context.Background(), "k", req, "gemini-2.5-pro"); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if gotBody.GenerationConfig == nil || gotBody.GenerationConfig.Temperature == nil {
		t.Fatal("generationConfig missing")
	}
	if *gotBody.GenerationConfig.Temperature != 0.2 {
		t.Errorf("temperature = %v", *gotBody.GenerationConfig.Temperature)
	}
	if gotBody.GenerationConfig.ThinkingConfig == nil || gotBody.GenerationConfig.ThinkingConfig.ThinkingBudget != 2048 {
		t.Errorf("thinkingConfig = %+v", gotBody.GenerationConfig.ThinkingConfig)
	}
	if len(gotBody.Tools) != 2 {
		t.Fatalf("tools = %+v, want google_search and url_context", gotBody.Tools)
	}
	if gotBody.Tools[0].GoogleSearch == nil || gotBody.Tools[1].URLContext == nil {
		t.Errorf("tools = %+v", gotBody.Tools)
	}
}

func TestGenerateQuotaErrorClassifies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"message":"Quota exceeded for quota metric","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	_, err := c.Generate(context.Background(), "k", testRequest(), "gemini-2.5-pro")
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err type = %T", err)
	}
	if apiErr.StatusCode != 429 {
		t.Errorf("status code = %d", apiErr.StatusCode)
	}
	if cls := relay.Classify(err); cls.Category != relay.CategoryQuota {
		t.Errorf("classification = %s, want quota", cls.Category)
	}
}

func TestGenerateAuthErrorClassifies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":400,"message":"API key not valid. Please pass a valid API key.","status":"INVALID_ARGUMENT"}}`)
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	_, err := c.Generate(context.Background(), "bad-key", testRequest(), "gemini-2.5-pro")
	if err == nil {
		t.Fatal("expected error")
	}
	if cls := relay.Classify(err); cls.Category != relay.CategoryAuth {
		t.Errorf("classification = %s, want auth", cls.Category)
	}
}

func TestGenerateBlockedPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{
			PromptFeedback: &promptFeedback{BlockReason: "SAFETY"},
		})
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	_, err := c.Generate(context.Background(), "k", testRequest(), "gemini-2.5-pro")
	if err == nil {
		t.Fatal("expected error")
	}
	if cls := relay.Classify(err); cls.Category != relay.CategorySafety {
		t.Errorf("classification = %s, want safety_block", cls.Category)
	}
}

func TestStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "alt=sse") {
			t.Errorf("missing alt=sse in query %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":", world"}]},"groundingMetadata":{"webSearchQueries":["q"]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":4,"totalTokenCount":6}}`+"\n\n")
	}))
	defer server.Close()

	var events []relay.StreamEvent
	c := NewClient(WithBaseURL(server.URL))
	res, err := c.Stream(context.Background(), "k", testRequest(), "gemini-2.5-pro",
		func(ev relay.StreamEvent) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if res.Text != "Hello, world" {
		t.Errorf("accumulated text = %q", res.Text)
	}
	if res.Usage.TotalTokens != 6 {
		t.Errorf("usage total = %d, want 6", res.Usage.TotalTokens)
	}
	if len(res.Grounding) == 0 {
		t.Error("grounding metadata not captured")
	}

	var texts []string
	var sawGrounding bool
	for _, ev := range events {
		switch ev.Type {
		case relay.EventText:
			texts = append(texts, ev.Text)
		case relay.EventGrounding:
			sawGrounding = true
		}
	}
	if len(texts) != 2 || texts[0] != "Hello" || texts[1] != ", world" {
		t.Errorf("text chunks = %v", texts)
	}
	if !sawGrounding {
		t.Error("grounding event not emitted")
	}
}

func TestStreamErrorChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"error":{"code":503,"message":"The model is overloaded","status":"UNAVAILABLE"}}`+"\n\n")
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	_, err := c.Stream(context.Background(), "k", testRequest(), "gemini-2.5-pro", func(relay.StreamEvent) {})
	if err == nil {
		t.Fatal("expected error")
	}
	if cls := relay.Classify(err); cls.Category != relay.CategoryServer {
		t.Errorf("classification = %s, want server", cls.Category)
	}
}

func TestStreamEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	_, err := c.Stream(context.Background(), "k", testRequest(), "gemini-2.5-pro", func(relay.StreamEvent) {})
	if err == nil {
		t.Fatal("expected an error for a stream with no chunks")
	}
}

func TestProbe(t *testing.T) {
	t.Run("valid key", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasSuffix(r.URL.Path, ":countTokens") {
				t.Errorf("path = %q, want countTokens", r.URL.Path)
			}
			fmt.Fprint(w, `{"totalTokens":1}`)
		}))
		defer server.Close()

		c := NewClient(WithBaseURL(server.URL))
		if err := c.Probe(context.Background(), "good"); err != nil {
			t.Errorf("Probe: %v", err)
		}
	})

	t.Run("invalid key", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"error":{"code":403,"message":"permission denied","status":"PERMISSION_DENIED"}}`)
		}))
		defer server.Close()

		c := NewClient(WithBaseURL(server.URL))
		err := c.Probe(context.Background(), "bad")
		if err == nil {
			t.Fatal("expected probe failure")
		}
		if cls := relay.Classify(err); cls.Category != relay.CategoryAuth {
			t.Errorf("classification = %s, want auth", cls.Category)
		}
	})
}

func TestBuildRequestAttachments(t *testing.T) {
	req := &relay.GenerationRequest{
		Turns: []relay.Turn{{
			Role: relay.RoleUser,
			Text: "what is this?",
			Attachments: []relay.Attachment{
				{MIMEType: "image/png", Data: []byte{0x89, 0x50, 0x4e, 0x47}},
			},
		}},
	}
	wire := buildRequest(req)
	if len(wire.Contents) != 1 {
		t.Fatalf("contents = %d", len(wire.Contents))
	}
	parts := wire.Contents[0].Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want text plus inline data", len(parts))
	}
	if parts[1].InlineData == nil || parts[1].InlineData.MIMEType != "image/png" {
		t.Errorf("inline data = %+v", parts[1].InlineData)
	}
	if parts[1].InlineData.Data != "iVBORw==" {
		t.Errorf("base64 data = %q", parts[1].InlineData.Data)
	}
}
