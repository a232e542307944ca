package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTransport scripts per-key behavior for service tests.
type fakeTransport struct {
	mu sync.Mutex
	// fail maps a key to the error it returns; keys not present succeed.
	fail map[string]error
	// chunks is the text emitted on successful streams.
	chunks []string
}

func (f *fakeTransport) Generate(ctx context.Context, key string, req *GenerationRequest, model string) (*Result, error) {
	f.mu.Lock()
	err := f.fail[key]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Result{Text: strings.Join(f.chunks, ""), Model: model}, nil
}

func (f *fakeTransport) Stream(ctx context.Context, key string, req *GenerationRequest, model string, emit Emit) (*Result, error) {
	f.mu.Lock()
	err := f.fail[key]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var text strings.Builder
	for _, chunk := range f.chunks {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		text.WriteString(chunk)
		emit(StreamEvent{Type: EventText, Text: chunk})
	}
	return &Result{Text: text.String(), Model: model}, nil
}

func newTestService(transport Transport, keys []string) (*Service, *KeyPool) {
	pool := NewKeyPool(keys)
	dispatcher := NewDispatcher(pool, fastEngine(1), DefaultFallbackChain(), nil)
	return NewService(transport, pool, dispatcher, nil), pool
}

func userRequest(text string) *GenerationRequest {
	return &GenerationRequest{Turns: []Turn{{Role: RoleUser, Text: text}}}
}

func TestSendBatch(t *testing.T) {
	transport := &fakeTransport{chunks: []string{"the answer"}}
	svc, _ := newTestService(transport, []string{"key-a"})

	res, err := svc.SendBatch(context.Background(), userRequest("question"), "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if res.Text != "the answer" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Model != "gemini-2.5-pro" {
		t.Errorf("model = %q", res.Model)
	}
}

func TestSendBatchValidatesRequest(t *testing.T) {
	svc, _ := newTestService(&fakeTransport{}, []string{"key-a"})
	_, err := svc.SendBatch(context.Background(), &GenerationRequest{}, "gemini-2.5-pro")
	if err == nil {
		t.Fatal("expected validation error for empty turns")
	}
	if got := Classify(err); got.Category != CategoryContentValidation {
		t.Errorf("classification = %s, want content_validation", got.Category)
	}
}

func TestSendStreamingEmptyPoolFailsFast(t *testing.T) {
	svc, _ := newTestService(&fakeTransport{}, nil)

	_, err := svc.SendStreaming(context.Background(), userRequest("question"), "gemini-2.5-pro")
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials before any stream starts", err)
	}
	if svc.ActiveStreams() != 0 {
		t.Errorf("active streams = %d, want 0", svc.ActiveStreams())
	}
}

func TestSendStreamingRoundTrip(t *testing.T) {
	transport := &fakeTransport{chunks: []string{"Hello", ", ", "world"}}
	svc, _ := newTestService(transport, []string{"key-a"})

	handle, err := svc.SendStreaming(context.Background(), userRequest("hi"), "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("SendStreaming: %v", err)
	}
	if handle.ID == "" {
		t.Error("handle must carry a stream ID")
	}

	var text strings.Builder
	var sawDone bool
	for ev := range handle.Events {
		switch ev.Type {
		case EventText:
			text.WriteString(ev.Text)
		case EventDone:
			sawDone = true
			if ev.TotalChars != len("Hello, world") {
				t.Errorf("done total = %d, want %d", ev.TotalChars, len("Hello, world"))
			}
		case EventError:
			t.Fatalf("unexpected error event: %s", ev.Message)
		}
	}
	if !sawDone {
		t.Error("stream ended without a done event")
	}
	if text.String() != "Hello, world" {
		t.Errorf("accumulated = %q", text.String())
	}
	if svc.ActiveStreams() != 0 {
		t.Errorf("active streams = %d after completion, want 0", svc.ActiveStreams())
	}
}

func TestSendStreamingRotatesThenSucceeds(t *testing.T) {
	transport := &fakeTransport{
		fail:   map[string]error{"key-a": errors.New("api error 401: unauthorized")},
		chunks: []string{"recovered"},
	}
	svc, pool := newTestService(transport, []string{"key-a", "key-b"})

	handle, err := svc.SendStreaming(context.Background(), userRequest("hi"), "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("SendStreaming: %v", err)
	}

	var text strings.Builder
	for ev := range handle.Events {
		if ev.Type == EventText {
			text.WriteString(ev.Text)
		}
	}
	if text.String() != "recovered" {
		t.Errorf("text = %q", text.String())
	}
	if pool.ActiveIndex() != 1 {
		t.Errorf("active = %d, want 1", pool.ActiveIndex())
	}
}

func TestSendStreamingAllKeysFail(t *testing.T) {
	transport := &fakeTransport{fail: map[string]error{
		"key-a": errors.New("api error 401: unauthorized"),
		"key-b": errors.New("api error 401: unauthorized"),
	}}
	svc, _ := newTestService(transport, []string{"key-a", "key-b"})

	handle, err := svc.SendStreaming(context.Background(), userRequest("hi"), "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("SendStreaming: %v", err)
	}

	events := drain(handle.Events)
	if len(events) == 0 {
		t.Fatal("expected a terminal error event")
	}
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("last event = %s, want error", last.Type)
	}
	if last.Classification == nil || last.Classification.Category != CategoryAuth {
		t.Errorf("classification = %+v, want auth", last.Classification)
	}
}

func TestCancelStopsStream(t *testing.T) {
	// A transport that streams until cancelled.
	started := make(chan struct{})
	transport := transportFunc(func(ctx context.Context, key string, req *GenerationRequest, model string, emit Emit) (*Result, error) {
		emit(StreamEvent{Type: EventText, Text: "first"})
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	svc, pool := newTestService(transport, []string{"key-a"})

	handle, err := svc.SendStreaming(context.Background(), userRequest("hi"), "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("SendStreaming: %v", err)
	}

	<-started
	if err := svc.Cancel(handle.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	events := drain(handle.Events)
	for _, ev := range events {
		if ev.Type == EventDone || ev.Type == EventError {
			t.Errorf("cancelled stream emitted terminal event %s", ev.Type)
		}
	}
	if len(events) != 1 || events[0].Text != "first" {
		t.Errorf("events = %+v, want just the delivered chunk", events)
	}

	// Cancellation must not count against the key.
	deadline := time.After(2 * time.Second)
	for svc.ActiveStreams() != 0 {
		select {
		case <-deadline:
			t.Fatal("stream never unregistered after cancel")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	if h := pool.Snapshot()[0]; h.ErrorCount != 0 {
		t.Errorf("cancel recorded as failure: %+v", h)
	}
}

func TestCancelUnknownStream(t *testing.T) {
	svc, _ := newTestService(&fakeTransport{}, []string{"key-a"})
	if err := svc.Cancel("no-such-id"); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("err = %v, want ErrUnknownStream", err)
	}
}

func TestHealthSnapshotThroughService(t *testing.T) {
	transport := &fakeTransport{chunks: []string{"ok"}}
	svc, _ := newTestService(transport, []string{"key-a", "key-b"})

	if _, err := svc.SendBatch(context.Background(), userRequest("hi"), "gemini-2.5-pro"); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	snapshot := svc.HealthSnapshot()
	if len(snapshot) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snapshot))
	}
	if snapshot[0].SuccessCount != 1 {
		t.Errorf("key-a successes = %d, want 1", snapshot[0].SuccessCount)
	}
	if snapshot[1].SuccessCount != 0 {
		t.Errorf("key-b successes = %d, want 0 (never used)", snapshot[1].SuccessCount)
	}
}

// transportFunc adapts a streaming function to the Transport interface.
type transportFunc func(ctx context.Context, key string, req *GenerationRequest, model string, emit Emit) (*Result, error)

func (f transportFunc) Generate(ctx context.Context, key string, req *GenerationRequest, model string) (*Result, error) {
	return f(ctx, key, req, model, func(StreamEvent) {})
}

func (f transportFunc) Stream(ctx context.Context, key string, req *GenerationRequest, model string, emit Emit) (*Result, error) {
	return f(ctx, key, req, model, emit)
}
