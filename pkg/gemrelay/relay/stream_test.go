package relay

import (
	"errors"
	"testing"
	"time"
)

func drain(ch <-chan StreamEvent) []StreamEvent {
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestStreamAdapterRoundTrip(t *testing.T) {
	s := newStreamAdapter(8, nil)
	s.emit(StreamEvent{Type: EventText, Text: "Hello, "})
	s.emit(StreamEvent{Type: EventText, Text: "world"})
	s.emit(StreamEvent{Type: EventGrounding, Metadata: []byte(`{"queries":["x"]}`)})
	s.complete()

	events := drain(s.Events())
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	if events[0].Text != "Hello, " || events[1].Text != "world" {
		t.Errorf("chunks arrived out of order: %+v", events[:2])
	}
	if events[2].Type != EventGrounding {
		t.Errorf("event 2 = %s, want grounding", events[2].Type)
	}

	done := events[3]
	if done.Type != EventDone {
		t.Fatalf("last event = %s, want done", done.Type)
	}
	if done.TotalChars != len("Hello, world") {
		t.Errorf("total chars = %d, want %d", done.TotalChars, len("Hello, world"))
	}
}

func TestStreamAdapterMetadataNotAccumulated(t *testing.T) {
	s := newStreamAdapter(4, nil)
	s.emit(StreamEvent{Type: EventText, Text: "abc"})
	s.emit(StreamEvent{Type: EventGrounding, Metadata: []byte(`{"big":"metadata blob"}`)})
	s.complete()

	events := drain(s.Events())
	done := events[len(events)-1]
	if done.TotalChars != 3 {
		t.Errorf("total chars = %d, want 3 (metadata must not count)", done.TotalChars)
	}
}

func TestStreamAdapterFail(t *testing.T) {
	s := newStreamAdapter(4, nil)
	s.emit(StreamEvent{Type: EventText, Text: "partial"})
	s.fail(errors.New("api error 429 RESOURCE_EXHAUSTED: quota exceeded"))

	events := drain(s.Events())
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("last event = %s, want error", last.Type)
	}
	if last.Classification == nil || last.Classification.Category != CategoryQuota {
		t.Errorf("classification = %+v, want quota", last.Classification)
	}
}

func TestStreamAdapterCancelEmitsNoTerminalEvent(t *testing.T) {
	s := newStreamAdapter(4, nil)
	s.emit(StreamEvent{Type: EventText, Text: "kept"})
	s.cancel()

	events := drain(s.Events())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (just the delivered chunk)", len(events))
	}
	if events[0].Text != "kept" {
		t.Errorf("delivered chunk = %q, want kept", events[0].Text)
	}
}

func TestStreamAdapterSilentAfterTerminal(t *testing.T) {
	s := newStreamAdapter(4, nil)
	s.complete()
	s.emit(StreamEvent{Type: EventText, Text: "late"})
	s.fail(errors.New("late failure"))
	s.cancel()

	events := drain(s.Events())
	if len(events) != 1 || events[0].Type != EventDone {
		t.Errorf("events after terminal leaked through: %+v", events)
	}
}

func TestStreamAdapterAbandonedConsumerUnblocksOnDone(t *testing.T) {
	done := make(chan struct{})
	s := newStreamAdapter(1, done)

	// Nobody reads Events: the buffer holds one event, the next send
	// must park until the request is cancelled.
	s.emit(StreamEvent{Type: EventText, Text: "buffered"})

	returned := make(chan struct{})
	go func() {
		s.emit(StreamEvent{Type: EventText, Text: "blocked"})
		s.complete()
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("emit returned with a full buffer and no reader")
	case <-time.After(50 * time.Millisecond):
	}

	close(done)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still blocked after cancellation")
	}
}

func TestStreamAdapterAccumulated(t *testing.T) {
	s := newStreamAdapter(4, nil)
	s.emit(StreamEvent{Type: EventText, Text: "12345"})
	if got := s.accumulated(); got != 5 {
		t.Errorf("accumulated = %d, want 5", got)
	}
	s.cancel()
	if got := s.accumulated(); got != 5 {
		t.Errorf("accumulated after cancel = %d, want 5 (kept, not retracted)", got)
	}
}
