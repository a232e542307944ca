package relay

import (
	"encoding/json"
	"sync"
)

// StreamEventType discriminates the StreamEvent union.
type StreamEventType string

const (
	// EventText carries one incremental text chunk.
	EventText StreamEventType = "text"
	// EventGrounding carries web-grounding metadata for the response so far.
	EventGrounding StreamEventType = "grounding"
	// EventURLContext carries URL-context retrieval metadata.
	EventURLContext StreamEventType = "url_context"
	// EventModelSwitched announces a quota-driven model fallback.
	EventModelSwitched StreamEventType = "model_switched"
	// EventDone terminates a successful stream.
	EventDone StreamEventType = "done"
	// EventError terminates a failed stream.
	EventError StreamEventType = "error"
)

// StreamEvent is one unit of incremental output. Exactly one terminal event
// (done or error) closes every stream; a cancelled stream emits neither.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// Text is set for EventText.
	Text string `json:"text,omitempty"`

	// Metadata is set for EventGrounding and EventURLContext, passed
	// through verbatim from the wire.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// FromModel, ToModel, Reason are set for EventModelSwitched.
	FromModel string `json:"from_model,omitempty"`
	ToModel   string `json:"to_model,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// TotalChars is set for EventDone: the length of the accumulated text,
	// for caller bookkeeping (the caller already holds the text itself).
	TotalChars int `json:"total_chars,omitempty"`

	// Message and Classification are set for EventError.
	Message        string          `json:"message,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
}

// streamPhase tracks the adapter state machine:
// idle → connecting → streaming → {completed | cancelled | failed}.
type streamPhase int

const (
	phaseIdle streamPhase = iota
	phaseConnecting
	phaseStreaming
	phaseCompleted
	phaseCancelled
	phaseFailed
)

// streamAdapter turns transport emissions into an ordered, consumable event
// channel. It accumulates text chunk lengths so the terminal done event can
// report the total, forwards metadata without accumulation, and goes silent
// permanently once cancelled or closed.
//
// All channel sends and the close happen on the producer goroutine; done is
// the request's cancellation signal, so a consumer that walks away from the
// channel can never wedge the producer once the request is cancelled.
type streamAdapter struct {
	mu    sync.Mutex
	ch    chan StreamEvent
	done  <-chan struct{}
	phase streamPhase
	chars int
}

// newStreamAdapter creates an adapter with a buffered channel so a slow
// consumer does not stall the transport read loop for short bursts. done may
// be nil, in which case sends block until the consumer reads.
func newStreamAdapter(buffer int, done <-chan struct{}) *streamAdapter {
	if buffer <= 0 {
		buffer = 32
	}
	return &streamAdapter{
		ch:    make(chan StreamEvent, buffer),
		done:  done,
		phase: phaseConnecting,
	}
}

// Events returns the consumer side of the stream.
func (s *streamAdapter) Events() <-chan StreamEvent { return s.ch }

// send delivers one event unless the request was cancelled first.
func (s *streamAdapter) send(ev StreamEvent) {
	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

// emit forwards one non-terminal event. Text chunks move the machine to
// streaming and extend the accumulator; events after a terminal phase are
// dropped (already-delivered chunks are never retracted).
func (s *streamAdapter) emit(ev StreamEvent) {
	s.mu.Lock()
	if s.phase != phaseConnecting && s.phase != phaseStreaming {
		s.mu.Unlock()
		return
	}
	s.phase = phaseStreaming
	if ev.Type == EventText {
		s.chars += len(ev.Text)
	}
	s.mu.Unlock()

	s.send(ev)
}

// complete emits the terminal done event and closes the stream.
func (s *streamAdapter) complete() {
	s.mu.Lock()
	if s.isTerminal() {
		s.mu.Unlock()
		return
	}
	s.phase = phaseCompleted
	ev := StreamEvent{Type: EventDone, TotalChars: s.chars}
	s.mu.Unlock()

	s.send(ev)
	close(s.ch)
}

// fail emits the terminal error event and closes the stream.
func (s *streamAdapter) fail(err error) {
	s.mu.Lock()
	if s.isTerminal() {
		s.mu.Unlock()
		return
	}
	s.phase = phaseFailed
	s.mu.Unlock()

	cls := Classify(err)
	s.send(StreamEvent{
		Type:           EventError,
		Message:        err.Error(),
		Classification: &cls,
	})
	close(s.ch)
}

// cancel closes the stream with no terminal event. Cancellation is not an
// error: the caller keeps whatever partial text it already received and no
// done/error event ever fires.
func (s *streamAdapter) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isTerminal() {
		return
	}
	s.phase = phaseCancelled
	close(s.ch)
}

// accumulated returns the total text length forwarded so far.
func (s *streamAdapter) accumulated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chars
}

// isTerminal reports whether the stream already closed. Caller holds s.mu.
func (s *streamAdapter) isTerminal() bool {
	return s.phase == phaseCompleted || s.phase == phaseCancelled || s.phase == phaseFailed
}
