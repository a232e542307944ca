package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownStream is returned by Cancel for an ID that is not active.
var ErrUnknownStream = errors.New("relay: unknown stream id")

// Service is the caller-facing API: batch and streaming generation over the
// rotating credential pool, stream cancellation, and health inspection.
type Service struct {
	transport  Transport
	dispatcher *Dispatcher
	pool       *KeyPool
	log        *slog.Logger

	mu      sync.Mutex
	streams map[string]context.CancelFunc
}

// NewService wires the service from its parts. The dispatcher owns rotation
// and fallback policy; the transport owns the wire.
func NewService(transport Transport, pool *KeyPool, dispatcher *Dispatcher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Service{
		transport:  transport,
		dispatcher: dispatcher,
		pool:       pool,
		log:        log.With("component", "relay"),
		streams:    make(map[string]context.CancelFunc),
	}
}

// StreamHandle is a live streaming request: consume Events until it closes,
// or cancel via Service.Cancel with ID.
type StreamHandle struct {
	ID     string
	Events <-chan StreamEvent
}

// SendBatch performs a non-streaming request and returns the complete
// result. Rotation, retries, and model fallback happen inside; the returned
// Result names the model that actually answered.
func (s *Service) SendBatch(ctx context.Context, req *GenerationRequest, model string) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	res, err := s.dispatcher.Dispatch(ctx, model, func(ctx context.Context, key, m string) (*Result, error) {
		return s.transport.Generate(ctx, key, req, m)
	}, nil)
	if err != nil {
		return nil, err
	}
	if res.Model == "" {
		res.Model = model
	}
	return res, nil
}

// SendStreaming starts a streaming request and returns immediately with a
// handle. Events are delivered in order; exactly one done or error event
// closes the channel unless the stream is cancelled, in which case the
// channel closes with no terminal event and already-delivered chunks stand.
func (s *Service) SendStreaming(ctx context.Context, req *GenerationRequest, model string) (*StreamHandle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.pool.Size() == 0 {
		return nil, ErrNoCredentials
	}

	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	adapter := newStreamAdapter(0, ctx.Done())

	s.mu.Lock()
	s.streams[id] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.streams, id)
			s.mu.Unlock()
		}()

		_, err := s.dispatcher.Dispatch(ctx, model, func(ctx context.Context, key, m string) (*Result, error) {
			return s.transport.Stream(ctx, key, req, m, adapter.emit)
		}, adapter.emit)
		switch {
		case err == nil:
			adapter.complete()
		case errors.Is(err, context.Canceled):
			s.log.Debug("stream cancelled", "stream_id", id, "chars", adapter.accumulated())
			adapter.cancel()
		default:
			adapter.fail(err)
		}
	}()

	return &StreamHandle{ID: id, Events: adapter.Events()}, nil
}

// Cancel aborts an active stream by ID. Safe to call while events are in
// flight; chunks already delivered are kept by the consumer.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	cancel, ok := s.streams[id]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownStream
	}
	cancel()
	return nil
}

// ActiveStreams reports how many streams are currently in flight.
func (s *Service) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// CurrentCredential exposes the pool's active credential, for callers that
// need to stamp the raw key onto an outbound request.
func (s *Service) CurrentCredential() (Credential, error) {
	return s.pool.Current()
}

// HealthSnapshot returns the per-credential health view with masked keys.
func (s *Service) HealthSnapshot() []CredentialHealth {
	return s.pool.Snapshot()
}

// RegisterKeys replaces the credential pool contents at runtime.
func (s *Service) RegisterKeys(keys []string) error {
	return s.pool.Register(keys)
}
