package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// callFunc performs one transport call with a concrete credential and model.
// The dispatcher is agnostic to batch vs streaming; the service layer binds
// this to Transport.Generate or Transport.Stream.
type callFunc func(ctx context.Context, key, model string) (*Result, error)

// Dispatcher walks the credential pool for each request: per-key retries via
// the retry engine, rotation on failure, and at most one full cycle through
// the pool before giving up. A quota-exhausted cycle falls back to the
// configured successor model exactly once per dispatch.
type Dispatcher struct {
	pool     *KeyPool
	retry    *RetryEngine
	fallback *FallbackChain
	log      *slog.Logger
}

// NewDispatcher wires a dispatcher. A nil fallback chain disables model
// switching; a nil logger silences dispatch logging.
func NewDispatcher(pool *KeyPool, retry *RetryEngine, fallback *FallbackChain, log *slog.Logger) *Dispatcher {
	if retry == nil {
		retry = NewRetryEngine(DefaultMaxAttempts, DefaultBaseDelay, DefaultMaxDelay)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		pool:     pool,
		retry:    retry,
		fallback: fallback,
		log:      log.With("component", "dispatcher"),
	}
}

// Dispatch runs call against the pool for model. On success the winning
// credential keeps the active slot so the next request starts there. On
// failure the pool advances and the next credential gets a fresh retry
// budget, until every credential has been tried once for this dispatch.
//
// If the cycle ends with a quota classification and a fallback successor is
// configured, the dispatcher emits a model-switched event and runs one more
// cycle on the successor. The switch latches: a single dispatch never hops
// more than one link even if the successor also exhausts its quota.
func (d *Dispatcher) Dispatch(ctx context.Context, model string, call callFunc, emit Emit) (*Result, error) {
	id := uuid.NewString()
	log := d.log.With("dispatch_id", id, "model", model)

	res, err := d.cycle(ctx, log, model, call)
	if err == nil {
		return res, nil
	}

	var allFailed *AllKeysFailedError
	if !errors.As(err, &allFailed) || allFailed.Classification.Category != CategoryQuota {
		return nil, err
	}
	target, ok := d.fallback.Next(model)
	if !ok {
		return nil, err
	}

	log.Warn("quota exhausted across pool, switching model",
		"from", model, "to", target.Model)
	if emit != nil {
		emit(StreamEvent{
			Type:      EventModelSwitched,
			FromModel: model,
			ToModel:   target.Model,
			Reason:    target.Reason,
		})
	}

	res, err = d.cycle(ctx, log.With("model", target.Model), target.Model, call)
	if err != nil {
		return nil, err
	}
	res.Model = target.Model
	return res, nil
}

// cycle tries each credential at most once, starting from the pool's active
// slot. Context cancellation aborts immediately without recording a failure
// or rotating, so an interrupted request does not poison key health.
func (d *Dispatcher) cycle(ctx context.Context, log *slog.Logger, model string, call callFunc) (*Result, error) {
	if d.pool.Size() == 0 {
		return nil, ErrNoCredentials
	}

	// Concurrent dispatches share the rotation index, so Current may hand
	// back a credential this cycle has already tried. The attempted set
	// keeps the guarantee per-dispatch: each credential at most once, and
	// the cycle ends only after every credential has had its turn.
	attempted := make(map[int]bool)
	var lastErr error
	for len(attempted) < d.pool.Size() {
		cred, err := d.pool.Current()
		if err != nil {
			return nil, err
		}
		if attempted[cred.Index] {
			d.pool.Advance()
			continue
		}
		attempted[cred.Index] = true

		var res *Result
		err = d.retry.Run(ctx, func(ctx context.Context) error {
			r, callErr := call(ctx, cred.Key, model)
			if callErr != nil {
				return callErr
			}
			res = r
			return nil
		})
		if err == nil {
			d.pool.RecordSuccess(cred.Index)
			log.Debug("dispatch succeeded",
				"key", cred.Masked(), "key_attempt", len(attempted))
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		d.pool.RecordFailure(cred.Index, err.Error())
		cls := Classify(err)
		log.Warn("credential failed, rotating",
			"key", cred.Masked(),
			"category", cls.Category,
			"error", err)
		d.pool.Advance()
	}

	cls := Classify(lastErr)
	log.Error("all credentials failed", "attempts", len(attempted), "category", cls.Category)
	return nil, &AllKeysFailedError{
		Model:          model,
		Attempts:       len(attempted),
		Last:           lastErr,
		Classification: cls,
	}
}
