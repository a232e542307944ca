package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ProbeFunc checks whether a single API key is currently usable. It should
// issue the cheapest possible authenticated call.
type ProbeFunc func(ctx context.Context, key string) error

// ProbeResult is the outcome of validating one credential.
type ProbeResult struct {
	Credential Credential
	Err        error
	// Classification is set when Err is non-nil.
	Classification Classification
}

// Validator runs periodic background probes over the credential pool and
// records the outcomes in the pool's health counters. Keys that fail probes
// are flagged unhealthy but never removed: a flagged key still takes its
// turn in the rotation and recovers through real successes.
type Validator struct {
	pool         *KeyPool
	probe        ProbeFunc
	schedule     string
	probeTimeout time.Duration
	log          *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	lastAt time.Time
}

// NewValidator builds a validator. schedule accepts standard 5-field cron
// expressions and robfig shorthands like "@every 30m" or "@hourly".
func NewValidator(pool *KeyPool, probe ProbeFunc, schedule string, probeTimeout time.Duration, log *slog.Logger) *Validator {
	if schedule == "" {
		schedule = "@every 30m"
	}
	if probeTimeout <= 0 {
		probeTimeout = 15 * time.Second
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Validator{
		pool:         pool,
		probe:        probe,
		schedule:     schedule,
		probeTimeout: probeTimeout,
		log:          log.With("component", "validator"),
	}
}

// Start schedules the recurring probes. The first sweep runs on the cron's
// first tick, not immediately; call RunOnce for an eager sweep.
func (v *Validator) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cron != nil {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(v.schedule, func() {
		v.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("validator schedule %q: %w", v.schedule, err)
	}
	c.Start()
	v.cron = c
	v.log.Info("key validator started", "schedule", v.schedule, "keys", v.pool.Size())
	return nil
}

// Stop halts the schedule. In-flight probes finish on their own timeout.
func (v *Validator) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cron == nil {
		return
	}
	v.cron.Stop()
	v.cron = nil
	v.log.Info("key validator stopped")
}

// RunOnce probes every key in the pool sequentially and records outcomes.
// Sequential on purpose: hammering the provider with parallel probes from
// one account looks like abuse and can itself trip rate limits.
func (v *Validator) RunOnce(ctx context.Context) []ProbeResult {
	keys := v.pool.Keys()
	results := make([]ProbeResult, 0, len(keys))

	for i, key := range keys {
		cred := Credential{Index: i, Key: key}
		pctx, cancel := context.WithTimeout(ctx, v.probeTimeout)
		err := v.probe(pctx, key)
		cancel()

		if err == nil {
			v.pool.RecordSuccess(i)
			results = append(results, ProbeResult{Credential: cred})
			continue
		}
		if ctx.Err() != nil {
			break
		}
		cls := Classify(err)
		v.pool.RecordFailure(i, err.Error())
		v.log.Warn("key probe failed",
			"key", cred.Masked(),
			"category", cls.Category,
			"error", err)
		results = append(results, ProbeResult{Credential: cred, Err: err, Classification: cls})
	}

	v.mu.Lock()
	v.lastAt = time.Now()
	v.mu.Unlock()
	return results
}

// LastRun reports when the most recent sweep finished, zero if never.
func (v *Validator) LastRun() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastAt
}
