package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Sentinel errors for pool operations.
var (
	// ErrNoCredentials indicates the pool is empty. Callers must treat this
	// as an explicit state, not a crash during normal operation.
	ErrNoCredentials = errors.New("no credentials configured")

	// ErrConfiguration indicates a pool edit that would wipe a working pool.
	ErrConfiguration = errors.New("invalid credential configuration")
)

// healthyThreshold is the consecutive-error count at which a credential
// stops being reported as healthy.
const healthyThreshold = 3

// Credential is one API key with its stable position in the pool.
// The secret itself never appears in logs; use Masked or Fingerprint.
type Credential struct {
	Index int
	Key   string
}

// Masked returns the display form: all but the last 6 characters obscured.
func (c Credential) Masked() string {
	return MaskKey(c.Key)
}

// Fingerprint returns a short SHA-256 based identifier for logging and
// persistence, never revealing the key material.
func (c Credential) Fingerprint() string {
	return KeyFingerprint(c.Key)
}

// MaskKey obscures all but the last 6 characters of a secret.
func MaskKey(key string) string {
	if key == "" {
		return "[not set]"
	}
	if len(key) <= 6 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-6) + key[len(key)-6:]
}

// KeyFingerprint returns the first 8 hex chars of the key's SHA-256 hash.
func KeyFingerprint(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:4])
}

// CredentialHealth is a point-in-time snapshot of one credential's track
// record, safe to serialize (the key is masked).
type CredentialHealth struct {
	Index             int       `json:"index"`
	Masked            string    `json:"masked"`
	Fingerprint       string    `json:"fingerprint"`
	SuccessCount      int64     `json:"success_count"`
	ErrorCount        int64     `json:"error_count"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastUsedAt        time.Time `json:"last_used_at,omitzero"`
	LastError         string    `json:"last_error,omitempty"`
	Healthy           bool      `json:"healthy"`
}

// healthRec is the mutable health record behind one pool slot.
type healthRec struct {
	successCount      int64
	errorCount        int64
	consecutiveErrors int
	lastUsedAt        time.Time
	lastError         string
}

// KeyPool holds the ordered credential list and the shared rotation index.
// All access is serialized through one mutex: concurrent dispatches may
// interleave their advances (no strict round-robin fairness),
// but the index itself never corrupts.
type KeyPool struct {
	mu     sync.Mutex
	keys   []string
	health []*healthRec
	active int
	store  *HealthStore // optional persistence, may be nil
}

// KeyPoolOption configures a KeyPool at construction.
type KeyPoolOption func(*KeyPool)

// WithHealthStore persists success/error counters across restarts.
func WithHealthStore(store *HealthStore) KeyPoolOption {
	return func(p *KeyPool) { p.store = store }
}

// NewKeyPool creates a pool and registers the given credentials.
// An empty initial list is valid: the pool starts in the explicit
// no-credentials state.
func NewKeyPool(keys []string, opts ...KeyPoolOption) *KeyPool {
	p := &KeyPool{}
	for _, opt := range opts {
		opt(p)
	}
	// Initial registration cannot fail: the pool was previously empty.
	_ = p.Register(keys)
	return p
}

// Register replaces the pool contents. Keys are trimmed and de-duplicated,
// preserving first-seen order, and all health records are reset. Replacing
// a non-empty pool with an effectively empty list fails with
// ErrConfiguration so a bad edit cannot silently wipe a working pool.
func (p *KeyPool) Register(keys []string) error {
	cleaned := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		cleaned = append(cleaned, k)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(cleaned) == 0 && len(p.keys) > 0 {
		return fmt.Errorf("%w: replacement key list is empty", ErrConfiguration)
	}

	p.keys = cleaned
	p.active = 0
	p.health = make([]*healthRec, len(cleaned))
	for i := range p.health {
		p.health[i] = &healthRec{}
	}

	// Restore persisted counters for keys we have seen before.
	if p.store != nil {
		for i, k := range cleaned {
			if rec, ok := p.store.Load(KeyFingerprint(k)); ok {
				p.health[i].successCount = rec.SuccessCount
				p.health[i].errorCount = rec.ErrorCount
				p.health[i].lastUsedAt = rec.LastUsedAt
				p.health[i].lastError = rec.LastError
			}
		}
	}
	return nil
}

// Current returns the credential at the active rotation index.
func (p *KeyPool) Current() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return Credential{}, ErrNoCredentials
	}
	return Credential{Index: p.active, Key: p.keys[p.active]}, nil
}

// Advance moves the active index to the next slot, wrapping around, and
// returns the new index. A full cycle is detected by the caller comparing
// the returned index against the index it started from.
func (p *KeyPool) Advance() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return 0
	}
	p.active = (p.active + 1) % len(p.keys)
	return p.active
}

// ActiveIndex returns the current rotation index.
func (p *KeyPool) ActiveIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Size returns the number of credentials in the pool.
func (p *KeyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// RecordSuccess updates health after a successful attempt on slot index.
// consecutiveErrors resets hard to zero regardless of its prior value.
func (p *KeyPool) RecordSuccess(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.health) {
		return
	}
	h := p.health[index]
	h.successCount++
	h.consecutiveErrors = 0
	h.lastUsedAt = time.Now()
	h.lastError = ""
	p.persistLocked(index)
}

// RecordFailure updates health after a failed attempt on slot index.
func (p *KeyPool) RecordFailure(index int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.health) {
		return
	}
	h := p.health[index]
	h.errorCount++
	h.consecutiveErrors++
	h.lastUsedAt = time.Now()
	h.lastError = message
	p.persistLocked(index)
}

// persistLocked writes one slot's counters to the health store.
// Caller must hold p.mu.
func (p *KeyPool) persistLocked(index int) {
	if p.store == nil {
		return
	}
	h := p.health[index]
	p.store.Save(HealthRecord{
		Fingerprint:  KeyFingerprint(p.keys[index]),
		SuccessCount: h.successCount,
		ErrorCount:   h.errorCount,
		LastUsedAt:   h.lastUsedAt,
		LastError:    h.lastError,
	})
}

// Snapshot returns a read-only view of every credential's health.
// Calling it twice without intervening attempts yields identical data.
func (p *KeyPool) Snapshot() []CredentialHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CredentialHealth, len(p.keys))
	for i, k := range p.keys {
		h := p.health[i]
		out[i] = CredentialHealth{
			Index:             i,
			Masked:            MaskKey(k),
			Fingerprint:       KeyFingerprint(k),
			SuccessCount:      h.successCount,
			ErrorCount:        h.errorCount,
			ConsecutiveErrors: h.consecutiveErrors,
			LastUsedAt:        h.lastUsedAt,
			LastError:         h.lastError,
			Healthy:           h.consecutiveErrors < healthyThreshold,
		}
	}
	return out
}

// Keys returns a copy of the raw credential list. Used by pool-edit
// operations and storage backends; never logged.
func (p *KeyPool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}
