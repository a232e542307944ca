package relay

import (
	"path/filepath"
	"testing"
	"time"
)

func TestHealthStoreSaveLoad(t *testing.T) {
	store, err := OpenHealthStore(filepath.Join(t.TempDir(), "health.db"))
	if err != nil {
		t.Fatalf("OpenHealthStore: %v", err)
	}
	defer store.Close()

	used := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	rec := HealthRecord{
		Fingerprint:  "ab12cd34",
		SuccessCount: 7,
		ErrorCount:   2,
		LastUsedAt:   used,
		LastError:    "api error 429: quota exceeded",
	}
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok := store.Load("ab12cd34")
	if !ok {
		t.Fatal("Load: record missing")
	}
	if got.SuccessCount != 7 || got.ErrorCount != 2 {
		t.Errorf("counters = %d/%d, want 7/2", got.SuccessCount, got.ErrorCount)
	}
	if !got.LastUsedAt.Equal(used) {
		t.Errorf("last used = %v, want %v", got.LastUsedAt, used)
	}
	if got.LastError != rec.LastError {
		t.Errorf("last error = %q", got.LastError)
	}
}

func TestHealthStoreSaveUpserts(t *testing.T) {
	store, err := OpenHealthStore(filepath.Join(t.TempDir(), "health.db"))
	if err != nil {
		t.Fatalf("OpenHealthStore: %v", err)
	}
	defer store.Close()

	if err := store.Save(HealthRecord{Fingerprint: "fp1", SuccessCount: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(HealthRecord{Fingerprint: "fp1", SuccessCount: 2}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _ := store.Load("fp1")
	if got.SuccessCount != 2 {
		t.Errorf("success count = %d, want 2", got.SuccessCount)
	}
}

func TestHealthStoreLoadMissing(t *testing.T) {
	store, err := OpenHealthStore(filepath.Join(t.TempDir(), "health.db"))
	if err != nil {
		t.Fatalf("OpenHealthStore: %v", err)
	}
	defer store.Close()

	if _, ok := store.Load("never-saved"); ok {
		t.Error("Load returned true for an absent fingerprint")
	}
}

func TestHealthStorePrune(t *testing.T) {
	store, err := OpenHealthStore(filepath.Join(t.TempDir(), "health.db"))
	if err != nil {
		t.Fatalf("OpenHealthStore: %v", err)
	}
	defer store.Close()

	for _, fp := range []string{"keep-1", "keep-2", "stale"} {
		if err := store.Save(HealthRecord{Fingerprint: fp}); err != nil {
			t.Fatalf("Save %s: %v", fp, err)
		}
	}
	if err := store.Prune([]string{"keep-1", "keep-2"}); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	if _, ok := store.Load("stale"); ok {
		t.Error("stale record survived prune")
	}
	for _, fp := range []string{"keep-1", "keep-2"} {
		if _, ok := store.Load(fp); !ok {
			t.Errorf("kept record %s was pruned", fp)
		}
	}
}
