package ratelimit

import (
	"context"
	"time"

	"github.com/stratos-labs/ai-gateway/internal/store"
)

// Backend holds the authoritative window counters. Implementations must
// linearize concurrent Add calls against the same (key, kind, start) row.
type Backend interface {
	// Windows returns the current minute/hour/day counters for the key.
	// Windows that were never written come back zeroed.
	Windows(ctx context.Context, keyID string, now time.Time) (map[store.WindowKind]store.RateWindow, error)
	// Add accumulates requests/tokens into all three windows containing now.
	Add(ctx context.Context, keyID string, now time.Time, requests, tokens int64) error
}

// StoreBackend persists windows in the SQL store (the default).
type StoreBackend struct {
	store store.Store
}

// NewStoreBackend wraps the store as a window backend.
func NewStoreBackend(s store.Store) *StoreBackend {
	return &StoreBackend{store: s}
}

// Windows implements Backend.
func (b *StoreBackend) Windows(ctx context.Context, keyID string, now time.Time) (map[store.WindowKind]store.RateWindow, error) {
	return b.store.GetRateWindows(ctx, keyID, now)
}

// Add implements Backend. The store upsert is additive and row-locked, so
// counters are monotonic within a window.
func (b *StoreBackend) Add(ctx context.Context, keyID string, now time.Time, requests, tokens int64) error {
	for _, kind := range []store.WindowKind{store.WindowMinute, store.WindowHour, store.WindowDay} {
		if _, err := b.store.UpsertRateWindow(ctx, keyID, kind, kind.Truncate(now), requests, tokens); err != nil {
			return err
		}
	}
	return nil
}
