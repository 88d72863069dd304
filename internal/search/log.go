package search

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/IshaanNene/pricewatch/internal/cache"
	"github.com/IshaanNene/pricewatch/internal/types"
)

// Progress log icons.
const (
	IconSuccess = "check-circle"
	IconCached  = "circle-stack"
	IconWarning = "exclamation-triangle"
)

// ProgressLog is an append-only list of entries per key, held in the shared
// cache so that any process can read a run's progress. Mutations are
// serialised within the process.
type ProgressLog struct {
	store cache.Store
	ttl   time.Duration
	mu    sync.Mutex
	now   func() time.Time
}

// NewProgressLog creates a log whose lists expire ttl after their last
// write.
func NewProgressLog(store cache.Store, ttl time.Duration) *ProgressLog {
	return &ProgressLog{store: store, ttl: ttl, now: time.Now}
}

// Entries returns the log stored under key, oldest first.
func (l *ProgressLog) Entries(ctx context.Context, key string) ([]types.ProgressLogEntry, error) {
	var entries []types.ProgressLogEntry
	if _, err := cache.GetJSON(ctx, l.store, key, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Append adds an entry and returns its index. The icon defaults to
// IconSuccess.
func (l *ProgressLog) Append(ctx context.Context, key, message string, data map[string]string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.Entries(ctx, key)
	if err != nil {
		return 0, err
	}
	entries = append(entries, l.entry(message, nil, data))
	return len(entries) - 1, cache.PutJSON(ctx, l.store, key, entries, l.ttl)
}

// Replace rewrites the entry at idx in place, merging its metadata with
// data.
func (l *ProgressLog) Replace(ctx context.Context, key string, idx int, message string, data map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.Entries(ctx, key)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(entries) {
		return eris.Errorf("progress log %s has no entry %d", key, idx)
	}
	entries[idx] = l.entry(message, entries[idx].Data, data)
	return cache.PutJSON(ctx, l.store, key, entries, l.ttl)
}

// ReplaceLast removes the newest entry and appends message in its place,
// carrying over the removed entry's metadata.
func (l *ProgressLog) ReplaceLast(ctx context.Context, key, message string, data map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.Entries(ctx, key)
	if err != nil {
		return err
	}
	var prev map[string]string
	if n := len(entries); n > 0 {
		prev = entries[n-1].Data
		entries = entries[:n-1]
	}
	entries = append(entries, l.entry(message, prev, data))
	return cache.PutJSON(ctx, l.store, key, entries, l.ttl)
}

// Reset deletes the log.
func (l *ProgressLog) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Forget(ctx, key)
}

func (l *ProgressLog) entry(message string, base, data map[string]string) types.ProgressLogEntry {
	merged := map[string]string{"icon": IconSuccess}
	maps.Copy(merged, base)
	maps.Copy(merged, data)
	return types.ProgressLogEntry{Message: message, Data: merged, Timestamp: l.now().UTC()}
}
