package commandqueue

import (
	"context"
	"sync"
	"time"
)

// dedupEntry remembers the handle of a recently submitted command
type dedupEntry struct {
	handle    *Handle
	timestamp time.Time
}

// dedupCache maps command IDs to the handles of unfinished submissions, so a
// command submitted twice while still pending is enqueued once
type dedupCache struct {
	entries map[string]*dedupEntry
	ttl     time.Duration
	mu      sync.RWMutex

	cancel context.CancelFunc
	done   chan struct{}
}

// newDedupCache creates a deduplication cache. The cleanup loop runs only after start.
func newDedupCache(ttl time.Duration) *dedupCache {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	return &dedupCache{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
	}
}

func (dc *dedupCache) enabled() bool {
	return dc.ttl > 0
}

// start launches the cleanup goroutine; it exits when ctx ends or stop is called
func (dc *dedupCache) start(ctx context.Context) {
	if !dc.enabled() {
		return
	}

	dc.mu.Lock()
	if dc.done != nil {
		dc.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	dc.cancel = cancel
	dc.done = make(chan struct{})
	done := dc.done
	dc.mu.Unlock()

	go dc.cleanup(ctx, done)
}

func (dc *dedupCache) stop() {
	dc.mu.RLock()
	cancel, done := dc.cancel, dc.done
	dc.mu.RUnlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// get returns the handle for commandID if it was stored less than ttl ago
func (dc *dedupCache) get(commandID string) (*Handle, bool) {
	if !dc.enabled() {
		return nil, false
	}

	dc.mu.RLock()
	defer dc.mu.RUnlock()

	entry, exists := dc.entries[commandID]
	if !exists {
		return nil, false
	}

	if time.Since(entry.timestamp) > dc.ttl || entry.handle.Status().Terminal() {
		return nil, false
	}

	return entry.handle, true
}

func (dc *dedupCache) set(commandID string, handle *Handle) {
	if !dc.enabled() {
		return
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	dc.entries[commandID] = &dedupEntry{
		handle:    handle,
		timestamp: time.Now(),
	}
}

// remove forgets commandID if it still maps to handle. A newer submission of
// the same command keeps its entry.
func (dc *dedupCache) remove(commandID string, handle *Handle) {
	if !dc.enabled() {
		return
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	if entry, ok := dc.entries[commandID]; ok && entry.handle == handle {
		delete(dc.entries, commandID)
	}
}

// cleanup periodically removes expired entries
func (dc *dedupCache) cleanup(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := dc.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.purge()
		}
	}
}

func (dc *dedupCache) purge() {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := time.Now()
	for id, entry := range dc.entries {
		if now.Sub(entry.timestamp) > dc.ttl {
			delete(dc.entries, id)
		}
	}
}

// size returns the number of entries in the cache
func (dc *dedupCache) size() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.entries)
}
