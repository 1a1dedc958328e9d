// Package resilience provides the two-tier FileScoreEntry cache spec.md
// §3/§6 describes: a process-local LRU tier backed by a persistent
// kvstore.Store tier, with expire_after/stale_after windows (and
// shorter incomplete_* windows for entries recording a scan error).
// Grounded on control_plane/resilience/degraded_mode.go's bounded LRU
// and pending-write reconciliation pattern, retargeted from a generic
// interface{} cache of arbitrary writes to a typed FileScoreEntry
// cache. A degraded node re-syncs to the store by replaying its pending
// writes in the order they were made, with no version comparison.
package resilience

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ridgeline/triagecore/config"
	"github.com/ridgeline/triagecore/kvstore"
	"github.com/ridgeline/triagecore/model"
	"github.com/ridgeline/triagecore/observability"
)

type localEntry struct {
	entry      *model.FileScoreEntry
	lastAccess time.Time
}

// pendingWrite is a FileScoreEntry write made while the persistent tier
// was unavailable, held for replay once it recovers.
type pendingWrite struct {
	scanKey string
	entry   *model.FileScoreEntry
}

// ScoreCache is the two-tier FileScoreEntry cache.
type ScoreCache struct {
	mu sync.Mutex

	store      kvstore.Store
	cfg        *config.Config
	local      map[string]*localEntry
	maxLocal   int
	pending    []pendingWrite
	maxPending int

	storeAvailable bool
}

// NewScoreCache wraps store with a bounded process-local LRU tier.
func NewScoreCache(store kvstore.Store, cfg *config.Config) *ScoreCache {
	return &ScoreCache{
		store:          store,
		cfg:            cfg,
		local:          make(map[string]*localEntry),
		maxLocal:       10000,
		maxPending:     10000,
		storeAvailable: true,
	}
}

// Lookup is the outcome of a cache Get: whether an entry was found at
// all, and whether it is still Fresh, merely Stale (usable but should
// trigger a background rescan), or effectively absent (past
// expire_after).
type Lookup struct {
	Entry   *model.FileScoreEntry
	Found   bool
	Stale   bool
	Expired bool // true if an entry existed but was past its expire window; caller should Evict it
}

func (c *ScoreCache) windows(entry *model.FileScoreEntry) (expireAfter, staleAfter time.Duration) {
	if entry.ErrorCount > 0 {
		return c.cfg.IncompleteExpireAfter, c.cfg.IncompleteStaleAfter
	}
	return c.cfg.ExpireAfter, c.cfg.StaleAfter
}

// Get looks up scanKey, checking the local tier first and falling back
// to the persistent tier on a local miss.
func (c *ScoreCache) Get(ctx context.Context, scanKey string) (Lookup, error) {
	now := time.Now()

	c.mu.Lock()
	if le, ok := c.local[scanKey]; ok {
		le.lastAccess = now
		c.mu.Unlock()
		return c.classify(le.entry, now), nil
	}
	c.mu.Unlock()

	if !c.storeAvailable {
		return Lookup{}, nil
	}

	entry, found, err := c.store.GetScore(ctx, scanKey)
	if err != nil {
		c.markUnavailable()
		return Lookup{}, nil
	}
	if !found {
		return Lookup{}, nil
	}

	c.mu.Lock()
	c.touchLocked(scanKey, entry, now)
	c.mu.Unlock()

	return c.classify(entry, now), nil
}

func (c *ScoreCache) classify(entry *model.FileScoreEntry, now time.Time) Lookup {
	expireAfter, staleAfter := c.windows(entry)
	age := now.Sub(entry.Time)
	if age > expireAfter {
		return Lookup{Found: false, Expired: true}
	}
	return Lookup{Entry: entry, Found: true, Stale: age > staleAfter}
}

// Put writes entry to both tiers. If the persistent tier is down, the
// write is held locally and queued for reconciliation.
func (c *ScoreCache) Put(ctx context.Context, entry *model.FileScoreEntry) error {
	now := time.Now()
	c.mu.Lock()
	c.touchLocked(entry.ScanKey, entry, now)
	c.mu.Unlock()

	if !c.storeAvailable {
		c.queuePending(entry)
		return nil
	}

	if err := c.store.PutScore(ctx, entry.ScanKey, entry); err != nil {
		c.markUnavailable()
		c.queuePending(entry)
		return nil
	}
	return nil
}

func (c *ScoreCache) touchLocked(scanKey string, entry *model.FileScoreEntry, now time.Time) {
	if _, exists := c.local[scanKey]; !exists && len(c.local) >= c.maxLocal {
		c.evictOldestLocked()
	}
	c.local[scanKey] = &localEntry{entry: entry, lastAccess: now}
}

func (c *ScoreCache) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, le := range c.local {
		if first || le.lastAccess.Before(oldestTime) {
			oldestKey, oldestTime = k, le.lastAccess
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.local, oldestKey)
	}
}

func (c *ScoreCache) queuePending(entry *model.FileScoreEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= c.maxPending {
		c.pending = c.pending[1:]
	}
	c.pending = append(c.pending, pendingWrite{scanKey: entry.ScanKey, entry: entry})
}

func (c *ScoreCache) markUnavailable() {
	c.mu.Lock()
	wasAvailable := c.storeAvailable
	c.storeAvailable = false
	c.mu.Unlock()
	if wasAvailable {
		log.Printf("[resilience] persistent score cache unavailable, serving local tier only")
		observability.DegradedMode.Set(1)
	}
}

// Reconcile replays queued writes against the persistent tier and, on
// success, marks the store available again. No component in this
// module calls it on a schedule; it runs only when a caller invokes it.
func (c *ScoreCache) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		if !c.storeAvailable {
			c.storeAvailable = true
			observability.DegradedMode.Set(0)
			log.Printf("[resilience] persistent score cache recovered")
		}
		return nil
	}

	var failed []pendingWrite
	for _, pw := range pending {
		if err := c.store.PutScore(ctx, pw.scanKey, pw.entry); err != nil {
			failed = append(failed, pw)
		}
	}

	c.mu.Lock()
	c.pending = append(c.pending, failed...)
	if len(failed) == 0 {
		c.storeAvailable = true
	}
	c.mu.Unlock()

	if len(failed) == 0 {
		observability.DegradedMode.Set(0)
		log.Printf("[resilience] persistent score cache recovered, replayed %d pending writes", len(pending))
	}
	return nil
}

// Evict removes scanKey from both tiers — used when a lookup finds an
// entry older than its expire window, which spec.md §4.1 treats as a
// miss rather than a stale hit.
func (c *ScoreCache) Evict(ctx context.Context, scanKey string) error {
	c.mu.Lock()
	delete(c.local, scanKey)
	c.mu.Unlock()

	if !c.storeAvailable {
		return nil
	}
	if err := c.store.DeleteScore(ctx, scanKey); err != nil {
		c.markUnavailable()
	}
	return nil
}

func (c *ScoreCache) IsDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.storeAvailable
}

func (c *ScoreCache) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
