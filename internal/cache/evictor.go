package cache

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	clock "github.com/jonboulle/clockwork"

	"github.com/openkit-go/openkit/common/log"
	"github.com/openkit-go/openkit/internal/metrics"
)

// Evictor is the background time/space eviction loop for a BeaconCache. It
// wakes on the cache's notification channel, never on a fixed tick: there is
// nothing to evict between writes.
type Evictor struct {
	cache *BeaconCache
	clock clock.Clock
	l     log.Logger

	maxAgeMs    int64
	lowerBound  uint64
	upperBound  uint64
}

// NewEvictor builds an Evictor. upperBound is informational only (§4.2):
// eviction is triggered by notification, and the space pass runs down to
// lowerBound.
func NewEvictor(c *BeaconCache, clk clock.Clock, l log.Logger, maxAgeMs int64, lowerBound, upperBound uint64) *Evictor {
	return &Evictor{
		cache:      c,
		clock:      clk,
		l:          l,
		maxAgeMs:   maxAgeMs,
		lowerBound: lowerBound,
		upperBound: upperBound,
	}
}

// Run drives the evictor until ctx is cancelled.
func (e *Evictor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.cache.Notifications():
			e.runPass()
		}
	}
}

func (e *Evictor) runPass() {
	defer func() {
		if r := recover(); r != nil {
			e.l.Errorw("beacon cache evictor pass panicked, continuing", "panic", r)
		}
	}()

	if err := e.timeEviction(); err != nil {
		e.l.Errorw("time eviction encountered errors", "err", err)
	}
	if err := e.spaceEviction(); err != nil {
		e.l.Errorw("space eviction encountered errors", "err", err)
	}
}

// timeEviction drops every record older than maxAgeMs from the live lists
// of every entry. maxAgeMs<=0 is treated as "no limit" and is a no-op.
func (e *Evictor) timeEviction() error {
	if e.maxAgeMs <= 0 {
		return nil
	}
	cutoff := e.clock.Now().UnixMilli() - e.maxAgeMs

	var errs *multierror.Error
	e.cache.forEachEntry(func(key BeaconKey, entry *beaconCacheEntry) {
		defer func() {
			if r := recover(); r != nil {
				errs = multierror.Append(errs, fmt.Errorf("time eviction for key %s panicked: %v", key, r))
			}
		}()

		entry.mu.Lock()
		beforeEvents, beforeActions := len(entry.events), len(entry.actions)
		entry.events = dropOlderThan(entry.events, cutoff)
		entry.actions = dropOlderThan(entry.actions, cutoff)
		dropped := (beforeEvents - len(entry.events)) + (beforeActions - len(entry.actions))
		entry.recomputeTotalBytes()
		entry.mu.Unlock()

		if dropped > 0 {
			metrics.EvictionsTime.Add(float64(dropped))
		}
	})

	e.cache.updateSize()
	e.reportSize()
	return errs.ErrorOrNil()
}

func (e *Evictor) reportSize() {
	metrics.CacheSizeBytes.Set(float64(e.cache.CacheSize()))
	metrics.CacheEntries.Set(float64(e.cache.entryCount()))
}

func dropOlderThan(records []Record, cutoff int64) []Record {
	kept := records[:0]
	for _, r := range records {
		if r.Timestamp > cutoff {
			kept = append(kept, r)
		}
	}
	return kept
}

// spaceEviction removes the single oldest record from each entry in turn,
// in an interleaved round that favours approximate fairness across
// sessions, until the cache is back under lowerBound or there is nothing
// left to remove.
func (e *Evictor) spaceEviction() error {
	var errs *multierror.Error

	for e.cache.CacheSize() > e.lowerBound && e.cache.entryCount() > 0 {
		removedAny := false

		e.cache.forEachEntry(func(key BeaconKey, entry *beaconCacheEntry) {
			if e.cache.CacheSize() <= e.lowerBound {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						errs = multierror.Append(errs, fmt.Errorf("space eviction for key %s panicked: %v", key, r))
					}
				}()

				entry.mu.Lock()
				removed := removeOneOldest(entry)
				entry.recomputeTotalBytes()
				entry.mu.Unlock()

				if removed {
					e.cache.updateSize()
					metrics.EvictionsSpace.Inc()
					removedAny = true
				}
			}()
		})

		if !removedAny {
			break
		}
	}

	e.reportSize()
	return errs.ErrorOrNil()
}

// removeOneOldest drops the single oldest record from entry, preferring
// events over actions when their oldest timestamps tie. Caller holds
// entry.mu.
func removeOneOldest(entry *beaconCacheEntry) bool {
	eventIdx := oldestIndex(entry.events)
	actionIdx := oldestIndex(entry.actions)

	switch {
	case eventIdx < 0 && actionIdx < 0:
		return false
	case actionIdx < 0:
		entry.events = removeAt(entry.events, eventIdx)
	case eventIdx < 0:
		entry.actions = removeAt(entry.actions, actionIdx)
	case entry.actions[actionIdx].Timestamp < entry.events[eventIdx].Timestamp:
		entry.actions = removeAt(entry.actions, actionIdx)
	default:
		// ties resolved in favour of removing the event
		entry.events = removeAt(entry.events, eventIdx)
	}
	return true
}

func oldestIndex(records []Record) int {
	idx := -1
	var oldest int64
	for i, r := range records {
		if idx == -1 || r.Timestamp < oldest {
			idx = i
			oldest = r.Timestamp
		}
	}
	return idx
}

func removeAt(records []Record, idx int) []Record {
	return append(records[:idx], records[idx+1:]...)
}
