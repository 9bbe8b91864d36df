// Package cache implements the in-memory beacon cache: per-key buffers of
// serialized event/action records, their size accounting, and the staging
// dance a send pass uses to hand records to the wire without losing them on
// failure.
package cache

import (
	"strings"
	"sync"

	"github.com/openkit-go/openkit/common/log"
	"github.com/openkit-go/openkit/internal/metrics"
)

// beaconCacheEntry holds the buffered records for one BeaconKey.
type beaconCacheEntry struct {
	mu sync.Mutex

	events []Record
	actions []Record

	eventsBeingSent  []Record
	actionsBeingSent []Record

	totalBytes uint64
}

func (e *beaconCacheEntry) needsDataCopiedBeforeChunking() bool {
	return len(e.eventsBeingSent) == 0 && len(e.actionsBeingSent) == 0
}

func (e *beaconCacheEntry) recomputeTotalBytes() uint64 {
	var total uint64
	for _, r := range e.events {
		total += r.Size()
	}
	for _, r := range e.actions {
		total += r.Size()
	}
	e.totalBytes = total
	return total
}

// BeaconCache is the map of BeaconKey to beaconCacheEntry, plus the running
// byte total across all of them. The map lock is always acquired before an
// entry's own lock; never the reverse.
type BeaconCache struct {
	mu        sync.Mutex
	beacons   map[BeaconKey]*beaconCacheEntry
	cacheSize uint64

	l log.Logger

	// notify is a capacity-1 non-blocking signal consumed by the evictor.
	notify chan struct{}
}

// New returns an empty cache.
func New(l log.Logger) *BeaconCache {
	return &BeaconCache{
		beacons: make(map[BeaconKey]*beaconCacheEntry),
		l:       l,
		notify:  make(chan struct{}, 1),
	}
}

// Notifications returns the channel the evictor wakes up on. Every mutation
// that adds bytes to the cache signals it, non-blockingly.
func (c *BeaconCache) Notifications() <-chan struct{} {
	return c.notify
}

func (c *BeaconCache) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *BeaconCache) entryLocked(key BeaconKey) *beaconCacheEntry {
	e, ok := c.beacons[key]
	if !ok {
		e = &beaconCacheEntry{}
		c.beacons[key] = e
	}
	return e
}

// AddAction appends a new action record for key.
func (c *BeaconCache) AddAction(key BeaconKey, timestamp int64, data string) {
	c.addRecord(key, timestamp, data, true)
}

// AddEvent appends a new event record for key.
func (c *BeaconCache) AddEvent(key BeaconKey, timestamp int64, data string) {
	c.addRecord(key, timestamp, data, false)
}

func (c *BeaconCache) addRecord(key BeaconKey, timestamp int64, data string, isAction bool) {
	c.mu.Lock()
	entry := c.entryLocked(key)
	c.mu.Unlock()

	entry.mu.Lock()
	if (len(entry.events) > 0 || len(entry.actions) > 0) && strings.HasPrefix(data, "&") {
		data = data[1:]
	}

	record := Record{Timestamp: timestamp, Data: data}
	if isAction {
		entry.actions = append(entry.actions, record)
	} else {
		entry.events = append(entry.events, record)
	}
	size := record.Size()
	entry.totalBytes += size
	entry.mu.Unlock()

	c.mu.Lock()
	c.cacheSize += size
	newSize := c.cacheSize
	c.mu.Unlock()

	kind := "event"
	if isAction {
		kind = "action"
	}
	metrics.RecordsAdded.WithLabelValues(kind).Inc()
	metrics.CacheSizeBytes.Set(float64(newSize))

	c.signal()
}

// CacheSize returns the current total accounted byte size across all keys.
func (c *BeaconCache) CacheSize() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheSize
}

// PrepareDataForSending stages the live lists for a send pass, per §4.1.
func (c *BeaconCache) PrepareDataForSending(key BeaconKey) {
	c.mu.Lock()
	entry, ok := c.beacons[key]
	c.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	if !entry.needsDataCopiedBeforeChunking() {
		entry.mu.Unlock()
		return
	}
	entry.eventsBeingSent = entry.events
	entry.actionsBeingSent = entry.actions
	entry.events = nil
	entry.actions = nil
	moved := entry.totalBytes
	entry.totalBytes = 0
	entry.mu.Unlock()

	c.mu.Lock()
	c.cacheSize -= moved
	c.mu.Unlock()
}

// HasDataForSending reports whether either staging list is non-empty.
func (c *BeaconCache) HasDataForSending(key BeaconKey) bool {
	c.mu.Lock()
	entry, ok := c.beacons[key]
	c.mu.Unlock()
	if !ok {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.eventsBeingSent) > 0 || len(entry.actionsBeingSent) > 0
}

// GetNextBeaconChunk builds the next chunk body for key: prefix followed by
// as many not-yet-marked staged records (events first, then actions) as fit
// under maxSize, using the accumulator policy from §4.5/Open Questions: a
// record already in flight is appended even if it pushes the result past
// maxSize, so a send always makes forward progress.
func (c *BeaconCache) GetNextBeaconChunk(key BeaconKey, prefix string, maxSize int, delimiter string) string {
	c.mu.Lock()
	entry, ok := c.beacons[key]
	c.mu.Unlock()
	if !ok {
		return prefix
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	var b strings.Builder
	b.WriteString(prefix)

	appendUnmarked := func(records []Record) {
		for i := range records {
			if records[i].MarkedForSending {
				continue
			}
			if b.Len() >= maxSize {
				return
			}
			if !strings.HasPrefix(records[i].Data, delimiter) {
				b.WriteString(delimiter)
			}
			b.WriteString(records[i].Data)
			records[i].MarkedForSending = true
		}
	}
	appendUnmarked(entry.eventsBeingSent)
	appendUnmarked(entry.actionsBeingSent)

	return b.String()
}

// RemoveChunkedData drops every staged record marked for sending, after a
// successful send of a chunk built from GetNextBeaconChunk.
func (c *BeaconCache) RemoveChunkedData(key BeaconKey) {
	c.mu.Lock()
	entry, ok := c.beacons[key]
	c.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.eventsBeingSent = removeMarked(entry.eventsBeingSent)
	entry.actionsBeingSent = removeMarked(entry.actionsBeingSent)
}

func removeMarked(records []Record) []Record {
	kept := records[:0]
	for _, r := range records {
		if !r.MarkedForSending {
			kept = append(kept, r)
		}
	}
	return kept
}

// ResetChunkedData clears markedForSending and merges the staging lists
// back into the live lists, with live records ordered after staged ones so
// a future send keeps sending the oldest data first.
func (c *BeaconCache) ResetChunkedData(key BeaconKey) {
	c.mu.Lock()
	entry, ok := c.beacons[key]
	c.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	for i := range entry.eventsBeingSent {
		entry.eventsBeingSent[i].MarkedForSending = false
	}
	for i := range entry.actionsBeingSent {
		entry.actionsBeingSent[i].MarkedForSending = false
	}

	before := entry.recomputeTotalBytes()
	entry.events = append(entry.eventsBeingSent, entry.events...)
	entry.actions = append(entry.actionsBeingSent, entry.actions...)
	entry.eventsBeingSent = nil
	entry.actionsBeingSent = nil
	after := entry.recomputeTotalBytes()
	delta := after - before
	entry.mu.Unlock()

	c.mu.Lock()
	c.cacheSize += delta
	c.mu.Unlock()

	c.signal()
}

// DeleteCacheEntry removes the entry for key entirely, used once a session
// has finished and its data has either all been sent or discarded.
func (c *BeaconCache) DeleteCacheEntry(key BeaconKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.beacons[key]
	if !ok {
		return
	}
	entry.mu.Lock()
	c.cacheSize -= entry.totalBytes
	entry.mu.Unlock()
	delete(c.beacons, key)
}

// forEachEntry calls fn for every (key, entry) pair, holding the map lock for
// the duration of the snapshot but not across fn (fn takes the entry lock
// itself). Used by the evictor.
func (c *BeaconCache) forEachEntry(fn func(key BeaconKey, entry *beaconCacheEntry)) {
	c.mu.Lock()
	keys := make([]BeaconKey, 0, len(c.beacons))
	entries := make([]*beaconCacheEntry, 0, len(c.beacons))
	for k, e := range c.beacons {
		keys = append(keys, k)
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for i, k := range keys {
		fn(k, entries[i])
	}
}

// updateSize recomputes the aggregate cache size by summing every entry's
// totalBytes, used by the evictor after trimming live lists directly.
func (c *BeaconCache) updateSize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, e := range c.beacons {
		e.mu.Lock()
		total += e.totalBytes
		e.mu.Unlock()
	}
	c.cacheSize = total
}

// entryCount returns how many keys currently exist, used by the evictor's
// space-eviction loop-until-empty-or-under-bound condition.
func (c *BeaconCache) entryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.beacons)
}
