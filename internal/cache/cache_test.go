package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkit-go/openkit/common/testlogger"
)

func TestAddEventStripsLeadingDelimiter(t *testing.T) {
	c := New(testlogger.New(t))
	key := BeaconKey{BeaconID: 1, Sequence: 0}

	c.AddEvent(key, 1, "&et=10&na=first")
	c.AddEvent(key, 2, "&et=10&na=second")

	c.mu.Lock()
	entry := c.beacons[key]
	c.mu.Unlock()

	require.Len(t, entry.events, 2)
	assert.Equal(t, "&et=10&na=first", entry.events[0].Data)
	assert.Equal(t, "et=10&na=second", entry.events[1].Data)
}

func TestCacheSizeInvariant(t *testing.T) {
	c := New(testlogger.New(t))
	key := BeaconKey{BeaconID: 1, Sequence: 0}

	c.AddAction(key, 1, "et=1&na=a")
	c.AddEvent(key, 2, "et=10&na=b")

	c.mu.Lock()
	entry := c.beacons[key]
	total := c.cacheSize
	c.mu.Unlock()

	entry.mu.Lock()
	var sum uint64
	for _, r := range entry.events {
		sum += r.Size()
	}
	for _, r := range entry.actions {
		sum += r.Size()
	}
	entry.mu.Unlock()

	assert.Equal(t, sum, entry.totalBytes)
	assert.Equal(t, sum, total)
}

func TestDeleteCacheEntryDecrementsSize(t *testing.T) {
	c := New(testlogger.New(t))
	key := BeaconKey{BeaconID: 1, Sequence: 0}
	c.AddAction(key, 1, "et=1&na=a")

	before := c.CacheSize()
	require.Greater(t, before, uint64(0))

	c.DeleteCacheEntry(key)

	assert.Equal(t, uint64(0), c.CacheSize())
	c.mu.Lock()
	_, exists := c.beacons[key]
	c.mu.Unlock()
	assert.False(t, exists)
}

func TestPrepareAndResetChunkedDataRoundTrips(t *testing.T) {
	c := New(testlogger.New(t))
	key := BeaconKey{BeaconID: 1, Sequence: 0}
	c.AddAction(key, 1, "et=1&na=a")
	c.AddEvent(key, 2, "et=10&na=b")

	c.PrepareDataForSending(key)
	require.True(t, c.HasDataForSending(key))
	assert.Equal(t, uint64(0), c.CacheSize())

	c.ResetChunkedData(key)
	assert.False(t, c.HasDataForSending(key))

	c.mu.Lock()
	entry := c.beacons[key]
	c.mu.Unlock()
	entry.mu.Lock()
	defer entry.mu.Unlock()
	require.Len(t, entry.events, 1)
	require.Len(t, entry.actions, 1)
}

func TestGetNextBeaconChunkMarksAndRemoves(t *testing.T) {
	c := New(testlogger.New(t))
	key := BeaconKey{BeaconID: 1, Sequence: 0}
	c.AddEvent(key, 1, "et=10&na=a")
	c.AddEvent(key, 2, "et=10&na=b")

	c.PrepareDataForSending(key)

	chunk := c.GetNextBeaconChunk(key, "vv=3", 1024, "&")
	assert.Contains(t, chunk, "vv=3")
	assert.Contains(t, chunk, "et=10&na=a")
	assert.Contains(t, chunk, "et=10&na=b")

	c.RemoveChunkedData(key)
	assert.False(t, c.HasDataForSending(key))
}

func TestGetNextBeaconChunkRespectsMaxSize(t *testing.T) {
	c := New(testlogger.New(t))
	key := BeaconKey{BeaconID: 1, Sequence: 0}
	c.AddEvent(key, 1, "et=10&na=aaaaaaaaaa")
	c.AddEvent(key, 2, "et=10&na=bbbbbbbbbb")
	c.AddEvent(key, 3, "et=10&na=cccccccccc")

	c.PrepareDataForSending(key)

	// maxSize allows only the prefix plus the first record.
	chunk := c.GetNextBeaconChunk(key, "vv=3", len("vv=3")+1, "&")
	assert.Contains(t, chunk, "na=aaaaaaaaaa")
	assert.NotContains(t, chunk, "na=bbbbbbbbbb")

	c.RemoveChunkedData(key)
	require.True(t, c.HasDataForSending(key))

	rest := c.GetNextBeaconChunk(key, "vv=3", 1024, "&")
	assert.Contains(t, rest, "na=bbbbbbbbbb")
	assert.Contains(t, rest, "na=cccccccccc")
}
