package meshchat

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordIfNewReturnsTrueOnlyOnce(t *testing.T) {
	c := newSeenCache(time.Minute)

	assert.True(t, c.recordIfNew("m-1"))
	for i := 0; i < 10; i++ {
		assert.False(t, c.recordIfNew("m-1"))
	}

	assert.True(t, c.recordIfNew("m-2"))
	assert.False(t, c.recordIfNew("m-2"))
	assert.Equal(t, 2, c.size())
}

func TestRecordIfNewConcurrent(t *testing.T) {
	c := newSeenCache(time.Minute)

	const goroutines = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.recordIfNew("contested") {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted, "exactly one sighting may win")
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	c := newSeenCache(50 * time.Millisecond)

	require.True(t, c.recordIfNew("old"))
	time.Sleep(80 * time.Millisecond)
	require.True(t, c.recordIfNew("fresh"))

	removed := c.sweep(time.Now())
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.size())

	// Reappearance after eviction counts as a new message.
	assert.True(t, c.recordIfNew("old"))
	assert.False(t, c.recordIfNew("fresh"))
}

func TestSweepBoundsCacheUnderTraffic(t *testing.T) {
	c := newSeenCache(10 * time.Millisecond)

	for i := 0; i < 1000; i++ {
		require.True(t, c.recordIfNew(fmt.Sprintf("m-%d", i)))
	}
	time.Sleep(30 * time.Millisecond)

	c.sweep(time.Now())
	assert.Equal(t, 0, c.size())
}
