// ABOUTME: Tests for the relay dedup cache: TTL expiry, capacity eviction, atomicity.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAndMarkFirstSeenIsNotDuplicate(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("qq:m:1"))
	assert.True(t, c.CheckAndMark("qq:m:1"))
}

func TestDistinctKeysDoNotCollide(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("qq:m:1"))
	assert.False(t, c.CheckAndMark("tg:m:-1001:1"))
}

func TestExpiredEntryIsNotDuplicate(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("qq:m:1"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.CheckAndMark("qq:m:1"))
}

func TestCapacityEvictsOldest(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	c.CheckAndMark("k1")
	c.CheckAndMark("k2")
	c.CheckAndMark("k3") // evicts k1

	assert.False(t, c.CheckAndMark("k1"), "oldest key should have been evicted")
	assert.True(t, c.CheckAndMark("k3"))
}

func TestConcurrentCheckAndMarkIsAtomic(t *testing.T) {
	c := New(time.Minute, 10_000)
	defer c.Close()

	const workers = 16
	duplicates := make(chan int, workers)

	var wg sync.WaitGroup
	for range workers {
		wg.Go(func() {
			dups := 0
			for i := range 100 {
				if c.CheckAndMark(fmt.Sprintf("msg-%d", i)) {
					dups++
				}
			}
			duplicates <- dups
		})
	}
	wg.Wait()
	close(duplicates)

	total := 0
	for d := range duplicates {
		total += d
	}
	// 16 workers x 100 keys, each key marked exactly once overall.
	assert.Equal(t, workers*100-100, total)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
