package convstore

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLockSerializesSameKey(t *testing.T) {
	kl := NewKeyedLock()
	var counter int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kl.Lock("conv-1")
			defer kl.Unlock("conv-1")

			cur := atomic.AddInt32(&counter, 1)
			time.Sleep(time.Millisecond)
			assert.Equal(t, int32(1), cur) // no other goroutine entered concurrently
			atomic.AddInt32(&counter, -1)
		}()
	}
	wg.Wait()
}

func TestKeyedLockAllowsDifferentKeysInParallel(t *testing.T) {
	kl := NewKeyedLock()
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		key := "conv-a"
		if i == 1 {
			key = "conv-b"
		}
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			kl.Lock(k)
			defer kl.Unlock(k)
			time.Sleep(50 * time.Millisecond)
		}(key)
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestKeyedLockReleasesEntryAfterLastUnlock(t *testing.T) {
	kl := NewKeyedLock()

	kl.Lock("conv-1")
	kl.Unlock("conv-1")

	assert.Len(t, kl.locks, 0, "unlocking the sole holder should remove the entry")
}
