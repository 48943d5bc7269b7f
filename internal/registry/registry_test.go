package registry_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fenilsonani/mailcore/internal/registry"
)

func TestTryAddRespectsCap(t *testing.T) {
	r := registry.New(2)

	assert.True(t, r.TryAdd(1))
	assert.True(t, r.TryAdd(1))
	assert.False(t, r.TryAdd(1), "third connection for the same user must be rejected at cap=2")
	assert.Equal(t, 2, r.Count(1))
}

func TestRemoveNeverGoesBelowZero(t *testing.T) {
	r := registry.New(1)
	r.Remove(1)
	assert.Equal(t, 0, r.Count(1))

	r.TryAdd(1)
	r.Remove(1)
	r.Remove(1)
	assert.Equal(t, 0, r.Count(1))
}

func TestTryAddIsPerUser(t *testing.T) {
	r := registry.New(1)
	assert.True(t, r.TryAdd(1))
	assert.True(t, r.TryAdd(2), "the cap is per-user, not global")
}

func TestTryAddLinearizableUnderConcurrency(t *testing.T) {
	r := registry.New(10)
	var wg sync.WaitGroup
	results := make([]bool, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.TryAdd(1)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, ok := range results {
		if ok {
			accepted++
		}
	}
	assert.Equal(t, 10, accepted, "exactly the cap's worth of concurrent TryAdd calls must succeed")
	assert.Equal(t, 10, r.Count(1))
}
