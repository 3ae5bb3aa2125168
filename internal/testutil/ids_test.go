package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialIDGenerator(t *testing.T) {
	gen := NewSequentialIDGenerator("")
	assert.Equal(t, "run-0001", gen.Generate())
	assert.Equal(t, "run-0002", gen.Generate())

	gen.Reset()
	assert.Equal(t, "run-0001", gen.Generate())

	named := NewSequentialIDGenerator("scenario")
	assert.Equal(t, "scenario-0001", named.Generate())
}

func TestSequentialIDGenerator_ConcurrentUnique(t *testing.T) {
	gen := NewSequentialIDGenerator("run")

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := gen.Generate()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 400)
}

func TestFixedIDGenerator(t *testing.T) {
	assert.Equal(t, "run-fixed", NewFixedIDGenerator("").Generate())

	gen := NewFixedIDGenerator("abc")
	assert.Equal(t, "abc", gen.Generate())
	assert.Equal(t, "abc", gen.Generate())
}
