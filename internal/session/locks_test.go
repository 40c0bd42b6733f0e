package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyLock(t *testing.T) {
	k := newKeyLock()

	var (
		wg      sync.WaitGroup
		counter = map[string]*int{"a": new(int), "b": new(int)}
	)

	for i := range 100 {
		key := []string{"a", "b"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(key)
			defer unlock()

			v := *counter[key]
			*counter[key] = v + 1
		}()
	}
	wg.Wait()

	require.Equal(t, 50, *counter["a"])
	require.Equal(t, 50, *counter["b"])
	require.Zero(t, k.len(), "unused locks should be released")
}
