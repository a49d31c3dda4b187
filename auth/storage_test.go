/*
Copyright 2025 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package auth

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	t.Parallel()

	store := NewMemoryStorage()

	value, ok, err := store.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, value)

	require.NoError(t, store.Set("key", "one"))
	value, ok, err = store.Get("key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", value)

	require.NoError(t, store.Set("key", "two"))
	value, ok, err = store.Get("key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "two", value)

	require.NoError(t, store.Remove("key"))
	_, ok, err = store.Get("key")
	require.NoError(t, err)
	require.False(t, ok)

	// Removing a key that is already gone is not an error.
	require.NoError(t, store.Remove("key"))
}

func TestMemoryStorageConcurrent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStorage()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = store.Set("shared", "value")
				_, _, _ = store.Get("shared")
				_ = store.Remove("shared")
			}
		}()
	}
	wg.Wait()
}
