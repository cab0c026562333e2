// Copyright 2024-2026 Aiku AI

package clubsync

import lru "github.com/hashicorp/golang-lru/v2"

const defaultDedupWindow = 5000

// newSeenCache returns a cache of the most recent size event ids. Older
// ids are evicted as new ones arrive.
func newSeenCache(size int) *lru.Cache[string, struct{}] {
	if size <= 0 {
		size = defaultDedupWindow
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return cache
}
