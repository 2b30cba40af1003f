package threat

import (
	"boundary-risk/internal/audit"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LocationBaseline remembers each user's usual location for events that do not
// carry one. Lookups are O(1) and memory is bounded by the LRU size.
// A nil baseline, or one created with size 0, never reports a location.
type LocationBaseline struct {
	cache *lru.Cache[string, audit.Location]
}

// NewLocationBaseline creates a baseline holding up to size users.
func NewLocationBaseline(size int) (*LocationBaseline, error) {
	if size <= 0 {
		return &LocationBaseline{}, nil
	}
	cache, err := lru.New[string, audit.Location](size)
	if err != nil {
		return nil, err
	}
	return &LocationBaseline{cache: cache}, nil
}

// Set records loc as the user's usual location.
func (b *LocationBaseline) Set(userID string, loc audit.Location) {
	if b == nil || b.cache == nil || userID == "" || loc.Key() == "" {
		return
	}
	b.cache.Add(userID, loc)
}

// Observe returns the user's known usual location. When none is known, current
// becomes the baseline and ok is false.
func (b *LocationBaseline) Observe(userID string, current audit.Location) (audit.Location, bool) {
	if b == nil || b.cache == nil || userID == "" {
		return audit.Location{}, false
	}
	if usual, ok := b.cache.Get(userID); ok {
		return usual, true
	}
	b.Set(userID, current)
	return audit.Location{}, false
}

// Len returns the number of users tracked.
func (b *LocationBaseline) Len() int {
	if b == nil || b.cache == nil {
		return 0
	}
	return b.cache.Len()
}
