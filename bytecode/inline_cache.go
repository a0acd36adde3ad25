package bytecode

// Inline caching for map property reads.
//
// Each MAP_GET_IC site owns a cache slot. The slot remembers which bucket
// held the key for the map shapes it has seen, so a repeat read on the same
// shape skips hashing. A map gets a new shape whenever it is resized or
// cloned, which invalidates every entry recorded for it.

// CacheState is the state of one inline cache.
type CacheState uint8

const (
	CacheUninitialized CacheState = iota
	CacheMonomorphic
	CachePolymorphic
	CacheMegamorphic
)

func (s CacheState) String() string {
	switch s {
	case CacheUninitialized:
		return "uninitialized"
	case CacheMonomorphic:
		return "monomorphic"
	case CachePolymorphic:
		return "polymorphic"
	case CacheMegamorphic:
		return "megamorphic"
	}
	return "unknown"
}

// MaxPolymorphic is the number of shapes a cache tracks before it gives up
// and goes megamorphic.
const MaxPolymorphic = 4

// CacheEntry is one observed shape and the bucket its key lives in.
type CacheEntry struct {
	Shape  uint64
	Bucket int
}

// InlineCache is the state of one cache site.
// It only moves forward: Uninitialized -> Monomorphic -> Polymorphic -> Megamorphic.
type InlineCache struct {
	State   CacheState
	Entries [MaxPolymorphic]CacheEntry
	Count   int

	Hits   uint64
	Misses uint64
}

// Lookup returns the cached bucket for shape.
func (ic *InlineCache) Lookup(shape uint64) (int, bool) {
	for i := 0; i < ic.Count; i++ {
		if ic.Entries[i].Shape == shape {
			ic.Hits++
			return ic.Entries[i].Bucket, true
		}
	}
	ic.Misses++
	return 0, false
}

// Update records the bucket found by a slow-path lookup.
func (ic *InlineCache) Update(shape uint64, bucket int) {
	switch ic.State {
	case CacheUninitialized:
		ic.State = CacheMonomorphic
		ic.Entries[0] = CacheEntry{Shape: shape, Bucket: bucket}
		ic.Count = 1

	case CacheMonomorphic, CachePolymorphic:
		for i := 0; i < ic.Count; i++ {
			if ic.Entries[i].Shape == shape {
				ic.Entries[i].Bucket = bucket
				return
			}
		}
		if ic.Count < MaxPolymorphic {
			ic.Entries[ic.Count] = CacheEntry{Shape: shape, Bucket: bucket}
			ic.Count++
			ic.State = CachePolymorphic
			return
		}
		ic.State = CacheMegamorphic
		ic.Entries = [MaxPolymorphic]CacheEntry{}
		ic.Count = 0

	case CacheMegamorphic:
	}
}

// HitRate returns the hit percentage.
func (ic *InlineCache) HitRate() float64 {
	total := ic.Hits + ic.Misses
	if total == 0 {
		return 0
	}
	return float64(ic.Hits) * 100 / float64(total)
}

// Reset returns the cache to the uninitialized state.
func (ic *InlineCache) Reset() {
	*ic = InlineCache{}
}

// CacheStats aggregates the caches of a set of chunks.
type CacheStats struct {
	Sites       int
	Monomorphic int
	Polymorphic int
	Megamorphic int
	Hits        uint64
	Misses      uint64
}

// Add folds the caches into s.
func (s *CacheStats) Add(caches []InlineCache) {
	for i := range caches {
		ic := &caches[i]
		s.Sites++
		switch ic.State {
		case CacheMonomorphic:
			s.Monomorphic++
		case CachePolymorphic:
			s.Polymorphic++
		case CacheMegamorphic:
			s.Megamorphic++
		}
		s.Hits += ic.Hits
		s.Misses += ic.Misses
	}
}
