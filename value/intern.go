package value

import "sync"

// The intern table is process-wide. Interned strings are saturated and have
// no owner, so every block can share them without refcount traffic.
var interned = struct {
	sync.RWMutex
	m map[string]*Value
}{m: make(map[string]*Value)}

// Intern returns the canonical String value for s.
func Intern(s string) *Value {
	interned.RLock()
	v := interned.m[s]
	interned.RUnlock()
	if v != nil {
		return v
	}

	interned.Lock()
	defer interned.Unlock()
	if v = interned.m[s]; v != nil {
		return v
	}
	v = NewString(s)
	v.Saturate()
	interned.m[s] = v
	return v
}

// InternedCount returns the number of strings in the intern table.
func InternedCount() int {
	interned.RLock()
	defer interned.RUnlock()
	return len(interned.m)
}
