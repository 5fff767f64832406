package crawler

import (
	"sync"
	"sync/atomic"
)

// VisitedSet holds the canonical URLs claimed by workers. It only grows.
type VisitedSet struct {
	keys  sync.Map
	count atomic.Int64
}

// NewVisitedSet returns an empty set.
func NewVisitedSet() *VisitedSet {
	return &VisitedSet{}
}

// MarkIfNew inserts key and reports whether this call inserted it. Exactly one
// of any number of concurrent callers with the same key gets true.
func (v *VisitedSet) MarkIfNew(key string) bool {
	if _, loaded := v.keys.LoadOrStore(key, struct{}{}); loaded {
		return false
	}
	v.count.Add(1)
	return true
}

// Len returns the number of marked keys.
func (v *VisitedSet) Len() int {
	return int(v.count.Load())
}
