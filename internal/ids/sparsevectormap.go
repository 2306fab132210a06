package ids

import (
	"cmp"
	"errors"
	"fmt"
	"sort"
)

// ErrBadFilteredKey is returned by SparseVectorMap.Filter when the filter
// function replaces an element with one whose key differs from the original.
var ErrBadFilteredKey = errors.New("filter returned element with mismatched key")

// Keyed is implemented by values stored in a SparseVectorMap.
type Keyed[K cmp.Ordered] interface {
	Key() K
}

// SparseVectorMap is an ordered container indexed by the key of its values.
// Inserts arrive mostly in ascending key order during graph construction, so
// the map trades insert cost (O(n) worst case) for O(log n) lookups and
// cache-friendly in-order scans. Iteration order is ascending by key.
type SparseVectorMap[K cmp.Ordered, V Keyed[K]] struct {
	data []V
}

// Insert adds v to the map. If a value with the same key is already present,
// the existing value is returned unchanged and v is not inserted.
func (m *SparseVectorMap[K, V]) Insert(v V) V {
	key := v.Key()
	n := len(m.data)
	if n == 0 || m.data[n-1].Key() < key {
		// Common case: keys arrive in ascending order.
		m.data = append(m.data, v)
		return v
	}
	i := sort.Search(n, func(i int) bool { return m.data[i].Key() >= key })
	if i < n && m.data[i].Key() == key {
		return m.data[i]
	}
	m.data = append(m.data, v)
	copy(m.data[i+1:], m.data[i:])
	m.data[i] = v
	return v
}

// Get looks up the value stored under key.
func (m *SparseVectorMap[K, V]) Get(key K) (V, bool) {
	i := sort.Search(len(m.data), func(i int) bool { return m.data[i].Key() >= key })
	if i < len(m.data) && m.data[i].Key() == key {
		return m.data[i], true
	}
	var zero V
	return zero, false
}

// MustGet is Get for keys the caller has already proven present.
func (m *SparseVectorMap[K, V]) MustGet(key K) V {
	v, ok := m.Get(key)
	if !ok {
		panic(fmt.Sprintf("sparse vector map: missing key %v", key))
	}
	return v
}

// Contains reports whether a value is stored under key.
func (m *SparseVectorMap[K, V]) Contains(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Len returns the number of stored values.
func (m *SparseVectorMap[K, V]) Len() int {
	return len(m.data)
}

// At returns the value at position i in key order.
func (m *SparseVectorMap[K, V]) At(i int) V {
	return m.data[i]
}

// All iterates the values in ascending key order. Returning false from fn
// stops the iteration.
func (m *SparseVectorMap[K, V]) All(fn func(V) bool) {
	for _, v := range m.data {
		if !fn(v) {
			return
		}
	}
}

// Values returns the backing slice in key order. The slice must not be
// resized by the caller; elements may be replaced in place only with values
// of identical key.
func (m *SparseVectorMap[K, V]) Values() []V {
	return m.data
}

// SortBy reorders the backing slice with an arbitrary comparison, invoking
// fn on each element in that order, then restores key order. Graph cleanup
// uses this to assign link order tags alphabetically without keeping a
// second index.
func (m *SparseVectorMap[K, V]) SortBy(less func(a, b V) bool, fn func(V)) {
	sort.SliceStable(m.data, func(i, j int) bool { return less(m.data[i], m.data[j]) })
	for _, v := range m.data {
		fn(v)
	}
	sort.Slice(m.data, func(i, j int) bool { return m.data[i].Key() < m.data[j].Key() })
}

// Filter applies fn to every element. fn returns the element to keep (the
// original or a replacement with an identical key) and true, or false to
// remove the element. After filtering the container is compacted. A
// replacement with a different key fails with ErrBadFilteredKey and leaves
// the remaining elements intact.
func (m *SparseVectorMap[K, V]) Filter(fn func(V) (V, bool)) error {
	out := m.data[:0]
	for i, v := range m.data {
		nv, keep := fn(v)
		if !keep {
			continue
		}
		if nv.Key() != v.Key() {
			// Keep the original element and everything not yet visited
			// so the container stays ordered and complete.
			out = append(out, v)
			out = append(out, m.data[i+1:]...)
			m.data = compact(out)
			return fmt.Errorf("%w: had %v, got %v", ErrBadFilteredKey, v.Key(), nv.Key())
		}
		out = append(out, nv)
	}
	m.data = compact(out)
	return nil
}

// compact releases the unused tail capacity left behind by a filter pass.
func compact[V any](s []V) []V {
	out := make([]V, len(s))
	copy(out, s)
	return out
}
