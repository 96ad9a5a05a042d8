// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package chainmap is a separately chained hash table with caller supplied
// hash and equality functions, load factor driven growth and shrinkage, and
// a companion binary serialization format.
//
// # Chaining
//
// A Map is an array of buckets, each the head of a singly linked chain of
// entries. An entry lives in bucket hash(key) % capacity at all times. New
// entries are linked at the head of their chain so insertion is O(1) once
// the chain has been scanned for an existing entry with the same key.
// Unlike open addressing, deletion simply unlinks the entry; there are no
// tombstones.
//
// # Resizing
//
// Put reserves room for one more entry before scanning. If the reserved
// count divided by the capacity exceeds the load factor (strictly) the
// bucket array doubles. Delete halves the bucket array when the remaining
// entries would still stay below the load factor at half the capacity, but
// never below the minimum capacity, which keeps small maps from thrashing.
// Both directions share one rehash loop which relinks entries into the new
// bucket array without allocating or copying any entry. A resize runs to
// completion within the Put or Delete that triggered it, so callers needing
// bounded per-call latency should size the map up front.
//
// # Comparison
//
// Every lookup takes Flags. By default two keys are the same iff the
// equality function says so. With FastCompare two keys are the same iff
// their hashes are equal and the equality function is never called. That
// is only correct when the caller guarantees the hash is collision free for
// its key domain (e.g. the keys are themselves digests); the Map does not
// check.
//
// # Ownership
//
// The Map owns its bucket array and entries. It never releases a key or
// value unless the call carries ReleaseKey or ReleaseValue, in which case
// the payload is handed to the Releaser configured with WithKeyReleaser or
// WithValueReleaser and must not be used by the caller afterward.
package chainmap

import (
	"fmt"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	// DefaultCapacity is the bucket count used when New is passed an
	// initial capacity of 0.
	DefaultCapacity = 10
	// DefaultMinCapacity is the default floor for the bucket count.
	DefaultMinCapacity = 10
	// DefaultLoadFactor is the load factor used by DefaultConfig.
	DefaultLoadFactor = 0.75
)

// Flags select the comparison discipline and payload release behavior of
// a single operation. Flags are bit-combinable.
type Flags uint8

// None selects exact comparison and releases nothing.
const None Flags = 0

const (
	// FastCompare treats keys with equal hashes as the same key.
	FastCompare Flags = 1 << iota
	// ReleaseValue hands the value being overwritten (Put), removed
	// (Delete) or destroyed (Clear, Close) to the value Releaser.
	ReleaseValue
	// ReleaseKey hands the key being removed (Delete) or destroyed (Clear,
	// Close) to the key Releaser. Put never replaces a stored key.
	ReleaseKey
)

const (
	// ReleaseOnOverwrite releases the previous value when Put overwrites
	// an existing entry.
	ReleaseOnOverwrite = ReleaseValue
	// ReleaseOnDelete releases both key and value of a removed entry.
	ReleaseOnDelete = ReleaseKey | ReleaseValue
)

func (f Flags) String() string {
	if f == None {
		return "none"
	}
	var parts []string
	if f&FastCompare != 0 {
		parts = append(parts, "fast-compare")
	}
	if f&ReleaseValue != 0 {
		parts = append(parts, "release-value")
	}
	if f&ReleaseKey != 0 {
		parts = append(parts, "release-key")
	}
	return strings.Join(parts, "|")
}

// HashFunc computes the hash of a key. It must be deterministic for the
// lifetime of the Map.
type HashFunc[K any] func(key K) uint64

// EqualFunc reports whether two keys are the same key.
type EqualFunc[K any] func(a, b K) bool

// Entry holds a key, its value and the link to the next entry in the
// chain.
type Entry[K any, V any] struct {
	key   K
	value V
	next  *Entry[K, V]
}

// Key returns the entry's key.
func (e *Entry[K, V]) Key() K {
	return e.key
}

// Value returns the entry's value.
func (e *Entry[K, V]) Value() V {
	return e.value
}

// Map is an unordered map from keys to values with Put, Get, Delete, and All
// operations, implemented as a separately chained hash table.
//
// A Map is NOT goroutine-safe. Callers needing concurrent access must
// serialize it externally.
type Map[K any, V any] struct {
	hash HashFunc[K]
	// eq may be nil, in which case only FastCompare lookups are usable.
	eq EqualFunc[K]
	// The allocator to use for the bucket array and entries.
	allocator    Allocator[K, V]
	releaseKey   Releaser[K]
	releaseValue Releaser[V]
	logger       *zap.Logger
	// buckets holds the chain heads. len(buckets) is the capacity and is
	// never below minCapacity.
	buckets []*Entry[K, V]
	// The number of reachable entries.
	used        int
	loadFactor  float32
	minCapacity int
}

// New constructs a new Map with the specified hash and equality functions,
// initial capacity and load factor. If initialCapacity is 0 the map starts
// with DefaultCapacity buckets (or the minimum capacity if that is larger).
// A non-zero initialCapacity must be at least the minimum capacity and the
// load factor must be positive and finite; otherwise ErrInvalidConfig is
// returned. ErrAllocation is returned if the bucket array cannot be
// allocated.
func New[K any, V any](
	hash HashFunc[K], eq EqualFunc[K], initialCapacity int, loadFactor float32, options ...Option[K, V],
) (*Map[K, V], error) {
	m := &Map[K, V]{
		hash:        hash,
		eq:          eq,
		allocator:   defaultAllocator[K, V]{},
		logger:      zap.NewNop(),
		minCapacity: DefaultMinCapacity,
	}

	for _, op := range options {
		op.apply(m)
	}
	if m.allocator == nil {
		m.allocator = defaultAllocator[K, V]{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.minCapacity < 1 {
		m.minCapacity = DefaultMinCapacity
	}

	if hash == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "nil hash function")
	}
	if !validLoadFactor(loadFactor) {
		return nil, errors.Wrapf(ErrInvalidConfig, "load factor %v", loadFactor)
	}
	if initialCapacity == 0 {
		initialCapacity = max(DefaultCapacity, m.minCapacity)
	}
	if initialCapacity < m.minCapacity {
		return nil, errors.Wrapf(ErrInvalidConfig,
			"initial capacity %d below minimum capacity %d", initialCapacity, m.minCapacity)
	}

	buckets := m.allocator.AllocBuckets(initialCapacity)
	if buckets == nil {
		return nil, errors.Wrapf(ErrAllocation, "%d buckets", initialCapacity)
	}
	m.buckets = buckets
	m.loadFactor = loadFactor

	m.checkInvariants()
	return m, nil
}

// Close destroys the map, releasing every entry and the bucket array back
// to the configured allocator, and keys and values to their Releasers as
// selected by flags. It is invalid to use a Map after it has been closed,
// though Close itself is idempotent.
func (m *Map[K, V]) Close(flags Flags) {
	if m.buckets == nil {
		return
	}
	m.releaseAll(flags)
	m.allocator.FreeBuckets(m.buckets)
	m.buckets = nil
}

// Clear removes every entry from the map, releasing keys and values as
// selected by flags. The capacity is retained.
func (m *Map[K, V]) Clear(flags Flags) {
	m.releaseAll(flags)
	m.checkInvariants()
}

func (m *Map[K, V]) releaseAll(flags Flags) {
	for i, e := range m.buckets {
		for e != nil {
			next := e.next
			m.releaseEntry(e, flags)
			e = next
		}
		m.buckets[i] = nil
	}
	m.used = 0
}

// Put inserts an entry into the map, overwriting the value of an existing
// entry with the same key. The stored key of an existing entry is retained.
// With ReleaseValue the overwritten value is handed to the value Releaser.
//
// Put may grow the map before inserting. If growing or allocating the new
// entry fails, ErrAllocation is returned and the entries and Len are
// unchanged. The capacity may already have grown when only the entry
// allocation fails.
func (m *Map[K, V]) Put(key K, value V, flags Flags) error {
	h := m.hash(key)

	// Reserve room for the entry. The reservation is committed only if a new
	// entry is linked in.
	count := m.used + 1
	if m.overloaded(count, len(m.buckets)) {
		if err := m.grow(count); err != nil {
			return err
		}
	}

	b := h % uint64(len(m.buckets))
	for e := m.buckets[b]; e != nil; e = e.next {
		if m.match(e, key, h, flags) {
			if flags&ReleaseValue != 0 && m.releaseValue != nil {
				m.releaseValue(e.value)
			}
			e.value = value
			m.checkInvariants()
			return nil
		}
	}

	e := m.allocator.AllocEntry()
	if e == nil {
		return errors.Wrap(ErrAllocation, "entry")
	}
	e.key = key
	e.value = value
	e.next = m.buckets[b]
	m.buckets[b] = e
	m.used = count

	m.checkInvariants()
	return nil
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Get(key K, flags Flags) (value V, ok bool) {
	h := m.hash(key)
	for e := m.buckets[h%uint64(len(m.buckets))]; e != nil; e = e.next {
		if m.match(e, key, h, flags) {
			return e.value, true
		}
	}
	return value, false
}

// Delete removes the entry corresponding to the specified key, releasing its
// key and value as selected by flags. ErrNotFound is returned, and the map
// left untouched, if the key is not present.
//
// Delete may shrink the map after removing the entry. If the smaller bucket
// array cannot be allocated ErrAllocation is returned; the entry has been
// removed regardless and the map remains valid at its previous capacity.
func (m *Map[K, V]) Delete(key K, flags Flags) error {
	h := m.hash(key)
	b := h % uint64(len(m.buckets))

	var parent *Entry[K, V]
	for e := m.buckets[b]; e != nil; parent, e = e, e.next {
		if !m.match(e, key, h, flags) {
			continue
		}
		if parent != nil {
			parent.next = e.next
		} else {
			m.buckets[b] = e.next
		}
		m.used--
		m.releaseEntry(e, flags)

		if capacity := len(m.buckets); capacity > m.minCapacity &&
			float64(m.used)/float64(capacity/2) < float64(m.loadFactor) {
			if err := m.resize(max(capacity/2, m.minCapacity)); err != nil {
				return err
			}
		}
		m.checkInvariants()
		return nil
	}
	return ErrNotFound
}

// All calls yield sequentially for each key and value present in the map,
// in bucket order and then chain order. If yield returns false, iteration
// stops. The map must not be mutated during iteration.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	for _, e := range m.buckets {
		for ; e != nil; e = e.next {
			if !yield(e.key, e.value) {
				return
			}
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Capacity returns the number of buckets.
func (m *Map[K, V]) Capacity() int {
	return len(m.buckets)
}

// LoadFactor returns the load factor.
func (m *Map[K, V]) LoadFactor() float32 {
	return m.loadFactor
}

// SetLoadFactor replaces the load factor, growing the map immediately if the
// current entries exceed the new one. ErrInvalidConfig is returned for a
// load factor that is not positive and finite. If the map cannot grow,
// ErrAllocation is returned and the previous load factor is kept.
func (m *Map[K, V]) SetLoadFactor(loadFactor float32) error {
	if !validLoadFactor(loadFactor) {
		return errors.Wrapf(ErrInvalidConfig, "load factor %v", loadFactor)
	}
	prev := m.loadFactor
	m.loadFactor = loadFactor
	if m.overloaded(m.used, len(m.buckets)) {
		if err := m.grow(m.used); err != nil {
			m.loadFactor = prev
			return err
		}
	}
	m.checkInvariants()
	return nil
}

func validLoadFactor(lf float32) bool {
	return lf > 0 && lf <= math.MaxFloat32
}

// overloaded returns true if count entries in capacity buckets exceed the
// load factor. Equality at the boundary is not overloaded.
func (m *Map[K, V]) overloaded(count, capacity int) bool {
	return float64(count)/float64(capacity) > float64(m.loadFactor)
}

// match returns true if e holds key under the discipline selected by flags.
// h is hash(key).
func (m *Map[K, V]) match(e *Entry[K, V], key K, h uint64, flags Flags) bool {
	if flags&FastCompare != 0 {
		return m.hash(e.key) == h
	}
	if m.eq == nil {
		panic("chainmap: exact comparison requires an equality function")
	}
	return m.eq(e.key, key)
}

func (m *Map[K, V]) releaseEntry(e *Entry[K, V], flags Flags) {
	if flags&ReleaseKey != 0 && m.releaseKey != nil {
		m.releaseKey(e.key)
	}
	if flags&ReleaseValue != 0 && m.releaseValue != nil {
		m.releaseValue(e.value)
	}
	*e = Entry[K, V]{}
	m.allocator.FreeEntry(e)
}

// grow doubles the capacity until count entries fit under the load factor.
// A single doubling suffices unless the load factor is below one entry per
// initial bucket. ErrAllocation is returned if no addressable capacity is
// large enough.
func (m *Map[K, V]) grow(count int) error {
	newCapacity := len(m.buckets)
	for {
		if newCapacity > math.MaxInt/2 {
			return errors.Wrapf(ErrAllocation,
				"%d entries do not fit any capacity at load factor %v", count, m.loadFactor)
		}
		newCapacity *= 2
		if !m.overloaded(count, newCapacity) {
			return m.resize(newCapacity)
		}
	}
}

// resize relinks every entry into a new bucket array of newCapacity buckets
// and frees the old array. No entry is allocated or copied. On allocation
// failure the map is untouched.
func (m *Map[K, V]) resize(newCapacity int) error {
	oldCapacity := len(m.buckets)
	buckets := m.allocator.AllocBuckets(newCapacity)
	if buckets == nil {
		return errors.Wrapf(ErrAllocation, "resize %d -> %d buckets", oldCapacity, newCapacity)
	}

	old := m.buckets
	for i, e := range old {
		for e != nil {
			// Relinking overwrites e.next, so capture it first.
			next := e.next
			j := m.hash(e.key) % uint64(newCapacity)
			e.next = buckets[j]
			buckets[j] = e
			e = next
		}
		old[i] = nil
	}
	m.buckets = buckets
	m.allocator.FreeBuckets(old)

	m.logger.Debug("resized",
		zap.Int("old-capacity", oldCapacity),
		zap.Int("new-capacity", newCapacity),
		zap.Int("used", m.used))
	return nil
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if len(m.buckets) < m.minCapacity {
			panic(fmt.Sprintf("invariant failed: capacity %d below minimum %d\n%s",
				len(m.buckets), m.minCapacity, m.debugString()))
		}
		var used int
		for i, e := range m.buckets {
			for ; e != nil; e = e.next {
				if j := m.hash(e.key) % uint64(len(m.buckets)); j != uint64(i) {
					panic(fmt.Sprintf("invariant failed: %v found in bucket %d, hashes to %d\n%s",
						e.key, i, j, m.debugString()))
				}
				used++
			}
		}
		if used != m.used {
			panic(fmt.Sprintf("invariant failed: found %d entries, but used count is %d\n%s",
				used, m.used, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  load-factor=%v\n", len(m.buckets), m.used, m.loadFactor)
	for i, e := range m.buckets {
		if e == nil {
			continue
		}
		fmt.Fprintf(&buf, "  %4d:", i)
		for ; e != nil; e = e.next {
			fmt.Fprintf(&buf, " %v", e.key)
		}
		buf.WriteString("\n")
	}
	return buf.String()
}
