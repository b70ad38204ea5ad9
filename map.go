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

// Package rhmap is a Go implementation of a Robin Hood hash table mapping
// uint64 keys to non-nil pointers. It is intended for latency-sensitive code
// that needs to map identifiers (stream IDs, session IDs) to in-memory state
// with low and bounded probe cost. See also:
// https://codecapsule.com/2013/11/11/robin-hood-hashing/ and
// https://codecapsule.com/2013/11/17/robin-hood-hashing-backward-shift-deletion/.
//
// # Robin Hood hashing
//
// A Map uses open-addressing with linear probing over a power of 2 sized
// table. Every occupied slot records its probe sequence length (PSL): the
// distance from the slot the key hashes to (its ideal bucket) to the slot the
// key is actually stored in. When an insertion walks past an entry whose PSL
// is smaller than the PSL the inserted key has accumulated so far, the two
// are swapped ("stealing from the rich") and the displaced entry continues
// probing. This keeps the variance of probe lengths low and gives the table
// the property that, within a run of occupied slots, entries appear in order
// of their ideal bucket. Lookups exploit this: once the PSL stored in a slot
// is smaller than the distance probed so far, the key cannot be further along
// and the search stops without reaching an empty slot.
//
// The PSL is stored biased by one so that a zero value means "empty" and a
// freshly allocated (zeroed) table needs no initialization:
//
//	psl == 0: empty slot
//	psl == d: occupied, the entry is d-1 slots past its ideal bucket
//
// # Deletion
//
// Deletion does not use tombstones. Instead the entries following the
// deleted slot are shifted back by one, each with its PSL decremented, until
// an empty slot or an entry sitting in its ideal bucket (psl <= 1) is
// reached. This restores the state the table would have had if the deleted
// key had never been inserted.
//
// # Hashing
//
// Keys are combined with a per-map seed and scrambled with a multiplicative
// hasher chosen to make the output sensitive to all input bits, then reduced
// to a table index with Fibonacci hashing: multiplying by 2^64/phi and taking
// the top hashbits bits. The seed defends against hash-flooding by callers
// who control keys; use NewSeed to get an unpredictable one.
//
// # Growth
//
// The table grows by doubling when an insertion would take the load factor
// to 7/8. Every live entry is re-inserted into a single new allocation
// obtained from the map's Allocator, after which the old allocation is freed.
// A failed allocation leaves the map untouched.
package rhmap

import (
	"fmt"
	"io"
	"math"
	"math/bits"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	debug = false

	// initialHashbits is the size of the table allocated on first insert.
	initialHashbits = 4

	// defaultMaxHashbits bounds the table at 1<<defaultMaxHashbits slots,
	// the largest power of 2 that is a valid slice length.
	defaultMaxHashbits = bits.UintSize - 2

	// maxPSL is the largest value the psl field can hold. Insertion never
	// stores it, which lets Find increment its probe counter without
	// overflow.
	maxPSL = math.MaxUint32

	// hasher is taken from
	// https://github.com/rust-lang/rustc-hash/blob/dc5c33f1283de2da64d8d7a06401d91aded03ad4/src/lib.rs
	// to maximize the output's sensitivity to all input bits.
	hasher uint64 = 0xf1357aea2e62a9c5
	// fibonacci is 2^64/phi, used to pick the well distributed high bits.
	fibonacci uint64 = 0x9e3779b97f4a7c15
)

// Slot holds a key, its value and the key's probe sequence length. The zero
// Slot is empty.
type Slot[T any] struct {
	key   uint64
	value *T
	psl   uint32
}

// Map is an unordered map from uint64 keys to non-nil *T values with Insert,
// Find, Remove, and Each operations. The map only stores the pointers it is
// given; it never dereferences or frees them.
//
// The zero value is an empty map with a zero seed using the default
// allocator. A Map is NOT goroutine-safe.
type Map[T any] struct {
	// slots is 1<<hashbits in length, or nil if nothing was ever inserted.
	slots []Slot[T]
	seed  uint64
	// The allocator to use for the slots slice.
	allocator Allocator[T]
	// The number of occupied slots.
	used int
	// hashbits is log2(len(slots)). Zero means the table is unallocated.
	hashbits uint
	// maxHashbits is the largest hashbits the table may grow to. Zero
	// means defaultMaxHashbits.
	maxHashbits uint
}

// New constructs a new Map using the specified seed for hashing. The table is
// allocated on the first insert.
func New[T any](seed uint64, options ...option[T]) *Map[T] {
	m := &Map[T]{}
	m.Init(seed, options...)
	return m
}

// Init initializes a Map that is embedded by value, releasing any slots it
// currently holds.
func (m *Map[T]) Init(seed uint64, options ...option[T]) {
	m.Close()
	*m = Map[T]{
		seed:        seed,
		allocator:   defaultAllocator[T]{},
		maxHashbits: defaultMaxHashbits,
	}
	for _, op := range options {
		op.apply(m)
	}
}

// Close releases the map's slots back to its configured allocator, leaving an
// empty map. It is unnecessary to close a map using the default allocator.
// Close is idempotent and may be called on a zero Map.
func (m *Map[T]) Close() {
	if m.slots != nil {
		m.alloc().Free(m.slots)
	}
	m.slots = nil
	m.used = 0
	m.hashbits = 0
}

// Insert adds an entry for key. If the key is already present the map is left
// unchanged and ErrDuplicateKey is returned; an existing value is never
// overwritten. If the table needs to grow and cannot, the map is left
// unchanged and an error matching ErrNoMemory is returned.
//
// Insert panics if value is nil.
func (m *Map[T]) Insert(key uint64, value *T) error {
	if value == nil {
		panic(errors.AssertionFailedf("rhmap: nil value inserted for key %d", key))
	}

	// tablelen is 1 for an unallocated map. It is only used for the load
	// factor check, where that forces the initial allocation.
	tablelen := 1 << m.hashbits

	// The load factor is 7/8. Because tablelen is a power of 2,
	// tablelen-tablelen>>3 computes tablelen*7/8.
	if m.used+1 >= tablelen-(tablelen>>3) {
		if m.used > 0 {
			if _, ok := m.lookup(key); ok {
				return ErrDuplicateKey
			}
		}

		newHashbits := uint(initialHashbits)
		if m.hashbits > 0 {
			newHashbits = m.hashbits + 1
		}
		if limit := m.limit(); newHashbits > limit {
			return errors.Wrapf(ErrNoMemory, "rhmap: growing to 2^%d slots exceeds the maximum of 2^%d",
				newHashbits, limit)
		}
		if err := m.resize(newHashbits); err != nil {
			return err
		}
	}

	if err := m.insert(key, value); err != nil {
		return err
	}
	m.checkInvariants()
	return nil
}

// Find returns the value stored for key, or nil if the key is not present.
func (m *Map[T]) Find(key uint64) *T {
	i, ok := m.lookup(key)
	if !ok {
		return nil
	}
	return m.slots[i].value
}

// Remove deletes the entry for key, returning ErrNotFound if the key is not
// present.
func (m *Map[T]) Remove(key uint64) error {
	i, ok := m.lookup(key)
	if !ok {
		return ErrNotFound
	}

	// Shift the following entries back until one is found that is empty or
	// already sits in its ideal bucket. Nothing past that point probed
	// through the removed slot.
	mask := m.mask()
	dest := i
	for {
		i = (i + 1) & mask
		s := &m.slots[i]
		if s.psl <= 1 {
			m.slots[dest] = Slot[T]{}
			break
		}
		m.slots[dest] = Slot[T]{key: s.key, value: s.value, psl: s.psl - 1}
		dest = i
	}
	m.used--

	if debug {
		fmt.Printf("remove(%d): vacated=%d used=%d\n", key, dest, m.used)
	}
	m.checkInvariants()
	return nil
}

// Clear removes all entries from the map while retaining its capacity. The
// map drops its references to the values but does not otherwise touch them.
func (m *Map[T]) Clear() {
	if m.used == 0 {
		return
	}
	clear(m.slots)
	m.used = 0
	m.checkInvariants()
}

// Each calls visit for each entry in the map in slot order, which is neither
// insertion order nor stable across growth. If visit returns an error, Each
// stops and returns that error. The map must not be mutated by visit.
func (m *Map[T]) Each(visit func(key uint64, value *T) error) error {
	if m.used == 0 {
		return nil
	}
	for i := range m.slots {
		s := &m.slots[i]
		if s.psl == 0 {
			continue
		}
		if err := visit(s.key, s.value); err != nil {
			return err
		}
	}
	return nil
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, All stops the iteration. The map can be mutated during
// iteration, though there is no guarantee that the mutations will be visible
// to the iteration or that entries shifted by a removal are not skipped.
func (m *Map[T]) All(yield func(key uint64, value *T) bool) {
	// Snapshot the slots so that iteration remains valid if the map is
	// resized during iteration.
	slots := m.slots
	for i := range slots {
		if s := slots[i]; s.psl != 0 {
			if !yield(s.key, s.value) {
				return
			}
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[T]) Len() int {
	return m.used
}

// capacity returns the number of slots in the table.
func (m *Map[T]) capacity() int {
	return len(m.slots)
}

// PrintDistance writes, for every slot in the table, the key it holds, the
// key's ideal bucket and its distance from that bucket. It is a tuning aid
// for inspecting clustering and is not meant to be parsed. Nothing is written
// for an empty map.
func (m *Map[T]) PrintDistance(w io.Writer) {
	if m.used == 0 {
		return
	}
	for i := range m.slots {
		s := &m.slots[i]
		if s.psl == 0 {
			fmt.Fprintf(w, "@%d <EMPTY>\n", i)
			continue
		}
		fmt.Fprintf(w, "@%d key=%d base=%d distance=%d\n", i, s.key, m.index(s.key), s.psl-1)
	}
}

// index returns the ideal bucket for key.
func (m *Map[T]) index(key uint64) uintptr {
	h := (key + m.seed) * hasher
	return uintptr((h * fibonacci) >> (64 - m.hashbits))
}

func (m *Map[T]) mask() uintptr {
	return uintptr(len(m.slots) - 1)
}

func (m *Map[T]) alloc() Allocator[T] {
	if m.allocator == nil {
		return defaultAllocator[T]{}
	}
	return m.allocator
}

func (m *Map[T]) limit() uint {
	if m.maxHashbits == 0 {
		return defaultMaxHashbits
	}
	return m.maxHashbits
}

// lookup returns the slot index holding key. The probe stops as soon as the
// slot's PSL is smaller than the distance probed, which covers empty slots
// as they have a PSL of zero.
func (m *Map[T]) lookup(key uint64) (uintptr, bool) {
	if m.used == 0 {
		return 0, false
	}

	mask := m.mask()
	i := m.index(key)
	for psl := uint32(1); ; psl++ {
		s := &m.slots[i]
		if psl > s.psl {
			return 0, false
		}
		if s.key == key {
			return i, true
		}
		i = (i + 1) & mask
	}
}

// insert places key in the table, which must have room for it, swapping it
// with any resident entry that is closer to its ideal bucket than key is to
// its own.
func (m *Map[T]) insert(key uint64, value *T) error {
	mask := m.mask()
	i := m.index(key)
	psl := uint32(1)

	for {
		s := &m.slots[i]
		if s.psl == 0 {
			*s = Slot[T]{key: key, value: value, psl: psl}
			m.used++
			if debug {
				fmt.Printf("insert(%d): index=%d distance=%d used=%d\n", key, i, psl-1, m.used)
			}
			return nil
		}

		if psl > s.psl {
			key, s.key = s.key, key
			value, s.value = s.value, value
			psl, s.psl = s.psl, psl
		} else if s.key == key {
			// Only reachable before the first swap. Once the inserted key
			// has been placed, the candidate is a resident key and all
			// resident keys are distinct.
			return ErrDuplicateKey
		}

		psl++
		if psl == maxPSL {
			panic(errors.AssertionFailedf("rhmap: probe sequence length overflow at index %d\n%s",
				i, m.debugString()))
		}
		i = (i + 1) & mask
	}
}

// resize replaces the table with one of 1<<newHashbits slots, re-inserting
// every entry. On failure the map is unchanged.
func (m *Map[T]) resize(newHashbits uint) error {
	n := 1 << newHashbits
	slots, err := m.alloc().Alloc(n)
	if err != nil {
		return errors.Wrapf(ErrNoMemory, "rhmap: allocating %d slots: %v", n, err)
	}
	if len(slots) != n {
		panic(errors.AssertionFailedf("rhmap: allocator returned %d slots, expected %d", len(slots), n))
	}

	newMap := Map[T]{
		slots:    slots,
		seed:     m.seed,
		hashbits: newHashbits,
	}
	for i := range m.slots {
		s := &m.slots[i]
		if s.psl == 0 {
			continue
		}
		// All keys are unique, so this must not fail.
		if err := newMap.insert(s.key, s.value); err != nil {
			panic(errors.NewAssertionErrorWithWrappedErrf(err, "rhmap: re-inserting key %d during resize", s.key))
		}
	}

	if debug {
		fmt.Printf("resize: capacity=%d->%d used=%d\n", len(m.slots), n, m.used)
	}

	if m.slots != nil {
		m.alloc().Free(m.slots)
	}
	m.slots = newMap.slots
	m.hashbits = newHashbits

	m.checkInvariants()
	return nil
}

func (m *Map[T]) checkInvariants() {
	if invariants {
		if err := m.validate(); err != nil {
			panic(err)
		}
	}
}

// validate checks the structure of the table, returning an assertion failure
// describing the first violation found.
func (m *Map[T]) validate() error {
	if m.hashbits == 0 {
		if m.slots != nil || m.used != 0 {
			return errors.AssertionFailedf("unallocated table has %d slots and %d used", len(m.slots), m.used)
		}
		return nil
	}
	if len(m.slots) != 1<<m.hashbits {
		return errors.AssertionFailedf("found %d slots, expected 2^%d", len(m.slots), m.hashbits)
	}

	mask := m.mask()
	var used int
	for i := range m.slots {
		s := &m.slots[i]
		if s.psl == 0 {
			continue
		}
		used++

		if s.value == nil {
			return errors.AssertionFailedf("slot(%d): nil value\n%s", i, m.debugString())
		}
		// The PSL must match the distance from the ideal bucket.
		distance := (uintptr(i) - m.index(s.key)) & mask
		if uintptr(s.psl-1) != distance {
			return errors.AssertionFailedf("slot(%d): key %d has psl %d but distance %d\n%s",
				i, s.key, s.psl, distance, m.debugString())
		}
		// An entry can be at most one slot further from its ideal bucket
		// than its predecessor, otherwise it hashes before the predecessor
		// yet was placed after it.
		if n := &m.slots[(uintptr(i)+1)&mask]; n.psl > s.psl+1 {
			return errors.AssertionFailedf("slot(%d): psl %d is followed by psl %d\n%s",
				i, s.psl, n.psl, m.debugString())
		}
		if j, ok := m.lookup(s.key); !ok || j != uintptr(i) {
			return errors.AssertionFailedf("slot(%d): key %d not found\n%s", i, s.key, m.debugString())
		}
	}

	if used != m.used {
		return errors.AssertionFailedf("found %d used slots, but used count is %d\n%s",
			used, m.used, m.debugString())
	}
	if tablelen := len(m.slots); used >= tablelen-(tablelen>>3) {
		return errors.AssertionFailedf("%d used slots exceeds load factor of %d slots", used, tablelen)
	}
	return nil
}

func (m *Map[T]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  hashbits=%d  seed=%016x\n",
		len(m.slots), m.used, m.hashbits, m.seed)
	m.PrintDistance(&buf)
	return buf.String()
}
