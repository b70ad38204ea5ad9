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

package rhmap

// option provide an interface to do work on Map while it is being created.
type option[T any] interface {
	apply(m *Map[T])
}

// Allocator specifies an interface for allocating and releasing the slots
// backing a Map. The default allocator utilizes Go's builtin make() and allows
// the GC to reclaim memory.
//
// A Map performs exactly one Alloc per resize. If the allocator is manually
// managing memory then Map.Close must be called in order to ensure the final
// set of slots is passed to Free.
type Allocator[T any] interface {
	// Alloc should return a slice equivalent to make([]Slot[T], n), or an
	// error if the memory cannot be obtained. The returned slots must be
	// zeroed.
	Alloc(n int) ([]Slot[T], error)

	// Free can optionally release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by Alloc.
	Free(s []Slot[T])
}

type defaultAllocator[T any] struct{}

func (defaultAllocator[T]) Alloc(n int) ([]Slot[T], error) {
	return make([]Slot[T], n), nil
}

func (defaultAllocator[T]) Free(s []Slot[T]) {
}

type allocatorOption[T any] struct {
	allocator Allocator[T]
}

func (op allocatorOption[T]) apply(m *Map[T]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[T].
func WithAllocator[T any](allocator Allocator[T]) option[T] {
	return allocatorOption[T]{allocator}
}
