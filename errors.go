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

import "github.com/cockroachdb/errors"

var (
	// ErrDuplicateKey is returned by Insert when the key is already present.
	// The existing value is left in place.
	ErrDuplicateKey = errors.New("rhmap: duplicate key")

	// ErrNotFound is returned by Remove when the key is not present.
	ErrNotFound = errors.New("rhmap: key not found")

	// ErrNoMemory is returned by Insert when the table needed to grow and
	// either the allocator failed or the table would exceed its maximum
	// size. The returned error wraps ErrNoMemory and includes the
	// allocator's error message, so test for it with errors.Is.
	ErrNoMemory = errors.New("rhmap: out of memory")
)
