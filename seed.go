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

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// NewSeed returns a random seed suitable for New. Using an unpredictable seed
// per Map prevents an adversary who controls the keys from forcing them into
// a single probe run.
func NewSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(errors.Wrap(err, "rhmap: reading random seed"))
	}
	return binary.LittleEndian.Uint64(b[:])
}
