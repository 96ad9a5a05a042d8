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

package chainmap

import (
	"bytes"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// StringHash hashes a string key with xxHash64.
func StringHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// BytesHash hashes a byte slice key with xxHash64.
func BytesHash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// PointerHash uses the address of the key as its hash. Keys are compared by
// identity, so it pairs with PointerEqual.
func PointerHash[T any](key *T) uint64 {
	return uint64(uintptr(unsafe.Pointer(key)))
}

// Equal compares keys with ==.
func Equal[K comparable](a, b K) bool {
	return a == b
}

// BytesEqual compares byte slice keys by content.
func BytesEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// PointerEqual compares keys by identity.
func PointerEqual[T any](a, b *T) bool {
	return a == b
}
