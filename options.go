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

import "go.uber.org/zap"

// Option provides an interface to do work on Map while it is being created.
type Option[K any, V any] interface {
	apply(m *Map[K, V])
}

// Allocator specifies an interface for allocating and releasing the memory
// used by a Map: the bucket array and the chain entries. The default
// allocator utilizes Go's builtin make() and new() and allows the GC to
// reclaim memory.
//
// An allocation method returning nil signals an allocation failure, which
// the Map reports as ErrAllocation while leaving itself consistent.
//
// If the allocator is manually managing memory and requires that buckets
// and entries be freed then Map.Close must be called in order to ensure
// FreeBuckets and FreeEntry are called.
type Allocator[K any, V any] interface {
	// AllocBuckets should return a slice equivalent to
	// make([]*Entry[K,V], n), or nil on failure.
	AllocBuckets(n int) []*Entry[K, V]

	// FreeBuckets can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocBuckets.
	FreeBuckets(b []*Entry[K, V])

	// AllocEntry should return a zeroed entry, or nil on failure.
	AllocEntry() *Entry[K, V]

	// FreeEntry can optionally release an entry that is guaranteed to have
	// been allocated by AllocEntry and is no longer reachable.
	FreeEntry(e *Entry[K, V])
}

type defaultAllocator[K any, V any] struct{}

func (defaultAllocator[K, V]) AllocBuckets(n int) []*Entry[K, V] {
	return make([]*Entry[K, V], n)
}

func (defaultAllocator[K, V]) FreeBuckets(b []*Entry[K, V]) {
}

func (defaultAllocator[K, V]) AllocEntry() *Entry[K, V] {
	return new(Entry[K, V])
}

func (defaultAllocator[K, V]) FreeEntry(e *Entry[K, V]) {
}

type allocatorOption[K any, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specifying the Allocator to use for a
// Map[K,V].
func WithAllocator[K any, V any](allocator Allocator[K, V]) Option[K, V] {
	return allocatorOption[K, V]{allocator}
}

type minCapacityOption[K any, V any] struct {
	n int
}

func (op minCapacityOption[K, V]) apply(m *Map[K, V]) {
	m.minCapacity = op.n
}

// WithMinCapacity sets the floor below which the bucket array never
// shrinks. The default is DefaultMinCapacity. Values < 1 are ignored.
func WithMinCapacity[K any, V any](n int) Option[K, V] {
	return minCapacityOption[K, V]{n}
}

// Releaser takes back ownership of a key or value payload that the Map was
// told to release. It is conceptually free().
type Releaser[T any] func(v T)

type keyReleaserOption[K any, V any] struct {
	release Releaser[K]
}

func (op keyReleaserOption[K, V]) apply(m *Map[K, V]) {
	m.releaseKey = op.release
}

// WithKeyReleaser sets the function handed keys released through the
// ReleaseKey flag.
func WithKeyReleaser[K any, V any](release Releaser[K]) Option[K, V] {
	return keyReleaserOption[K, V]{release}
}

type valueReleaserOption[K any, V any] struct {
	release Releaser[V]
}

func (op valueReleaserOption[K, V]) apply(m *Map[K, V]) {
	m.releaseValue = op.release
}

// WithValueReleaser sets the function handed values released through the
// ReleaseValue flag.
func WithValueReleaser[K any, V any](release Releaser[V]) Option[K, V] {
	return valueReleaserOption[K, V]{release}
}

type loggerOption[K any, V any] struct {
	logger *zap.Logger
}

func (op loggerOption[K, V]) apply(m *Map[K, V]) {
	m.logger = op.logger
}

// WithLogger sets the logger used for resize and persistence tracing at
// Debug level. A Map without a logger is silent.
func WithLogger[K any, V any](logger *zap.Logger) Option[K, V] {
	return loggerOption[K, V]{logger}
}
