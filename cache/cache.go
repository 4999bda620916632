// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package cache implements CacheIndex (component C2): a bounded key→value
// store with a pluggable replacement policy, used by the pipeline manager
// to remember aligner output for sequences it has already seen. Base
// policies (Dummy, LRU, MRU) are grounded on the teacher library's
// map+mutex ttlcache shape, extended with a recency list; the Bloom
// admission decorator lives in the bloomfilter sub-package.
package cache

import "github.com/grailbio/seqpipe/observer"

// Policy is the CacheIndex contract shared by every replacement policy and
// decorator in this package.
type Policy[K comparable, V any] interface {
	// Insert adds (k, v), evicting first if the cache is at capacity.
	// A key already present is left untouched: insert does not refresh an
	// existing entry's value or recency (matching At's "recency changes
	// only on access, not on addition" rule).
	Insert(k K, v V)

	// InsertNoEvict adds (k, v) without evicting, deferring the capacity
	// check to an explicit Trim. Per contract it is unsynchronized: callers
	// must guarantee no concurrent access while using it.
	InsertNoEvict(k K, v V)

	// Find reports whether k is present, counting the probe as a hit or a
	// miss. Find does not update recency; use At for that.
	Find(k K) (V, bool)

	// At returns k's value and, if present, moves k to the front of the
	// recency list. At does not count hits or misses.
	At(k K) (V, bool)

	// Trim evicts until Size <= Capacity.
	Trim()

	// Clear empties the cache. Hit/miss counters are left untouched.
	Clear()

	Hits() uint64
	Misses() uint64
	// HitRate is Hits / (Hits + Misses), or 0 if neither has been recorded.
	HitRate() float64
	Size() uint64
	Capacity() uint64

	// Notify is the update(event) hook from the design: the observer bus
	// calls it on chain-switch boundaries so the policy can react (e.g.
	// trim). Implementations must not block.
	observer.Observer
}

// Dummy accepts nothing and always misses. It is the zero-overhead control
// baseline: every write is a no-op, every read records a miss.
type Dummy[K comparable, V any] struct {
	hits, misses uint64
}

// NewDummy constructs a Dummy cache.
func NewDummy[K comparable, V any]() *Dummy[K, V] {
	return &Dummy[K, V]{}
}

func (d *Dummy[K, V]) Insert(K, V)         {}
func (d *Dummy[K, V]) InsertNoEvict(K, V)  {}
func (d *Dummy[K, V]) Trim()               {}
func (d *Dummy[K, V]) Clear()              {}
func (d *Dummy[K, V]) Capacity() uint64    { return 0 }
func (d *Dummy[K, V]) Size() uint64        { return 0 }
func (d *Dummy[K, V]) Notify(observer.Event) {}

func (d *Dummy[K, V]) Find(K) (V, bool) {
	d.misses++
	var zero V
	return zero, false
}

func (d *Dummy[K, V]) At(K) (V, bool) {
	var zero V
	return zero, false
}

func (d *Dummy[K, V]) Hits() uint64   { return d.hits }
func (d *Dummy[K, V]) Misses() uint64 { return d.misses }

func (d *Dummy[K, V]) HitRate() float64 {
	if d.hits+d.misses == 0 {
		return 0
	}
	return float64(d.hits) / float64(d.hits+d.misses)
}
