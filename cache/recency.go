// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cache

import (
	"container/list"
	"sync"

	"github.com/grailbio/seqpipe/observer"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// recency is the map+list structure shared by LRU and MRU: a bounded index
// plus a recency list whose key set is kept identical to the index's at all
// times (invariant #2 in the design). The two policies differ only in
// which end of the list evict removes from.
type recency[K comparable, V any] struct {
	mu       sync.Mutex
	index    map[K]*list.Element
	order    *list.List
	capacity uint64
	hits     uint64
	misses   uint64

	evictFront bool // false: LRU (evict back); true: MRU (evict front)
}

func newRecency[K comparable, V any](capacity uint64, evictFront bool) recency[K, V] {
	return recency[K, V]{
		index:      make(map[K]*list.Element),
		order:      list.New(),
		capacity:   capacity,
		evictFront: evictFront,
	}
}

// evictLocked removes one entry per the policy's eviction end. Callers must
// hold r.mu and must have already checked that the index is non-empty.
func (r *recency[K, V]) evictLocked() {
	var victim *list.Element
	if r.evictFront {
		victim = r.order.Front()
	} else {
		victim = r.order.Back()
	}
	e := r.order.Remove(victim).(entry[K, V])
	delete(r.index, e.key)
}

func (r *recency[K, V]) insertLocked(k K, v V, evict bool) {
	if _, ok := r.index[k]; ok {
		return
	}
	if evict && r.capacity > 0 && uint64(len(r.index)) >= r.capacity {
		r.evictLocked()
	}
	elem := r.order.PushFront(entry[K, V]{key: k, value: v})
	r.index[k] = elem
}

func (r *recency[K, V]) Insert(k K, v V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(k, v, true)
}

// InsertNoEvict is unsynchronized by contract: no locking, defers the
// capacity check to Trim.
func (r *recency[K, V]) InsertNoEvict(k K, v V) {
	r.insertLocked(k, v, false)
}

func (r *recency[K, V]) Trim() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.capacity > 0 && uint64(len(r.index)) > r.capacity {
		r.evictLocked()
	}
}

func (r *recency[K, V]) Find(k K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.index[k]
	if ok {
		r.hits++
		return elem.Value.(entry[K, V]).value, true
	}
	r.misses++
	var zero V
	return zero, false
}

func (r *recency[K, V]) At(k K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	r.order.MoveToFront(elem)
	return elem.Value.(entry[K, V]).value, true
}

func (r *recency[K, V]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = make(map[K]*list.Element)
	r.order.Init()
}

func (r *recency[K, V]) Hits() uint64   { return r.hits }
func (r *recency[K, V]) Misses() uint64 { return r.misses }

func (r *recency[K, V]) HitRate() float64 {
	if r.hits+r.misses == 0 {
		return 0
	}
	return float64(r.hits) / float64(r.hits+r.misses)
}

func (r *recency[K, V]) Size() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(len(r.index))
}

func (r *recency[K, V]) Capacity() uint64 { return r.capacity }

// Notify reacts to a chain-switch boundary by trimming, on the theory that
// the end of a similarity region is a natural point to shed excess entries
// admitted while that region was hot.
func (r *recency[K, V]) Notify(observer.Event) {
	r.Trim()
}

// LRU evicts the least-recently-used entry: recency list front is most
// recent, back is least.
type LRU[K comparable, V any] struct {
	recency[K, V]
}

// NewLRU constructs an LRU cache bounded at capacity entries.
func NewLRU[K comparable, V any](capacity uint64) *LRU[K, V] {
	return &LRU[K, V]{recency: newRecency[K, V](capacity, false)}
}

// MRU evicts the most-recently-used entry: same structure as LRU, opposite
// eviction end.
type MRU[K comparable, V any] struct {
	recency[K, V]
}

// NewMRU constructs an MRU cache bounded at capacity entries.
func NewMRU[K comparable, V any](capacity uint64) *MRU[K, V] {
	return &MRU[K, V]{recency: newRecency[K, V](capacity, true)}
}
