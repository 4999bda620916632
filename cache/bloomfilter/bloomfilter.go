// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package bloomfilter implements the Bloom-filter-enhanced cache decorator
// (C2's admission decorator): a wrapper that only lets a key into the
// inner cache once it has been sighted at least twice, on the theory that
// most keys in real workloads are one-hit wonders that never return. The
// bit vector is github.com/willf/bitset, the same dependency used for
// prefix sets elsewhere in the teacher's corpus. The bit vector is guarded
// by its own mutex so a Cache is safe to share across pipeline's
// lock-free double-buffered mode, where several buckets' write steps can
// call Insert/Find concurrently.
package bloomfilter

import (
	"math/rand"
	"sync"

	"github.com/grailbio/seqpipe/cache"
	"github.com/grailbio/seqpipe/observer"
	"github.com/grailbio/seqpipe/record"
	"github.com/willf/bitset"
)

// alphaBits is the number of bits used to encode one base when projecting
// a key's sampled positions into a bit index (A/C/G/T/N plus an "other"
// escape, matching the position-sampling scheme this decorator is
// grounded on).
const alphaBits = 3

func baseCode(b byte) uint64 {
	switch b {
	case 'A', 'a':
		return 0
	case 'C', 'c':
		return 1
	case 'G', 'g':
		return 2
	case 'T', 't':
		return 3
	case 'N', 'n':
		return 4
	default:
		return 7
	}
}

// Cache decorates an inner cache.Policy with Bloom-filter admission. M is
// the bit vector width, K the number of independent position samples; both
// should be powers of two to keep the hashed index uniform over [0, M).
type Cache struct {
	inner cache.Policy[record.Prehashed, record.Prehashed]

	m uint64
	k int

	hashSize int     // number of sampled positions per function
	funcs    [][]int // k functions, each hashSize positions into Value

	mu   sync.Mutex
	bits *bitset.BitSet
}

// New constructs a Bloom-admission decorator with an m-bit vector and k
// position-sampling hash functions, each sampling over the first dataLen
// bytes of a key's Value. The position samples are generated with a fixed
// seed so that a given (m, k, dataLen) always yields the same decorator
// behavior.
func New(inner cache.Policy[record.Prehashed, record.Prehashed], m uint64, k int, dataLen int) *Cache {
	c := &Cache{
		inner: inner,
		m:     m,
		k:     k,
	}
	c.initBits(dataLen)
	return c
}

func (c *Cache) initBits(dataLen int) {
	bitsForM := 1
	for m := c.m; m > 1; m >>= 1 {
		bitsForM++
	}
	c.hashSize = (bitsForM + alphaBits - 1) / alphaBits
	if c.hashSize < 1 {
		c.hashSize = 1
	}
	if dataLen < 1 {
		dataLen = 1
	}

	rng := rand.New(rand.NewSource(1234))
	c.funcs = make([][]int, c.k)
	for i := range c.funcs {
		c.funcs[i] = make([]int, c.hashSize)
		for j := range c.funcs[i] {
			c.funcs[i][j] = rng.Intn(dataLen)
		}
	}
	c.bits = bitset.New(uint(c.m))
}

func (c *Cache) hashKey(key record.Prehashed, fn int) uint64 {
	var h uint64
	var shift uint
	positions := c.funcs[fn]
	for _, pos := range positions {
		var code uint64
		if pos < len(key.Value) {
			code = baseCode(key.Value[pos])
		} else {
			code = 7
		}
		h |= code << shift
		shift += alphaBits
	}
	return h % c.m
}

// PossiblyExists reports whether key may have been sighted before: false is
// certain, true may be a false positive.
func (c *Cache) PossiblyExists(key record.Prehashed) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < c.k; i++ {
		if !c.bits.Test(uint(c.hashKey(key, i))) {
			return false
		}
	}
	return true
}

func (c *Cache) addKey(key record.Prehashed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < c.k; i++ {
		c.bits.Set(uint(c.hashKey(key, i)))
	}
}

// Insert admits key into the inner cache only if it has possibly been seen
// before; otherwise it records the sighting and drops the value.
func (c *Cache) Insert(key, value record.Prehashed) {
	if c.PossiblyExists(key) {
		c.inner.Insert(key, value)
		return
	}
	c.addKey(key)
}

// InsertNoEvict mirrors Insert's admission rule for the no-evict path.
func (c *Cache) InsertNoEvict(key, value record.Prehashed) {
	if c.PossiblyExists(key) {
		c.inner.InsertNoEvict(key, value)
		return
	}
	c.addKey(key)
}

// Find short-circuits to a miss without touching the inner cache when the
// key has definitely never been seen; otherwise it records the sighting
// (reproducing the documented add-on-find behavior) and delegates.
func (c *Cache) Find(key record.Prehashed) (record.Prehashed, bool) {
	if !c.PossiblyExists(key) {
		var zero record.Prehashed
		return zero, false
	}
	c.addKey(key)
	return c.inner.Find(key)
}

// At delegates directly: recency is a property of the inner cache, not the
// admission filter.
func (c *Cache) At(key record.Prehashed) (record.Prehashed, bool) {
	return c.inner.At(key)
}

func (c *Cache) Trim()            { c.inner.Trim() }
func (c *Cache) Hits() uint64     { return c.inner.Hits() }
func (c *Cache) Misses() uint64   { return c.inner.Misses() }
func (c *Cache) HitRate() float64 { return c.inner.HitRate() }
func (c *Cache) Size() uint64     { return c.inner.Size() }
func (c *Cache) Capacity() uint64 { return c.inner.Capacity() }

// Clear resets the Bloom bit vector and clears the inner cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.bits.ClearAll()
	c.mu.Unlock()
	c.inner.Clear()
}

// Notify forwards the chain-switch hook to the inner cache.
func (c *Cache) Notify(e observer.Event) {
	c.inner.Notify(e)
}
