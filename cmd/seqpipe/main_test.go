// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/grailbio/seqpipe/bucket"
	"github.com/grailbio/seqpipe/cache"
	"github.com/grailbio/seqpipe/cache/bloomfilter"
	"github.com/grailbio/seqpipe/config"
	"github.com/grailbio/seqpipe/hasher"
	"github.com/grailbio/seqpipe/observer"
	"github.com/grailbio/seqpipe/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildHasherSelectsByHashFunc(t *testing.T) {
	cases := []struct {
		h    config.HashFunc
		want interface{}
	}{
		{config.HashSingle, hasher.PrefixK{K: 1}},
		{config.HashDouble, hasher.PrefixK{K: 2}},
		{config.HashTriple, hasher.PrefixK{K: 3}},
		{config.HashGC, hasher.GCContent{Bins: 16}},
		{config.HashCacheAware, hasher.CacheAware{N: 64}},
		{config.HashNone, hasher.NOP{}},
		{config.HashFunc("bogus"), hasher.NOP{}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, buildHasher(c.h), "HashFunc %q", c.h)
	}
}

func TestBuildCacheSelectsPolicyByName(t *testing.T) {
	lru := buildCache(&config.Config{CachePolicy: config.CachePolicyLRU, CacheSize: 16})
	assert.IsType(t, &cache.LRU[record.Prehashed, record.Prehashed]{}, lru, "default/lru should be cache.LRU")

	mru := buildCache(&config.Config{CachePolicy: config.CachePolicyMRU, CacheSize: 16})
	assert.IsType(t, &cache.MRU[record.Prehashed, record.Prehashed]{}, mru)

	dummy := buildCache(&config.Config{CachePolicy: config.CachePolicyDummy})
	assert.IsType(t, &cache.Dummy[record.Prehashed, record.Prehashed]{}, dummy)
}

func TestBuildCacheWrapsBloomFilterDecorator(t *testing.T) {
	c := buildCache(&config.Config{
		CachePolicy:    config.CachePolicyLRU,
		CacheSize:      16,
		CacheDecorator: config.CacheDecoratorBloomFilter,
	})
	assert.IsType(t, &bloomfilter.Cache{}, c)
}

// TestChainSwitchNotifiesRegisteredCache is the end-to-end counterpart of
// main's storageCfg.Bus / bus.Register(cch) wiring: it builds the same
// bus-and-cache pair main does, drives a real bucket.Storage through a
// chain switch, and asserts the event actually reached the cache (spec
// §4.2's "Observer reaction") rather than merely being constructible.
func TestChainSwitchNotifiesRegisteredCache(t *testing.T) {
	cch := buildCache(&config.Config{CachePolicy: config.CachePolicyLRU, CacheSize: 2})

	var bus observer.Bus
	bus.Register(cch)

	part := hasher.KeyedPartitioner{Hasher: hasher.PrefixK{K: 1}}
	storage, err := bucket.NewBufferedBuckets[record.Keyed](bucket.Config{
		MaxBuckets:    8,
		MaxBucketSize: 1,
		ChainSwitch:   bucket.Longest,
		Bus:           &bus,
	}, part)
	require.NoError(t, err)

	mk := func(seq string, fileID uint64) record.Keyed {
		return record.Keyed{FileID: fileID, Rec: record.Record{Sequence: []byte(seq)}}
	}

	// InsertNoEvict piles entries above capacity without auto-evicting, so
	// the only way Size can drop back to capacity is via cch.Notify's Trim
	// call, driven by the bus below.
	cch.InsertNoEvict(record.Prehashed{Value: "k0"}, record.Prehashed{Value: "v0"})
	cch.InsertNoEvict(record.Prehashed{Value: "k1"}, record.Prehashed{Value: "v1"})
	cch.InsertNoEvict(record.Prehashed{Value: "k2"}, record.Prehashed{Value: "v2"})
	require.EqualValues(t, 3, cch.Size(), "InsertNoEvict must not evict on its own")

	// "A" and "C" each seal one bucket on their own partition; draining the
	// first to empty forces a chain switch, which the storage notifies on
	// the bus above.
	require.NoError(t, storage.Insert(mk("A", 0)))
	require.NoError(t, storage.Insert(mk("C", 1)))

	_, ok := storage.NextBucket()
	require.True(t, ok)
	_, ok = storage.NextBucket()
	require.True(t, ok)

	assert.EqualValues(t, 2, cch.Size(), "chain-switch notification must have trimmed the registered cache")
}
