// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package hasher_test

import (
	"testing"

	"github.com/grailbio/seqpipe/hasher"
	"github.com/grailbio/seqpipe/record"
	"github.com/stretchr/testify/assert"
)

func rec(seq string) record.Record {
	return record.Record{Sequence: []byte(seq)}
}

func TestNOP(t *testing.T) {
	var h hasher.NOP
	assert.EqualValues(t, 1, h.TableWidth())
	assert.EqualValues(t, 0, h.Hash(rec("ACGTACGT")))
}

func TestPrefixKTableWidth(t *testing.T) {
	assert.EqualValues(t, 1, hasher.PrefixK{K: 0}.TableWidth())
	assert.EqualValues(t, 4, hasher.PrefixK{K: 1}.TableWidth())
	assert.EqualValues(t, 16, hasher.PrefixK{K: 2}.TableWidth())
	assert.EqualValues(t, 64, hasher.PrefixK{K: 3}.TableWidth())
}

func TestPrefixKHash(t *testing.T) {
	h := hasher.PrefixK{K: 2}
	// base-4 over A=0,C=1,T=2,G=3: "AA"=0, "AC"=1, "CA"=4, "TT"=10.
	assert.EqualValues(t, 0, h.Hash(rec("AAGG")))
	assert.EqualValues(t, 1, h.Hash(rec("ACGG")))
	assert.EqualValues(t, 4, h.Hash(rec("CAGG")))
	assert.EqualValues(t, 10, h.Hash(rec("TTGG")))
}

func TestPrefixKLowercase(t *testing.T) {
	h := hasher.PrefixK{K: 2}
	assert.Equal(t, h.Hash(rec("ACGG")), h.Hash(rec("acgg")))
}

func TestPrefixKAmbiguityCode(t *testing.T) {
	// 'N' folds onto 'G' (index 3) so hashing never panics on ambiguity codes.
	h := hasher.PrefixK{K: 1}
	assert.EqualValues(t, 3, h.Hash(rec("N")))
}

func TestPrefixKShortSequence(t *testing.T) {
	// a sequence shorter than K pads the missing positions with 0.
	h := hasher.PrefixK{K: 3}
	assert.EqualValues(t, 0, h.Hash(rec("A")))
	assert.EqualValues(t, h.Hash(rec("CAA")), h.Hash(rec("C")))
}

func TestGCContentBins(t *testing.T) {
	g := hasher.GCContent{Bins: 4}
	assert.EqualValues(t, 4, g.TableWidth())

	// 0% GC falls in bin 0.
	assert.EqualValues(t, 0, g.Hash(rec("AAAAAAAAAA")))
	// 100% GC falls in the last bin.
	assert.EqualValues(t, 3, g.Hash(rec("GGGGCCCCGG")))
}

func TestGCContentEmptySequence(t *testing.T) {
	g := hasher.GCContent{Bins: 4}
	assert.EqualValues(t, 0, g.Hash(rec("")))
}

func TestCacheAwareDistributesAndIsStable(t *testing.T) {
	c := hasher.CacheAware{N: 97}
	a := c.Hash(rec("ACGTACGTACGT"))
	b := c.Hash(rec("ACGTACGTACGT"))
	assert.Equal(t, a, b)
	assert.Less(t, a, uint64(97))
}

func TestCacheAwareDiffersFromPrefix(t *testing.T) {
	// Two sequences sharing a prefix but differing later should usually
	// land in different CacheAware partitions, unlike PrefixK which only
	// looks at the prefix.
	c := hasher.CacheAware{N: 1 << 20}
	a := c.Hash(rec("ACGTACGTAAAA"))
	b := c.Hash(rec("ACGTACGTTTTT"))
	assert.NotEqual(t, a, b)
}

func TestHashSequenceStable(t *testing.T) {
	a := hasher.HashSequence([]byte("ACGTACGT"))
	b := hasher.HashSequence([]byte("ACGTACGT"))
	assert.Equal(t, a, b)

	c := hasher.HashSequence([]byte("ACGTACGG"))
	assert.NotEqual(t, a, c)
}
