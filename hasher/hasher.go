// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package hasher implements the partitioner seam used by the bucketed
// storage (package bucket) to assign each record to a partition index:
// partition = Hash(rec) mod TableWidth(). Several concrete strategies trade
// partition-count for locality of the resulting chains.
package hasher

import (
	"hash/fnv"

	"github.com/grailbio/seqpipe/record"
)

// Hasher chooses the partition index for a record and reports how many
// partitions it requires. TableWidth is fixed for the lifetime of a Hasher:
// bucket.Storage reads it once at construction.
type Hasher interface {
	// Hash returns a value in [0, TableWidth()).
	Hash(rec record.Record) uint64
	// TableWidth returns the number of partitions this Hasher requires.
	TableWidth() uint64
}

// NOP partitions everything into a single chain. It is the right choice
// when the aligner gains nothing from prefix locality, or for tests that
// want a single deterministic chain.
type NOP struct{}

func (NOP) Hash(record.Record) uint64 { return 0 }
func (NOP) TableWidth() uint64        { return 1 }

// baseIndex maps the DNA/RNA alphabet recognized by PrefixK and GCContent, in the
// original's A,C,T,G ordering. Any other byte (e.g. 'N') is folded onto 'G'
// (index 3), matching the original's ambiguity-code default, so that
// partitioning never panics on ambiguity codes.
var baseIndex = func() [256]uint64 {
	var idx [256]uint64
	for i := range idx {
		idx[i] = 3
	}
	idx['A'], idx['a'] = 0, 0
	idx['C'], idx['c'] = 1, 1
	idx['T'], idx['t'] = 2, 2
	idx['G'], idx['g'] = 3, 3
	return idx
}()

// PrefixK partitions on the first k characters of the sequence field,
// treated as a base-4 number over {A,C,T,G}. TableWidth is 4^k.
type PrefixK struct {
	K int
}

func (p PrefixK) Hash(rec record.Record) uint64 {
	var h uint64
	seq := rec.Sequence
	for i := 0; i < p.K; i++ {
		h *= 4
		if i < len(seq) {
			h += baseIndex[seq[i]]
		}
	}
	return h
}

func (p PrefixK) TableWidth() uint64 {
	w := uint64(1)
	for i := 0; i < p.K; i++ {
		w *= 4
	}
	return w
}

// GCContent buckets sequences by their rounded GC percentage into Bins
// equal-width partitions. It is a coarser locality signal than PrefixK,
// useful for aligners whose reference cache is organized by GC-rich vs.
// AT-rich regions rather than literal prefix.
type GCContent struct {
	Bins uint64
}

func (g GCContent) Hash(rec record.Record) uint64 {
	seq := rec.Sequence
	if len(seq) == 0 || g.Bins == 0 {
		return 0
	}
	var gc int
	for _, b := range seq {
		switch b {
		case 'G', 'C', 'g', 'c':
			gc++
		}
	}
	pct := (gc * 100) / len(seq)
	bin := (uint64(pct) * g.Bins) / 100
	if bin >= g.Bins {
		bin = g.Bins - 1
	}
	return bin
}

func (g GCContent) TableWidth() uint64 { return g.Bins }

// CacheAware hashes the full sequence with FNV-1a and reduces it modulo a
// fixed partition count N. Unlike PrefixK it doesn't collapse records that
// differ only after position k, trading prefix locality for a more even
// partition-size distribution; the name reflects that this is the
// partitioner recommended when the downstream result cache, not the
// aligner, is the thing you're trying to keep hot.
type CacheAware struct {
	N uint64
}

func (c CacheAware) Hash(rec record.Record) uint64 {
	if c.N == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(rec.Sequence)
	return h.Sum64() % c.N
}

func (c CacheAware) TableWidth() uint64 { return c.N }

// KeyedPartitioner adapts a Hasher, which partitions on a bare record.Record,
// into a bucket.Partitioner[record.Keyed] so that package bucket's storage
// can be parameterized on the FileID-tagged records package ioseq and
// pipeline actually move around. It satisfies bucket.Partitioner
// structurally; importing package bucket here isn't necessary.
type KeyedPartitioner struct {
	Hasher Hasher
}

func (k KeyedPartitioner) Partition(v record.Keyed) uint64 { return k.Hasher.Hash(v.Rec) }
func (k KeyedPartitioner) TableWidth() uint64              { return k.Hasher.TableWidth() }

// HashSequence computes the 64-bit FNV-1a hash of a sequence used to key
// the result cache (see record.Prehashed). It is independent of the
// partitioning Hasher above: partitioning picks a bucket, this picks a
// cache key.
func HashSequence(seq []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(seq)
	return h.Sum64()
}
