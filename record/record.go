// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package record defines the data model shared by every stage of the
// pipeline: the input Record, its FileID-tagged form, the precomputed-hash
// string used as a cache key, and the bookkeeping types (Bucket,
// MultiplexEntry) that the bucketed storage and pipeline manager pass
// between each other.
package record

// Record is one parsed input record. For 4-line (FASTQ) inputs all four
// fields are populated; for 2-line (FASTA) inputs Separator and Quality are
// nil. Records are immutable after parsing: nothing downstream mutates the
// byte slices in place.
type Record struct {
	Header    []byte
	Sequence  []byte
	Separator []byte
	Quality   []byte
}

// IsFourLine reports whether r carries separator/quality lines.
func (r Record) IsFourLine() bool {
	return r.Separator != nil || r.Quality != nil
}

// Keyed pairs a Record with the identifier of the input file it was read
// from. FileID is assigned once, when the scheduler first opens the file,
// and is preserved through bucketing, deduplication, and alignment so the
// result can be routed back to the correct output.
type Keyed struct {
	FileID uint64
	Rec    Record
}

// Prehashed is a byte string paired with a precomputed 64-bit hash. Value
// is a string rather than []byte so that Prehashed satisfies comparable
// and can be used directly as a cache.Policy map key; Hash is carried
// alongside it for callers (like the Bloom admission decorator) that want
// a cheap, already-computed hash without recomputing it from Value.
type Prehashed struct {
	Value string
	Hash  uint64
}

// Equal reports whether p and other collide under the hash-equality
// contract this type is named for: two Prehashed sharing a Hash are
// treated as equal for purposes that only look at Hash (the Bloom
// decorator's admission test). Map-keyed caches compare the full struct
// via Go's built-in ==, which is strictly finer (Value must match too).
func (p Prehashed) Equal(other Prehashed) bool {
	return p.Hash == other.Hash
}

// SentinelCached marks a MultiplexEntry whose value should be read back from
// the result cache rather than from the aligner's output.
const SentinelCached int64 = -1

// MultiplexEntry records, for one record in a batch, which input file it
// came from and where its aligned value can be found: either an index into
// the aligner's output (0..n) or SentinelCached.
type MultiplexEntry struct {
	FileID      uint64
	UniqueIndex int64
}

// IsCached reports whether e should be resolved from the cache instead of
// the aligner's output.
func (e MultiplexEntry) IsCached() bool {
	return e.UniqueIndex == SentinelCached
}
