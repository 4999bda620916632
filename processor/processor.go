// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package processor implements the pluggable extract-key/postprocess seam
// (component C4's Processor): selecting the cache key for a record and
// assembling the final output line from a record and its aligned value.
package processor

import (
	"github.com/grailbio/seqpipe/hasher"
	"github.com/grailbio/seqpipe/record"
)

// Processor selects a cache key for a record and assembles the output line
// once that key's value (fresh from the aligner, or recalled from the
// cache) is known.
type Processor interface {
	// ExtractKey selects the cache key for rec. Sequence is the canonical
	// choice, but a processor may transform it (e.g. trim adapters) first.
	ExtractKey(rec record.Record) record.Prehashed
	// Postprocess assembles the final output line for rec given its
	// aligned or cached value.
	Postprocess(rec record.Record, value record.Prehashed) string
}

// Identity keys on the record's sequence unmodified and emits the aligner's
// value verbatim, with no re-tagging. It's the baseline processor used
// whenever the aligner's own output already carries everything the writer
// needs.
type Identity struct{}

func (Identity) ExtractKey(rec record.Record) record.Prehashed {
	return keyFromSequence(rec.Sequence)
}

func (Identity) Postprocess(_ record.Record, value record.Prehashed) string {
	return value.Value
}

// Retag keys on the record's sequence and re-tags the aligned value's
// output line with the record's original header, for aligners whose output
// doesn't preserve read identifiers through deduplication.
type Retag struct{}

func (Retag) ExtractKey(rec record.Record) record.Prehashed {
	return keyFromSequence(rec.Sequence)
}

func (Retag) Postprocess(rec record.Record, value record.Prehashed) string {
	return string(rec.Header) + "\t" + value.Value
}

func keyFromSequence(seq []byte) record.Prehashed {
	return record.Prehashed{Value: string(seq), Hash: hasher.HashSequence(seq)}
}
