// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package pipeline implements the BucketedPipelineManager (component C4):
// the read→dedupe→align→demux→write loop that owns the result cache
// (package cache) and the I/O scheduler (package ioseq), drives the
// aligner (package aligner) through a pluggable processor (package
// processor), and applies one of three deduplication levels to the batch
// it pulls from storage before handing it to the aligner.
//
// Grounded on spec §4.4's duplicate_finder algorithm and on
// original_source/src/wrapped_mapper.hpp's WrappedMapper, which is this
// package's closest analogue in the C++ original: it owns the cache and
// the sub-process adapter and drives the same read/dedupe/align/write
// loop, one batch at a time.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/grailbio/seqpipe/aligner"
	"github.com/grailbio/seqpipe/bucket"
	"github.com/grailbio/seqpipe/cache"
	"github.com/grailbio/seqpipe/errors"
	"github.com/grailbio/seqpipe/ioseq"
	"github.com/grailbio/seqpipe/limiter"
	"github.com/grailbio/seqpipe/metrics"
	"github.com/grailbio/seqpipe/processor"
	"github.com/grailbio/seqpipe/record"
	"github.com/grailbio/seqpipe/traverse"
)

// Compression selects how aggressively duplicate records within a single
// bucket are collapsed before the aligner sees them.
type Compression int

const (
	// None aligns every record that isn't already a cache hit; duplicates
	// within the bucket are each aligned separately.
	None Compression = iota
	// Cross aligns every repeat of a key separately while it recurs in
	// the file that first produced it in this bucket, and lets records
	// from any other input file reuse that first alignment. It exists for
	// processors that embed per-file context in their output (e.g. a read
	// group).
	Cross
	// Full collapses every duplicate regardless of source file.
	Full
)

// duplicateEntry is duplicate_finder's value: which file first produced
// this key, and the unique_entries index the aligner will return a value
// for.
type duplicateEntry struct {
	fileID      uint64
	uniqueIndex int64
}

// Batch is one bucket reduced to its unique work: unique is what gets
// handed to the aligner, multiplex maps each of the original bucket's
// records back to either an index into the aligner's output or
// record.SentinelCached.
type Batch struct {
	Original  []record.Keyed
	Unique    []record.Record
	Multiplex []record.MultiplexEntry
}

// reduce runs the read step's duplicate_finder pass over b, in the
// deduplication mode level. It queries the cache only with Find, to mark
// hits as record.SentinelCached; the cached values are read back with
// cache.At in the write step.
func reduce(b bucket.Bucket[record.Keyed], proc processor.Processor, cch cache.Policy[record.Prehashed, record.Prehashed], level Compression) Batch {
	batch := Batch{
		Original:  b.Records,
		Multiplex: make([]record.MultiplexEntry, len(b.Records)),
	}
	duplicateFinder := make(map[uint64]duplicateEntry)

	for i, kr := range b.Records {
		key := proc.ExtractKey(kr.Rec)

		if dup, ok := duplicateFinder[key.Hash]; ok {
			switch level {
			case None:
				// treat as non-duplicate: falls through to the cache/add path.
			case Cross:
				if dup.fileID == kr.FileID {
					batch.Unique = append(batch.Unique, kr.Rec)
					idx := int64(len(batch.Unique) - 1)
					batch.Multiplex[i] = record.MultiplexEntry{FileID: kr.FileID, UniqueIndex: idx}
					continue
				}
				batch.Multiplex[i] = record.MultiplexEntry{FileID: kr.FileID, UniqueIndex: dup.uniqueIndex}
				continue
			case Full:
				batch.Multiplex[i] = record.MultiplexEntry{FileID: kr.FileID, UniqueIndex: dup.uniqueIndex}
				continue
			}
		}

		if _, ok := cch.Find(key); ok {
			batch.Multiplex[i] = record.MultiplexEntry{FileID: kr.FileID, UniqueIndex: record.SentinelCached}
			continue
		}

		batch.Unique = append(batch.Unique, kr.Rec)
		idx := int64(len(batch.Unique) - 1)
		batch.Multiplex[i] = record.MultiplexEntry{FileID: kr.FileID, UniqueIndex: idx}
		if level != None {
			duplicateFinder[key.Hash] = duplicateEntry{fileID: kr.FileID, uniqueIndex: idx}
		}
	}
	return batch
}

// Manager drives one read→dedupe→align→demux→write cycle at a time against
// a single io.Scheduler, cache and aligner. The zero value is not usable;
// construct with New.
type Manager struct {
	io           *ioseq.Scheduler
	align        aligner.Aligner
	cache        cache.Policy[record.Prehashed, record.Prehashed]
	proc         processor.Processor
	compression  Compression
	trimEvery    bool
	metricsW     *metrics.Writer
	batchNum     int
	readsSeen    int
	readsAligned int

	// alignNanos and processNanos accumulate cumulative align-call and
	// non-align (reduce+write) durations across every batch, for the
	// trailing metrics.Summary line's AlignTime/ProcessTime. Both are
	// updated with atomic.AddInt64 since RunConcurrent's traverse.Each
	// fan-out times align calls from multiple goroutines at once.
	alignNanos   int64
	processNanos int64

	// Concurrency controls the lock-free double-buffered mode: when > 1,
	// that many batches run their reduce+align stage concurrently via
	// package traverse rather than one at a time (the locked-pipe mode);
	// their writes then follow one bucket at a time, in request order.
	Concurrency int

	// alignLimiter caps how many Aligner.Align calls may be in flight at
	// once, independent of Concurrency: a wide double-buffered round
	// still shouldn't spawn more concurrent aligner child processes than
	// the host can afford. Nil (the zero value's behavior, per package
	// limiter's doc comment) issues unlimited tokens.
	alignLimiter *limiter.Limiter
}

// Config carries Manager's dependencies and policy knobs.
type Config struct {
	IO          *ioseq.Scheduler
	Aligner     aligner.Aligner
	Cache       cache.Policy[record.Prehashed, record.Prehashed]
	Processor   processor.Processor
	Compression Compression
	// TrimCacheEachBatch, when set, calls cache.Trim after every batch's
	// write step instead of relying solely on the observer bus's
	// chain-switch notifications.
	TrimCacheEachBatch bool
	// Concurrency bounds how many batches' reduce+align stages may overlap
	// when RunConcurrent is used; 1 means effectively the locked-pipe
	// mode (batches are still processed one at a time, just through the
	// same codepath as the double-buffered one).
	Concurrency int
	// Metrics, when set, receives one row per completed batch (Run and
	// RunConcurrent both record through it; RunOne's caller is expected to
	// loop through one of those two, not call it standalone in a metered
	// run).
	Metrics *metrics.Writer
	// MaxConcurrentAligns caps concurrent Aligner.Align calls during
	// RunConcurrent; 0 means unlimited (bounded only by Concurrency
	// itself).
	MaxConcurrentAligns int
}

// New constructs a Manager. Cache and Processor must be non-nil.
func New(cfg Config) (*Manager, error) {
	if cfg.Cache == nil {
		return nil, errors.E(errors.ConfigInvalid, "pipeline: cache is required")
	}
	if cfg.Processor == nil {
		return nil, errors.E(errors.ConfigInvalid, "pipeline: processor is required")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	var lim *limiter.Limiter
	if cfg.MaxConcurrentAligns > 0 {
		lim = limiter.New()
		lim.Release(cfg.MaxConcurrentAligns)
	}
	return &Manager{
		io:           cfg.IO,
		align:        cfg.Aligner,
		cache:        cfg.Cache,
		proc:         cfg.Processor,
		compression:  cfg.Compression,
		trimEvery:    cfg.TrimCacheEachBatch,
		metricsW:     cfg.Metrics,
		Concurrency:  concurrency,
		alignLimiter: lim,
	}, nil
}

// RunOne drives a single bucket through the full cycle: request a bucket
// from the scheduler, reduce it, align the unique entries, demultiplex the
// result, and write each line back. It returns RequestToEmptyStorage once
// the scheduler's input is exhausted, the same sentinel request returns,
// so callers can loop until they see it.
func (m *Manager) RunOne() error {
	b, err := m.io.RequestBucket()
	if err != nil {
		return err
	}
	return m.process(b)
}

// Run drives RunOne in a loop until the scheduler reports
// RequestToEmptyStorage (normal end of input) or any other error occurs.
// On normal exhaustion it flushes the scheduler's output buffer and
// returns nil.
func (m *Manager) Run() error {
	for {
		err := m.RunOne()
		if err == nil {
			continue
		}
		if errors.Is(errors.RequestToEmptyStorage, err) {
			m.io.Flush()
			return nil
		}
		return err
	}
}

// process runs one bucket through reduce, the aligner, and the write step,
// timing the batch and, if Metrics is set, recording a row for it.
func (m *Manager) process(b bucket.Bucket[record.Keyed]) error {
	start := time.Now()
	hitsBefore, missesBefore := m.cache.Hits(), m.cache.Misses()

	batch := reduce(b, m.proc, m.cache, m.compression)

	var out []string
	var alignElapsed time.Duration
	if len(batch.Unique) > 0 {
		alignStart := time.Now()
		var err error
		out, err = m.align.Align(batch.Unique)
		alignElapsed = time.Since(alignStart)
		atomic.AddInt64(&m.alignNanos, int64(alignElapsed))
		if err != nil {
			return err
		}
	}
	m.write(batch, out)
	atomic.AddInt64(&m.processNanos, int64(time.Since(start)-alignElapsed))
	m.recordBatch(batch, len(b.Records), start, hitsBefore, missesBefore)
	return nil
}

// recordBatch emits this batch's metrics row, if a Writer was configured.
// compressionRatio follows spec §4.4: unique_entries / current_bucket.
func (m *Manager) recordBatch(batch Batch, bucketSize int, start time.Time, hitsBefore, missesBefore uint64) {
	if m.metricsW == nil {
		return
	}
	elapsed := time.Since(start)
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(bucketSize) / elapsed.Seconds()
	}
	ratio := 0.0
	if bucketSize > 0 {
		ratio = float64(len(batch.Unique)) / float64(bucketSize)
	}
	m.readsSeen += bucketSize
	m.readsAligned += len(batch.Unique)
	stats := metrics.BatchStats{
		Batch:            m.batchNum,
		BatchTime:        elapsed,
		Throughput:       throughput,
		Hits:             int(m.cache.Hits() - hitsBefore),
		Misses:           int(m.cache.Misses() - missesBefore),
		ReadsAligned:     m.readsAligned,
		CompressionRatio: ratio,
	}
	m.batchNum++
	// A metrics-write failure must not abort a batch already fully written
	// to the scheduler's output; the run continues without that row.
	_ = m.metricsW.WriteBatch(stats)
}

// Stats reports the running totals recordBatch and process have
// accumulated, for a caller to build the metrics.Summary trailing comment
// line once the run finishes. processTime and alignTime are cumulative
// sums across every batch processed so far (reduce+write time and
// align-call time respectively), not wall-clock elapsed.
func (m *Manager) Stats() (readsSeen, readsAligned int, hits, misses uint64, processTime, alignTime time.Duration) {
	return m.readsSeen, m.readsAligned, m.cache.Hits(), m.cache.Misses(),
		time.Duration(atomic.LoadInt64(&m.processNanos)), time.Duration(atomic.LoadInt64(&m.alignNanos))
}

// write performs the write step: for each original record, resolve its
// value from the cache (sentinel-cached entries) or the aligner's output,
// assemble the output line via the processor, insert fresh values into the
// cache, and hand the line to the scheduler's buffered writer.
func (m *Manager) write(batch Batch, out []string) {
	for i, kr := range batch.Original {
		entry := batch.Multiplex[i]
		key := m.proc.ExtractKey(kr.Rec)

		var value record.Prehashed
		if entry.IsCached() {
			value, _ = m.cache.At(key)
		} else {
			value = record.Prehashed{Value: out[entry.UniqueIndex]}
			m.cache.Insert(key, value)
		}

		line := m.proc.Postprocess(kr.Rec, value)
		m.io.WriteAsync(entry.FileID, line)
	}
	if m.trimEvery {
		m.cache.Trim()
	}
}

// RunConcurrent is the lock-free double-buffered mode: it requests up to
// Concurrency buckets up front and runs reduce+align for each
// independently through package traverse, then writes all of them in
// bucket order. Each bucket gets its own duplicate_finder and Batch (the
// spec's "per-bucket local copies" requirement for this mode), so the only
// state shared across the concurrent calls is the Aligner and the cache.
// A single Process-backed Aligner serializes Align internally (one pipe,
// one child), so what overlaps in practice is each bucket's reduce step
// against the next bucket's queued-or-running align call, not N
// simultaneous alignments; running truly parallel alignment would need a
// pool of aligner processes, which is out of scope here.
func (m *Manager) RunConcurrent() error {
	buckets := make([]bucket.Bucket[record.Keyed], 0, m.Concurrency)
	for i := 0; i < m.Concurrency; i++ {
		b, err := m.io.RequestBucket()
		if err != nil {
			if errors.Is(errors.RequestToEmptyStorage, err) && len(buckets) > 0 {
				break
			}
			return err
		}
		buckets = append(buckets, b)
	}
	if len(buckets) == 0 {
		return errors.E(errors.RequestToEmptyStorage, "no buckets available")
	}

	start := time.Now()
	hitsBefore, missesBefore := m.cache.Hits(), m.cache.Misses()

	batches := make([]Batch, len(buckets))
	outs := make([][]string, len(buckets))
	err := traverse.Each(len(buckets)).Do(func(i int) error {
		bucketStart := time.Now()
		batches[i] = reduce(buckets[i], m.proc, m.cache, m.compression)
		if len(batches[i].Unique) == 0 {
			atomic.AddInt64(&m.processNanos, int64(time.Since(bucketStart)))
			return nil
		}
		if err := m.alignLimiter.Acquire(context.Background(), 1); err != nil {
			return err
		}
		alignStart := time.Now()
		lines, err := m.align.Align(batches[i].Unique)
		alignElapsed := time.Since(alignStart)
		m.alignLimiter.Release(1)
		atomic.AddInt64(&m.alignNanos, int64(alignElapsed))
		if err != nil {
			return err
		}
		outs[i] = lines
		atomic.AddInt64(&m.processNanos, int64(time.Since(bucketStart)-alignElapsed))
		return nil
	})
	if err != nil {
		return err
	}

	writeStart := time.Now()
	for i := range batches {
		m.write(batches[i], outs[i])
		m.recordBatch(batches[i], len(buckets[i].Records), start, hitsBefore, missesBefore)
	}
	atomic.AddInt64(&m.processNanos, int64(time.Since(writeStart)))
	return nil
}
