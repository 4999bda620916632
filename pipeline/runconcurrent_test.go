// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/grailbio/seqpipe/bucket"
	"github.com/grailbio/seqpipe/cache"
	"github.com/grailbio/seqpipe/hasher"
	"github.com/grailbio/seqpipe/ioseq"
	"github.com/grailbio/seqpipe/parser"
	"github.com/grailbio/seqpipe/processor"
	"github.com/grailbio/seqpipe/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// concurrencyTrackingAligner counts how many Align calls are in flight at
// once and records the high-water mark, to verify MaxConcurrentAligns is
// actually enforced rather than merely plumbed through.
type concurrencyTrackingAligner struct {
	inFlight int32
	peak     int32
}

func (a *concurrencyTrackingAligner) Align(batch []record.Record) ([]string, error) {
	n := atomic.AddInt32(&a.inFlight, 1)
	defer atomic.AddInt32(&a.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&a.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&a.peak, peak, n) {
			break
		}
	}
	out := make([]string, len(batch))
	for i, r := range batch {
		out[i] = fmt.Sprintf("aligned:%s", r.Sequence)
	}
	return out, nil
}

func (a *concurrencyTrackingAligner) Close() error { return nil }

// TestRunConcurrentHonorsMaxConcurrentAligns runs enough buckets through
// RunConcurrent at once that, without the limiter, more than one would
// reach Align simultaneously; MaxConcurrentAligns: 1 must keep the
// aligner's observed peak concurrency at 1.
func TestRunConcurrentHonorsMaxConcurrentAligns(t *testing.T) {
	const numBuckets, bucketSize = 4, 3
	n := numBuckets * bucketSize

	dir := t.TempDir()
	var fastq bytes.Buffer
	for i := 0; i < n; i++ {
		fmt.Fprintf(&fastq, "@r%d\nAC%02dGT\n+\nIIIIII\n", i, i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.fastq"), fastq.Bytes(), 0o644))

	part := hasher.KeyedPartitioner{Hasher: hasher.NOP{}}
	storage, err := bucket.NewBufferedBuckets[record.Keyed](
		bucket.Config{MaxBuckets: 64, MaxBucketSize: bucketSize}, part)
	require.NoError(t, err)

	sched, err := ioseq.NewScheduler(ioseq.Config{
		InputPattern: `.*\.fastq$`, OutputExt: "_out", MaxInterleave: 1, OutBuffThreshold: 1, AsyncFill: true,
	}, storage, func() parser.Parser { return parser.FASTQ{} })
	require.NoError(t, err)
	require.NoError(t, sched.FromDir(dir))
	sched.BeginReading()

	align := &concurrencyTrackingAligner{}
	mgr, err := New(Config{
		IO: sched, Aligner: align, Cache: cache.NewDummy[record.Prehashed, record.Prehashed](),
		Processor: processor.Identity{}, Compression: None,
		Concurrency: numBuckets, MaxConcurrentAligns: 1,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.RunConcurrent())
	require.NoError(t, sched.Close())

	assert.LessOrEqual(t, int(align.peak), 1, "MaxConcurrentAligns: 1 must cap observed concurrency at 1")
}
