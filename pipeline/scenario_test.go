// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/seqpipe/bucket"
	"github.com/grailbio/seqpipe/cache"
	"github.com/grailbio/seqpipe/hasher"
	"github.com/grailbio/seqpipe/ioseq"
	"github.com/grailbio/seqpipe/metrics"
	"github.com/grailbio/seqpipe/parser"
	"github.com/grailbio/seqpipe/processor"
	"github.com/grailbio/seqpipe/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarioS6CompletesAndReportsFullReadCount is spec scenario S6: one
// input with N records, bucket size B < N. The run must complete, write
// ceil(N/B) batches, produce N output lines, and its metrics file's last
// row must report Reads_Aligned == N.
func TestScenarioS6CompletesAndReportsFullReadCount(t *testing.T) {
	const n, bucketSize = 23, 5
	wantBatches := int(math.Ceil(float64(n) / float64(bucketSize)))

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

	var metricsBuf bytes.Buffer
	metricsW, err := metrics.NewWriter(&metricsBuf)
	require.NoError(t, err)

	align := &fakeAligner{}
	mgr, err := New(Config{
		IO: sched, Aligner: align, Cache: cache.NewDummy[record.Prehashed, record.Prehashed](),
		Processor: processor.Identity{}, Compression: None, Metrics: metricsW,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Run())
	require.NoError(t, sched.Close())

	readsSeen, readsAligned, _, _, _, _ := mgr.Stats()
	assert.Equal(t, n, readsSeen)
	assert.Equal(t, n, readsAligned)
	assert.Equal(t, wantBatches, mgr.batchNum)

	require.NoError(t, metricsW.Close(metrics.Summary{TotalReads: n, ReadsAligned: readsAligned}))

	out, err := os.ReadFile(filepath.Join(dir, "a_out"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimRight(string(out), "\n"), "\n"), n)

	lines := strings.Split(strings.TrimRight(metricsBuf.String(), "\n"), "\n")
	require.Len(t, lines, 1+wantBatches+1) // header + one row per batch + trailing summary
	lastRow := strings.Split(lines[len(lines)-2], ",")
	assert.Equal(t, fmt.Sprint(n), lastRow[len(lastRow)-2], "last batch row's Reads_Aligned must equal N")
	assert.Contains(t, lines[len(lines)-1], "reads_aligned:23")
}
