// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package metrics_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/seqpipe/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterHeaderIsWrittenImmediately(t *testing.T) {
	var buf bytes.Buffer
	_, err := metrics.NewWriter(&buf)
	require.NoError(t, err)
	assert.Equal(t, metrics.Header+"\n", buf.String())
}

func TestWriteBatchAppendsOneRowPerBatch(t *testing.T) {
	var buf bytes.Buffer
	w, err := metrics.NewWriter(&buf)
	require.NoError(t, err)

	require.NoError(t, w.WriteBatch(metrics.BatchStats{
		Batch: 0, BatchTime: 250 * time.Millisecond, Throughput: 400, Hits: 3, Misses: 7,
		ReadsAligned: 7, CompressionRatio: 0.7,
	}))
	require.NoError(t, w.WriteBatch(metrics.BatchStats{
		Batch: 1, BatchTime: 500 * time.Millisecond, Throughput: 200, Hits: 0, Misses: 10,
		ReadsAligned: 10, CompressionRatio: 1.0,
	}))
	require.NoError(t, w.Close(metrics.Summary{}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4) // header + 2 rows + trailing comment
	assert.Equal(t, metrics.Header, lines[0])
	assert.Equal(t, "0,0.2500,400.0000,3,7,7,0.7000", lines[1])
	assert.Equal(t, "1,0.5000,200.0000,0,10,10,1.0000", lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "#"), "last line must be the run-parameter comment")
}

// TestCloseSummarizesReadsAligned checks that the trailing summary line
// written by Close carries the totals passed to it (total reads, reads
// aligned) along with the aligner and cache names.
func TestCloseSummarizesReadsAligned(t *testing.T) {
	var buf bytes.Buffer
	w, err := metrics.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(metrics.BatchStats{Batch: 0, ReadsAligned: 6}))
	require.NoError(t, w.Close(metrics.Summary{
		BucketSize: 3, Aligner: "bowtie2", CacheType: "lru",
		TotalReads: 6, ReadsAligned: 6,
		OverallRuntime: time.Second, ProcessTime: 800 * time.Millisecond, AlignTime: 600 * time.Millisecond,
	}))

	out := buf.String()
	assert.Contains(t, out, "total_reads:6")
	assert.Contains(t, out, "reads_aligned:6")
	assert.Contains(t, out, "aligner:bowtie2")
	assert.Contains(t, out, "cache:lru")
}

func TestCloseHandlesZeroAlignTimeWithoutDivideByZero(t *testing.T) {
	var buf bytes.Buffer
	w, err := metrics.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.Close(metrics.Summary{AlignTime: 0, ReadsAligned: 0}))
	assert.Contains(t, buf.String(), "avg_throughput:0.00r/s")
}
