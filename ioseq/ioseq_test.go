// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package ioseq_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grailbio/seqpipe/bucket"
	"github.com/grailbio/seqpipe/hasher"
	"github.com/grailbio/seqpipe/ioseq"
	"github.com/grailbio/seqpipe/parser"
	"github.com/grailbio/seqpipe/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStorage(t *testing.T, maxBuckets, maxBucketSize uint64) bucket.Storage[record.Keyed] {
	t.Helper()
	part := hasher.KeyedPartitioner{Hasher: hasher.NOP{}}
	s, err := bucket.NewBufferedBuckets[record.Keyed](bucket.Config{
		MaxBuckets:    maxBuckets,
		MaxBucketSize: maxBucketSize,
	}, part)
	require.NoError(t, err)
	return s
}

func writeFASTQ(t *testing.T, dir, name string, reads ...[2]string) {
	t.Helper()
	var body string
	for _, r := range reads {
		body += "@" + r[0] + "\n" + r[1] + "\n+\n" + stringsRepeat("I", len(r[1])) + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = s[0]
	}
	return string(out)
}

func fastqFactory() parser.Parser { return parser.FASTQ{} }

func TestFromDirDiscoversMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	writeFASTQ(t, dir, "a.fastq", [2]string{"r1", "ACGT"})
	writeFASTQ(t, dir, "b.fastq", [2]string{"r2", "TTTT"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("nope"), 0o644))

	storage := newStorage(t, 4, 1)
	s, err := ioseq.NewScheduler(ioseq.Config{
		InputPattern:     `.*\.fastq$`,
		OutputExt:        "_out",
		MaxInterleave:    2,
		OutBuffThreshold: 100,
		AsyncFill:        true,
	}, storage, fastqFactory)
	require.NoError(t, err)

	require.NoError(t, s.FromDir(dir))
	names := s.InputFilenames()
	assert.Len(t, names, 2)
}

func TestFromDirEmptyMatchSetErrors(t *testing.T) {
	dir := t.TempDir()
	storage := newStorage(t, 4, 1)
	s, err := ioseq.NewScheduler(ioseq.Config{
		InputPattern: `.*\.fastq$`, OutputExt: "_out", MaxInterleave: 1, OutBuffThreshold: 10, AsyncFill: true,
	}, storage, fastqFactory)
	require.NoError(t, err)
	assert.Error(t, s.FromDir(dir))
}

func TestAsyncReadLoopFillsStorageAndHalts(t *testing.T) {
	dir := t.TempDir()
	writeFASTQ(t, dir, "a.fastq", [2]string{"r1", "ACGT"}, [2]string{"r2", "TTTT"})

	storage := newStorage(t, 8, 1)
	s, err := ioseq.NewScheduler(ioseq.Config{
		InputPattern: `.*\.fastq$`, OutputExt: "_out", MaxInterleave: 1, OutBuffThreshold: 10, AsyncFill: true,
	}, storage, fastqFactory)
	require.NoError(t, err)
	require.NoError(t, s.FromDir(dir))

	s.BeginReading()

	b1, err := s.RequestBucket()
	require.NoError(t, err)
	assert.Equal(t, "ACGT", string(b1.Records[0].Rec.Sequence))

	b2, err := s.RequestBucket()
	require.NoError(t, err)
	assert.Equal(t, "TTTT", string(b2.Records[0].Rec.Sequence))

	_, err = s.RequestBucket()
	assert.Error(t, err, "once the file is exhausted and storage drains, RequestBucket must report RequestToEmptyStorage")
}

func TestWriteAsyncFlushesAtThreshold(t *testing.T) {
	dir := t.TempDir()
	writeFASTQ(t, dir, "a.fastq", [2]string{"r1", "ACGT"})

	storage := newStorage(t, 4, 1)
	s, err := ioseq.NewScheduler(ioseq.Config{
		InputPattern: `.*\.fastq$`, OutputExt: "_out", MaxInterleave: 1, OutBuffThreshold: 2, AsyncFill: true,
	}, storage, fastqFactory)
	require.NoError(t, err)
	require.NoError(t, s.FromDir(dir))

	s.WriteAsync(0, "line one")
	s.WriteAsync(0, "line two") // hits threshold, auto-flushes
	require.NoError(t, s.Close())

	out, err := os.ReadFile(filepath.Join(dir, "a_out"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(out))
}

func TestSuppressOutputIsNoOp(t *testing.T) {
	dir := t.TempDir()
	writeFASTQ(t, dir, "a.fastq", [2]string{"r1", "ACGT"})

	storage := newStorage(t, 4, 1)
	s, err := ioseq.NewScheduler(ioseq.Config{
		InputPattern: `.*\.fastq$`, OutputExt: "_out", MaxInterleave: 1, OutBuffThreshold: 1,
		AsyncFill: true, SuppressOutput: true,
	}, storage, fastqFactory)
	require.NoError(t, err)
	require.NoError(t, s.FromDir(dir))

	s.WriteAsync(0, "should not appear")
	require.NoError(t, s.Close())

	_, err = os.Stat(filepath.Join(dir, "a_out"))
	assert.True(t, os.IsNotExist(err))
}

func TestFromStdinBindsSingleOutput(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "stdin_out")

	storage := newStorage(t, 4, 1)
	s, err := ioseq.NewScheduler(ioseq.Config{
		InputPattern: "", OutputExt: "_out", MaxInterleave: 1, OutBuffThreshold: 1, AsyncFill: true,
	}, storage, fastqFactory)
	require.NoError(t, err)
	require.NoError(t, s.FromStdin(outPath))

	names := s.InputFilenames()
	require.Len(t, names, 1)

	s.WriteAsync(0, "hello")
	require.NoError(t, s.Close())
	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestMultiplexedFlushSortsByFileID(t *testing.T) {
	dir := t.TempDir()
	writeFASTQ(t, dir, "a.fastq", [2]string{"r1", "ACGT"})
	writeFASTQ(t, dir, "b.fastq", [2]string{"r2", "TTTT"})

	storage := newStorage(t, 4, 1)
	s, err := ioseq.NewScheduler(ioseq.Config{
		InputPattern: `.*\.fastq$`, OutputExt: "_out", MaxInterleave: 2, OutBuffThreshold: 4, AsyncFill: true,
	}, storage, fastqFactory)
	require.NoError(t, err)
	require.NoError(t, s.FromDir(dir))

	// Interleave writes out of file-id order; the multiplexed flush path
	// (triggered once the threshold is hit) must stable-sort by file ID
	// before writing.
	s.WriteAsync(1, "b-line-1")
	s.WriteAsync(0, "a-line-1")
	s.WriteAsync(1, "b-line-2")
	s.WriteAsync(0, "a-line-2") // hits threshold of 4

	require.NoError(t, s.Close())

	a, err := os.ReadFile(filepath.Join(dir, "a_out"))
	require.NoError(t, err)
	assert.Equal(t, "a-line-1\na-line-2\n", string(a))

	b, err := os.ReadFile(filepath.Join(dir, "b_out"))
	require.NoError(t, err)
	assert.Equal(t, "b-line-1\nb-line-2\n", string(b))
}

func TestStopReadingHaltsDaemon(t *testing.T) {
	dir := t.TempDir()
	writeFASTQ(t, dir, "a.fastq", [2]string{"r1", "ACGT"}, [2]string{"r2", "TTTT"}, [2]string{"r3", "GGGG"})

	storage := newStorage(t, 8, 1)
	s, err := ioseq.NewScheduler(ioseq.Config{
		InputPattern: `.*\.fastq$`, OutputExt: "_out", MaxInterleave: 1, OutBuffThreshold: 10, AsyncFill: true,
	}, storage, fastqFactory)
	require.NoError(t, err)
	require.NoError(t, s.FromDir(dir))

	s.BeginReading()
	time.Sleep(10 * time.Millisecond)
	s.StopReading()
	// must not hang or panic; a second StopReading is a harmless no-op
	s.StopReading()
}
