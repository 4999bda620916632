// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package aligner_test

import (
	"testing"
	"time"

	"github.com/grailbio/seqpipe/aligner"
	"github.com/grailbio/seqpipe/errors"
	"github.com/grailbio/seqpipe/record"
	"github.com/grailbio/seqpipe/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastqBatch(seqs ...string) []record.Record {
	out := make([]record.Record, len(seqs))
	for i, s := range seqs {
		out[i] = record.Record{
			Header:    []byte("@r" + string(rune('0'+i))),
			Sequence:  []byte(s),
			Separator: []byte("+"),
			Quality:   []byte("IIII"),
		}
	}
	return out
}

func TestBowtie2BuildUsesDefaultPath(t *testing.T) {
	cmd := aligner.Bowtie2{}.Build("ref.fa", 4)
	assert.Equal(t, "bowtie2 --mm --no-hd -p 4 -q -x ref.fa -U -", cmd)
}

func TestBowtie2BuildHonorsPath(t *testing.T) {
	cmd := aligner.Bowtie2{Path: "/opt/bin/bowtie2"}.Build("ref.fa", 1)
	assert.Equal(t, "/opt/bin/bowtie2 --mm --no-hd -p 1 -q -x ref.fa -U -", cmd)
}

func TestSealBuild(t *testing.T) {
	cmd := aligner.Seal{}.Build("ref.fa", 8)
	assert.Equal(t, "seal threads=8 out=stdout.fq ref=ref.fa in=stdin.fq", cmd)
}

func TestResolvePrefersExplicitCommand(t *testing.T) {
	cmd, err := aligner.Resolve("bowtie2", "", "ref.fa", 2, "custom --flag")
	require.NoError(t, err)
	assert.Equal(t, "custom --flag", cmd)
}

func TestResolveUnrecognizedAligner(t *testing.T) {
	_, err := aligner.Resolve("unknown", "", "ref.fa", 2, "")
	require.Error(t, err)
	assert.True(t, errors.Is(errors.ConfigInvalid, err))
}

func TestProcessAlignOnceRoundTrips(t *testing.T) {
	// cat echoes stdin to stdout verbatim, so the four lines per record come
	// back unchanged: a convenient stand-in for an aligner whose output lines
	// correspond 1:1 with whatever it was fed.
	p := aligner.New(aligner.Config{Command: "cat", Interactive: false})
	defer p.Close()

	out, err := p.Align(fastqBatch("ACGT"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "@r0", out[0])
}

func TestProcessAlignOnceTooFewLinesIsFatal(t *testing.T) {
	// head -n 1 only ever emits one line back regardless of batch size.
	p := aligner.New(aligner.Config{Command: "head -n 1", Interactive: false})
	defer p.Close()

	_, err := p.Align(fastqBatch("ACGT", "TTTT"))
	require.Error(t, err)
	assert.True(t, errors.Is(errors.AlignerFailure, err))
}

func TestProcessAlignOnceNonZeroExitIsFatal(t *testing.T) {
	p := aligner.New(aligner.Config{Command: "sh -c 'exit 1'", Interactive: false})
	defer p.Close()

	_, err := p.Align(fastqBatch("ACGT"))
	require.Error(t, err)
	assert.True(t, errors.Is(errors.AlignerFailure, err))
}

// oneLinePerRecord stands in for an aligner in interactive mode: it emits
// exactly one output line (the header) per four-line FASTQ record, which
// is what alignInteractive reads back per batch.
const oneLinePerRecord = `while read -r h && read -r s && read -r p && read -r q; do echo "$h"; done`

func TestProcessAlignInteractiveReusesChild(t *testing.T) {
	p := aligner.New(aligner.Config{Command: oneLinePerRecord, Interactive: true})
	defer p.Close()

	out1, err := p.Align(fastqBatch("ACGT"))
	require.NoError(t, err)
	assert.Equal(t, []string{"@r0"}, out1)

	out2, err := p.Align(fastqBatch("TTTT", "GGGG"))
	require.NoError(t, err)
	assert.Equal(t, []string{"@r0", "@r1"}, out2)
}

// TestProcessAlignInteractiveLargeBatchDoesNotDeadlock guards against the
// interactive path writing stdin synchronously before draining stdout: a
// batch large enough to fill the OS pipe buffer (64KiB on Linux) must still
// complete, since the child won't keep emptying stdin once its stdout pipe
// is full and nothing reads stdout until the write returns without a
// concurrent writer.
func TestProcessAlignInteractiveLargeBatchDoesNotDeadlock(t *testing.T) {
	p := aligner.New(aligner.Config{Command: oneLinePerRecord, Interactive: true})
	defer p.Close()

	seqs := make([]string, 4000)
	for i := range seqs {
		seqs[i] = "ACGTACGTACGTACGTACGT"
	}
	batch := fastqBatch(seqs...)

	done := make(chan struct{})
	var out []string
	var err error
	go func() {
		out, err = p.Align(batch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("alignInteractive deadlocked on a batch larger than the pipe buffer")
	}
	require.NoError(t, err)
	require.Len(t, out, len(batch))
}

func TestProcessAlignEmptyBatchIsNoOp(t *testing.T) {
	p := aligner.New(aligner.Config{Command: "cat", Interactive: false})
	defer p.Close()

	out, err := p.Align(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestProcessAlignOnceRetriesUntilPolicyGivesUp(t *testing.T) {
	p := aligner.New(aligner.Config{
		Command:     "sh -c 'exit 1'",
		Interactive: false,
		RetryPolicy: retry.MaxRetries(nil, 3),
	})
	defer p.Close()

	_, err := p.Align(fastqBatch("ACGT"))
	require.Error(t, err)
	assert.True(t, errors.Is(errors.AlignerFailure, err))
}

func TestProcessAlignOnceRetrySucceedsOnceChildIsHealthy(t *testing.T) {
	p := aligner.New(aligner.Config{
		Command:     "cat",
		Interactive: false,
		RetryPolicy: retry.MaxRetries(nil, 3),
	})
	defer p.Close()

	out, err := p.Align(fastqBatch("ACGT"))
	require.NoError(t, err)
	assert.Equal(t, []string{"@r0"}, out)
}
