// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package processor_test

import (
	"testing"

	"github.com/grailbio/seqpipe/processor"
	"github.com/grailbio/seqpipe/record"
	"github.com/stretchr/testify/assert"
)

func TestIdentity(t *testing.T) {
	var p processor.Identity
	rec := record.Record{Header: []byte("@r1"), Sequence: []byte("ACGT")}

	k1 := p.ExtractKey(rec)
	k2 := p.ExtractKey(record.Record{Sequence: []byte("ACGT")})
	assert.True(t, k1.Equal(k2), "same sequence must extract to an equal key")

	line := p.Postprocess(rec, record.Prehashed{Value: "chr1\t100\t60M"})
	assert.Equal(t, "chr1\t100\t60M", line)
}

func TestRetagPrependsHeader(t *testing.T) {
	var p processor.Retag
	rec := record.Record{Header: []byte("@r1"), Sequence: []byte("ACGT")}
	line := p.Postprocess(rec, record.Prehashed{Value: "chr1\t100\t60M"})
	assert.Equal(t, "@r1\tchr1\t100\t60M", line)
}

func TestExtractKeyDiffersOnSequence(t *testing.T) {
	var p processor.Identity
	k1 := p.ExtractKey(record.Record{Sequence: []byte("ACGT")})
	k2 := p.ExtractKey(record.Record{Sequence: []byte("TTTT")})
	assert.False(t, k1.Equal(k2))
}
