// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package parser implements the pluggable record parser seam (the design's
// DataParser): reading one Record at a time from an input stream. FASTQ and
// FASTA are the two concrete formats the scheduler recognizes; both are
// grounded on bufio.Scanner line scanning, the idiom the teacher library
// uses for its own line-oriented parsers (e.g. its ticket-flags and
// spot-feed readers).
package parser

import (
	"bufio"
	"io"

	"github.com/grailbio/seqpipe/errors"
	"github.com/grailbio/seqpipe/record"
)

// Parser reads one Record at a time from in. Parse returns io.EOF once the
// stream is exhausted; the scheduler handles it by dropping that input.
type Parser interface {
	Parse(in *bufio.Scanner) (record.Record, error)
}

// FASTQ parses 4-line records: header, sequence, separator, quality.
type FASTQ struct{}

func (FASTQ) Parse(in *bufio.Scanner) (record.Record, error) {
	header, ok := readLine(in)
	if !ok {
		return record.Record{}, io.EOF
	}
	seq, ok := readLine(in)
	if !ok {
		return record.Record{}, errors.E(errors.IOAssumptionFailed, "truncated FASTQ record: missing sequence line")
	}
	sep, ok := readLine(in)
	if !ok {
		return record.Record{}, errors.E(errors.IOAssumptionFailed, "truncated FASTQ record: missing separator line")
	}
	qual, ok := readLine(in)
	if !ok {
		return record.Record{}, errors.E(errors.IOAssumptionFailed, "truncated FASTQ record: missing quality line")
	}
	return record.Record{Header: header, Sequence: seq, Separator: sep, Quality: qual}, nil
}

// FASTA parses 2-line records: a header line starting with '>', followed by
// every subsequent non-header line concatenated as the sequence, up to the
// next header or EOF.
type FASTA struct {
	pending []byte // header line read ahead while accumulating the prior record's sequence
}

func (p *FASTA) Parse(in *bufio.Scanner) (record.Record, error) {
	header := p.pending
	p.pending = nil
	if header == nil {
		var ok bool
		header, ok = readLine(in)
		if !ok {
			return record.Record{}, io.EOF
		}
	}

	var seq []byte
	for {
		line, ok := readLine(in)
		if !ok {
			break
		}
		if len(line) > 0 && line[0] == '>' {
			p.pending = line
			break
		}
		seq = append(seq, line...)
	}
	return record.Record{Header: header, Sequence: seq}, nil
}

// readLine returns a copy of the next line (Scanner's buffer is reused on
// the next Scan, so callers that keep the bytes must copy them) and whether
// one was available.
func readLine(in *bufio.Scanner) ([]byte, bool) {
	if !in.Scan() {
		return nil, false
	}
	line := in.Bytes()
	out := make([]byte, len(line))
	copy(out, line)
	return out, true
}
