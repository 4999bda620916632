// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package metrics writes the per-run CSV metrics file: a header row, one
// row per completed batch, and a trailing comment line summarizing the
// run's parameters.
//
// Row emission is built directly on tsv.Writer's field-at-a-time idiom
// (WriteCsvInt/WriteCsvFloat64/EndCsv/EndLine: append a field and a
// separator, no allocation per field), which already carries the CSV
// variant of its usual tab-separated append contract; the header/summary
// format itself is grounded on
// original_source/src/wrapped_mapper.cpp's prepare_log, which is where the
// header's field list and the per-run parameter summary line both
// originate.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/grailbio/seqpipe/tsv"
)

// Header is the CSV header row written once, before any batch rows.
const Header = "Batch,Batch_Time,Throughput,Hits,Misses,Reads_Aligned,Compression_Ratio"

// BatchStats is one completed batch's row of the metrics file.
type BatchStats struct {
	Batch            int
	BatchTime        time.Duration
	Throughput       float64 // reads/second
	Hits             int
	Misses           int
	ReadsAligned     int
	CompressionRatio float64 // unique_entries / current_bucket, per spec §4.4
}

// Summary is the run-parameter line appended after the last batch row,
// grounded on wrapped_mapper.cpp's prepare_log preamble
// ("# batch_size:... manager_type:... cache_type:... total_reads:...
// runtime:...") and on WrappedMapper's operator<< overall-run summary
// ("Overall Runtime", "Total Processing Time", "Total Align Time",
// "Total reads", "Reads aligned", "Avg Throughput").
type Summary struct {
	BucketSize     int
	Aligner        string
	CacheType      string
	TotalReads     int
	ReadsAligned   int
	OverallRuntime time.Duration
	ProcessTime    time.Duration
	AlignTime      time.Duration
}

// Writer appends one batch row at a time via tsv.Writer, and closes the
// file with a comment line summarizing the run.
type Writer struct {
	raw io.Writer
	tw  *tsv.Writer
}

// NewWriter creates a Writer and immediately writes the header row.
func NewWriter(w io.Writer) (*Writer, error) {
	if _, err := fmt.Fprintln(w, Header); err != nil {
		return nil, err
	}
	return &Writer{raw: w, tw: tsv.NewWriter(w)}, nil
}

// WriteBatch appends one batch's row, via tsv.Writer's Csv field
// appenders: every field is written with a trailing comma, EndCsv turns
// the last one into a tab, and EndLine turns that tab into the newline —
// the net effect is a comma-separated line with no tab anywhere in it.
func (w *Writer) WriteBatch(s BatchStats) error {
	w.tw.WriteCsvInt(s.Batch)
	w.tw.WriteCsvFloat64(s.BatchTime.Seconds(), 'f', 4)
	w.tw.WriteCsvFloat64(s.Throughput, 'f', 4)
	w.tw.WriteCsvInt(s.Hits)
	w.tw.WriteCsvInt(s.Misses)
	w.tw.WriteCsvInt(s.ReadsAligned)
	w.tw.WriteCsvFloat64(s.CompressionRatio, 'f', 4)
	w.tw.EndCsv()
	return w.tw.EndLine()
}

// Close writes the trailing comment line summarizing the run's parameters
// and flushes the underlying writer. It does not close w's destination;
// the caller owns that.
func (w *Writer) Close(s Summary) error {
	if err := w.tw.Flush(); err != nil {
		return err
	}
	avgThroughput := 0.0
	if s.AlignTime > 0 {
		avgThroughput = float64(s.ReadsAligned) / s.AlignTime.Seconds()
	}
	_, err := fmt.Fprintf(w.raw,
		"# bucket_size:%d aligner:%s cache:%s total_reads:%d reads_aligned:%d "+
			"overall_runtime:%.3fs process_time:%.3fs align_time:%.3fs avg_throughput:%.2fr/s\n",
		s.BucketSize, s.Aligner, s.CacheType, s.TotalReads, s.ReadsAligned,
		s.OverallRuntime.Seconds(), s.ProcessTime.Seconds(), s.AlignTime.Seconds(), avgThroughput,
	)
	return err
}

// Flush flushes any buffered, unterminated output. WriteBatch already
// writes complete lines, so this only matters if the caller wants output
// visible before Close.
func (w *Writer) Flush() error {
	return w.tw.Flush()
}
