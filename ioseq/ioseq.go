// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package ioseq implements the InterleavedIOScheduler (component C3):
// discovering input files, parsing them round-robin into a bucket.Storage,
// and writing aligned results back out to per-input outputs with a
// buffered, file-ordered flush.
//
// Streams are plain *os.File wrapped in bufio, not grailbio-base/file's
// abstracted open/create: that package's value is unifying local and cloud
// blob storage, which is out of scope here (see DESIGN.md). The blocking
// request/response shape of RequestBucket mirrors
// grailbio-base/syncqueue's blocking-with-close idiom: a bucket.Storage
// that has been Killed (closed) and is drained surfaces as
// RequestToEmptyStorage, the same way OrderedQueue.Next reports exhaustion.
package ioseq

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/seqpipe/bucket"
	"github.com/grailbio/seqpipe/errors"
	"github.com/grailbio/seqpipe/parser"
	"github.com/grailbio/seqpipe/record"
)

// pollInterval bounds how often the synchronous fill-then-drain reader mode
// re-checks whether the consumer has drained storage. There is no
// notification path out of bucket.Storage for "became empty", only for
// "became non-empty" (NextBucket) and "has capacity" (Insert); polling a
// bool is simpler than adding one for a mode most configurations don't use.
const pollInterval = time.Millisecond

// ParserFactory returns a fresh parser.Parser instance. A new instance is
// required per input stream because stateful parsers (parser.FASTA keeps a
// one-line lookahead) cannot be shared across interleaved files.
type ParserFactory func() parser.Parser

// Config carries the sizing and policy parameters for a Scheduler.
type Config struct {
	// InputPattern is the filename regexp used by FromDir.
	InputPattern string
	// OutputExt replaces each discovered input's extension to name its
	// output file.
	OutputExt string
	// MaxInterleave bounds how many inputs are read round-robin at once.
	MaxInterleave uint64
	// OutBuffThreshold is the number of buffered output lines that
	// triggers an automatic flush to the output files.
	OutBuffThreshold int
	// AsyncFill selects asynchronous continuous fill (true) or
	// synchronous fill-then-drain (false).
	AsyncFill bool
	// SuppressOutput turns every write path into a no-op.
	SuppressOutput bool
}

// Validate returns a ConfigInvalid error for sizing that can't produce a
// working scheduler.
func (cfg Config) Validate() error {
	if cfg.MaxInterleave == 0 {
		return errors.E(errors.ConfigInvalid, "max_interleave must be positive")
	}
	if cfg.OutBuffThreshold == 0 {
		return errors.E(errors.ConfigInvalid, "out_buff_threshold must be positive")
	}
	return nil
}

type inputFile struct {
	id     uint64
	path   string
	file   *os.File // nil when reading from stdin
	in     *bufio.Scanner
	parser parser.Parser
}

type outputFile struct {
	id   uint64
	path string
	file *os.File
	w    *bufio.Writer
}

type multiplexLine struct {
	FileID uint64
	Line   string
}

// BucketResult is the payload delivered by RequestBucketAsync.
type BucketResult struct {
	Bucket bucket.Bucket[record.Keyed]
	Err    error
}

// Scheduler is the InterleavedIOScheduler. The zero value is not usable;
// construct with NewScheduler.
type Scheduler struct {
	mu sync.Mutex

	cfg       Config
	storage   bucket.Storage[record.Keyed]
	newParser ParserFactory

	inputs   []*inputFile
	outputs  map[uint64]*outputFile
	readHead uint64

	halted    bool
	reading   bool
	exhausted bool // true once the reader has permanently run out of input
	readErr   error
	done      chan struct{}

	outBuf []multiplexLine
}

// NewScheduler constructs a Scheduler over storage, using newParser to
// instantiate one parser per discovered input stream.
func NewScheduler(cfg Config, storage bucket.Storage[record.Keyed], newParser ParserFactory) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:       cfg,
		storage:   storage,
		newParser: newParser,
		outputs:   make(map[uint64]*outputFile),
	}, nil
}

// FromDir discovers every file in dir whose name matches the configured
// input pattern, opening one input stream and (unless output is
// suppressed) one output stream per match. An empty match set is a fatal
// ConfigInvalid error; a dir that isn't a directory is IOAssumptionFailed.
func (s *Scheduler) FromDir(dir string) error {
	re, err := regexp.Compile(s.cfg.InputPattern)
	if err != nil {
		return errors.E(errors.ConfigInvalid, "invalid input_pattern", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.E(errors.IOAssumptionFailed, dir+" is not a directory or does not exist", err)
	}

	var id uint64
	for _, entry := range entries {
		if entry.IsDir() || !re.MatchString(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		f, err := os.Open(path)
		if err != nil {
			return errors.E(errors.IOAssumptionFailed, "opening "+path, err)
		}
		in := &inputFile{id: id, path: path, file: f, in: bufio.NewScanner(f), parser: s.newParser()}
		s.inputs = append(s.inputs, in)

		if !s.cfg.SuppressOutput {
			out, err := s.openOutput(id, outputPath(path, s.cfg.OutputExt))
			if err != nil {
				return err
			}
			s.outputs[id] = out
		}
		id++
	}

	if len(s.inputs) == 0 {
		return errors.E(errors.ConfigInvalid, "no files matching "+s.cfg.InputPattern+" found in "+dir)
	}
	return nil
}

// FromStdin binds a single input to the process's standard input and a
// single output to outPath.
func (s *Scheduler) FromStdin(outPath string) error {
	in := &inputFile{id: 0, path: "<stdin>", in: bufio.NewScanner(os.Stdin), parser: s.newParser()}
	s.inputs = append(s.inputs, in)

	if !s.cfg.SuppressOutput {
		out, err := s.openOutput(0, outPath)
		if err != nil {
			return err
		}
		s.outputs[0] = out
	}
	return nil
}

func (s *Scheduler) openOutput(id uint64, path string) (*outputFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.E(errors.IOAssumptionFailed, "creating "+path, err)
	}
	return &outputFile{id: id, path: path, file: f, w: bufio.NewWriter(f)}, nil
}

// outputPath replaces path's extension with ext, e.g. "reads.fastq" with
// ext "_out" becomes "reads_out".
func outputPath(path, ext string) string {
	trimmed := path[:len(path)-len(filepath.Ext(path))]
	return trimmed + ext
}

// BeginReading spawns the reader daemon, in asynchronous continuous-fill or
// synchronous fill-then-drain mode per Config.AsyncFill. It is a no-op if
// already reading.
func (s *Scheduler) BeginReading() bool {
	s.mu.Lock()
	if s.reading {
		s.mu.Unlock()
		return true
	}
	s.reading = true
	s.halted = false
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.readLoop()
	return true
}

// StopReading halts the reader after its current record.
func (s *Scheduler) StopReading() bool {
	s.mu.Lock()
	s.halted = true
	s.reading = false
	s.mu.Unlock()
	return true
}

// Wait blocks until the reader daemon has exited, whether from exhaustion,
// a fatal parser error, or StopReading.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Err returns the fatal parser error that halted the reader, if any.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

func (s *Scheduler) readLoop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if s.halted {
			s.mu.Unlock()
			return
		}
		n := len(s.inputs)
		s.mu.Unlock()

		if n == 0 {
			// Every input is exhausted: nothing will ever be inserted
			// again. Seal what is still buffered, wait until the consumer
			// has taken every sealed bucket, then kill storage to wake a
			// consumer blocked in NextBucket rather than leaving it
			// waiting forever for a bucket that will never arrive.
			// exhausted is set before Kill so that a consumer woken by it
			// always observes the flag once it re-acquires s.mu.
			s.storage.Flush()
			s.mu.Lock()
			s.exhausted = true
			s.mu.Unlock()
			if !s.waitUntilEmptyOrHalted() {
				return
			}
			s.mu.Lock()
			s.halted = true
			s.reading = false
			s.mu.Unlock()
			s.storage.Kill()
			return
		}

		if !s.cfg.AsyncFill && s.storage.Full() {
			if !s.waitUntilEmptyOrHalted() {
				return
			}
			continue
		}

		s.mu.Lock()
		idx := s.readHead
		if idx >= uint64(len(s.inputs)) {
			idx = 0
		}
		in := s.inputs[idx]
		s.mu.Unlock()

		rec, err := in.parser.Parse(in.in)
		switch {
		case err == io.EOF:
			s.removeInput(idx)
		case err != nil:
			// A parser error is fatal: kill storage so any blocked
			// consumer unwinds instead of waiting on a reader that
			// has stopped producing.
			s.setHalted(err)
			s.storage.Kill()
			return
		default:
			if insErr := s.storage.Insert(record.Keyed{FileID: in.id, Rec: rec}); insErr != nil {
				s.setHalted(insErr)
				return
			}
			s.advanceReadHead(idx)
		}
	}
}

// waitUntilEmptyOrHalted polls storage until it drains completely or the
// reader is halted, returning false in the latter case.
func (s *Scheduler) waitUntilEmptyOrHalted() bool {
	for {
		s.mu.Lock()
		halted := s.halted
		s.mu.Unlock()
		if halted {
			return false
		}
		if s.storage.Empty() {
			return true
		}
		time.Sleep(pollInterval)
	}
}

// removeInput closes and drops the input at idx. Per the round-robin
// contract, the read head is not advanced on EOF: the index it already
// holds now refers to the next input once the slice shrinks.
func (s *Scheduler) removeInput(idx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.inputs[idx]
	if in.file != nil {
		in.file.Close()
	}
	s.inputs = append(s.inputs[:idx], s.inputs[idx+1:]...)
	n := uint64(len(s.inputs))
	if n == 0 {
		s.readHead = 0
		return
	}
	width := s.cfg.MaxInterleave
	if width > n {
		width = n
	}
	s.readHead = idx % width
}

func (s *Scheduler) advanceReadHead(idx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := uint64(len(s.inputs))
	if n == 0 {
		s.readHead = 0
		return
	}
	width := s.cfg.MaxInterleave
	if width > n {
		width = n
	}
	s.readHead = (idx + 1) % width
}

func (s *Scheduler) setHalted(err error) {
	s.mu.Lock()
	s.halted = true
	s.reading = false
	if err != nil {
		s.readErr = err
	}
	s.mu.Unlock()
}

// RequestBucket returns the next sealed bucket, blocking while the reader
// is active and storage is empty. Once the reader has permanently run out
// of input and every sealed bucket has been taken, storage is killed from
// underneath any blocked or future call (see readLoop), so NextBucket's (zero, false) return is resolved here
// into the right error: RequestToEmptyStorage for that normal exhaustion,
// Killed if something else killed storage first.
func (s *Scheduler) RequestBucket() (bucket.Bucket[record.Keyed], error) {
	b, ok := s.storage.NextBucket()
	if ok {
		return b, nil
	}
	s.mu.Lock()
	exhausted := s.exhausted
	s.mu.Unlock()
	if exhausted {
		return bucket.Bucket[record.Keyed]{}, errors.E(errors.RequestToEmptyStorage, "reader finished and storage drained")
	}
	return bucket.Bucket[record.Keyed]{}, errors.E(errors.Killed, "storage killed while waiting for bucket")
}

// RequestBucketAsync is RequestBucket expressed as a future.
func (s *Scheduler) RequestBucketAsync() <-chan BucketResult {
	ch := make(chan BucketResult, 1)
	go func() {
		defer close(ch)
		b, err := s.RequestBucket()
		ch <- BucketResult{Bucket: b, Err: err}
	}()
	return ch
}

// WriteAsync buffers line for fileID's output, flushing the whole buffer
// once it reaches the configured threshold: in file-order if there is a
// single output, or stable-sorted by file ID (so writes to each output run
// contiguously) if there are several.
func (s *Scheduler) WriteAsync(fileID uint64, line string) {
	if s.cfg.SuppressOutput {
		return
	}
	s.mu.Lock()
	s.outBuf = append(s.outBuf, multiplexLine{FileID: fileID, Line: line + "\n"})
	var flushBuf []multiplexLine
	if len(s.outBuf) >= s.cfg.OutBuffThreshold {
		flushBuf = s.outBuf
		s.outBuf = make([]multiplexLine, 0, s.cfg.OutBuffThreshold)
	}
	multi := len(s.outputs) > 1
	s.mu.Unlock()

	if flushBuf == nil {
		return
	}
	if multi {
		s.writeBufferMultiplexed(flushBuf)
	} else {
		s.writeBuffer(flushBuf)
	}
}

// Flush writes out every buffered line in arrival order (not file-sorted)
// and flushes each output's underlying writer. It is a no-op when output is
// suppressed.
func (s *Scheduler) Flush() {
	if s.cfg.SuppressOutput {
		return
	}
	s.mu.Lock()
	buf := s.outBuf
	s.outBuf = nil
	s.mu.Unlock()

	s.writeBuffer(buf)
	for _, out := range s.outputs {
		out.w.Flush()
	}
}

func (s *Scheduler) writeBuffer(buf []multiplexLine) {
	for _, line := range buf {
		if out, ok := s.outputs[line.FileID]; ok {
			out.w.WriteString(line.Line)
		}
	}
}

func (s *Scheduler) writeBufferMultiplexed(buf []multiplexLine) {
	sort.SliceStable(buf, func(i, j int) bool { return buf[i].FileID < buf[j].FileID })
	s.writeBuffer(buf)
}

// Close flushes and closes every open input and output stream.
func (s *Scheduler) Close() error {
	s.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, in := range s.inputs {
		if in.file != nil {
			if err := in.file.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	for _, out := range s.outputs {
		if err := out.w.Flush(); err != nil && first == nil {
			first = err
		}
		if err := out.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// InputFilenames returns the paths of the inputs still open.
func (s *Scheduler) InputFilenames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.inputs))
	for i, in := range s.inputs {
		out[i] = in.path
	}
	return out
}

// Empty reports whether both storage and the input list are drained.
func (s *Scheduler) Empty() bool {
	s.mu.Lock()
	n := len(s.inputs)
	s.mu.Unlock()
	return s.storage.Empty() && n == 0
}

func (s *Scheduler) Full() bool       { return s.storage.Full() }
func (s *Scheduler) Size() uint64     { return s.storage.Size() }
func (s *Scheduler) Capacity() uint64 { return s.storage.Capacity() }
