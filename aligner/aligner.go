// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package aligner wraps the external alignment program invoked as a child
// process: the aligner itself is out of scope (spec.md's one explicit
// out-of-scope external collaborator), but the two wire protocols the
// pipeline manager (package pipeline) speaks to it are in scope. A batch is
// written to the child's stdin as concatenated records, one field per line;
// stdout is read back one line per input record, in submission order.
//
// Grounded on original_source/lib/process.h's SubProccessAdapter: a
// non-interactive path that spawns a fresh child per batch
// (MapperProcess::align_batch's popen+communicate), and an interactive path
// that keeps one child alive across batches, both collapsed here onto
// os/exec rather than a subprocess library, since os/exec's StdinPipe/
// StdoutPipe already gives precisely the half-duplex pipe shape the C++
// adapter built cpp-subprocess for.
package aligner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/grailbio/seqpipe/errors"
	"github.com/grailbio/seqpipe/record"
	"github.com/grailbio/seqpipe/retry"
)

// CommandBuilder assembles the shell command used to invoke a specific
// aligner binary, given the reference to align against and a thread count.
type CommandBuilder interface {
	Build(reference string, threads int) string
}

// Bowtie2 builds the canonical bowtie2 invocation: reads FASTQ on stdin,
// suppresses the SAM header, and writes alignments to stdout.
type Bowtie2 struct {
	// Path overrides the binary name; empty uses "bowtie2" from $PATH.
	Path string
}

func (b Bowtie2) Build(reference string, threads int) string {
	path := b.Path
	if path == "" {
		path = "bowtie2"
	}
	return fmt.Sprintf("%s --mm --no-hd -p %d -q -x %s -U -", path, threads, reference)
}

// Seal builds the canonical seal invocation (BBMap's seal.sh), reading
// FASTQ on stdin and writing alignments to stdout.
type Seal struct {
	Path string
}

func (s Seal) Build(reference string, threads int) string {
	path := s.Path
	if path == "" {
		path = "seal"
	}
	return fmt.Sprintf("%s threads=%d out=stdout.fq ref=%s in=stdin.fq", path, threads, reference)
}

// Resolve returns the shell command to invoke: command verbatim if
// non-empty (the caller-provided escape hatch spec.md documents), otherwise
// built from the named aligner.
func Resolve(alignerName, alignerPath, reference string, threads int, command string) (string, error) {
	if command != "" {
		return command, nil
	}
	switch alignerName {
	case "bowtie2":
		return Bowtie2{Path: alignerPath}.Build(reference, threads), nil
	case "seal":
		return Seal{Path: alignerPath}.Build(reference, threads), nil
	default:
		return "", errors.E(errors.ConfigInvalid, "unrecognized aligner: "+alignerName)
	}
}

// Aligner sends a batch of records to the external aligner and returns one
// output line per record, in submission order.
type Aligner interface {
	Align(batch []record.Record) ([]string, error)
	Close() error
}

// Process is the os/exec-backed Aligner. It supports both a non-interactive
// mode (Config.Interactive == false), which spawns a fresh child for every
// batch, and an interactive mode, which starts the child once and keeps its
// pipes open across every subsequent Align call.
type Process struct {
	cfg Config

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  interface {
		Write([]byte) (int, error)
		Close() error
	}
	stdout *bufio.Scanner
	stderr *bytes.Buffer
}

// Config names the command to run and which wire protocol to use.
type Config struct {
	// Command is the full shell command, e.g. from Resolve.
	Command string
	// Interactive keeps one child process alive across batches instead
	// of spawning one per batch.
	Interactive bool
	// RetryPolicy, when set, governs how many times a non-interactive
	// batch is re-spawned after the child fails to start or exits
	// non-zero. Has no effect in interactive mode, where a dead child
	// is a terminal condition: the pipeline manager has no way to know
	// which buffered writes the previous instance actually consumed.
	RetryPolicy retry.Policy
}

// New constructs a Process. The child is not started until the first Align
// call (interactive mode) or not at all until each Align call (otherwise).
func New(cfg Config) *Process {
	return &Process{cfg: cfg}
}

func (p *Process) Align(batch []record.Record) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(batch) == 0 {
		return nil, nil
	}
	if p.cfg.Interactive {
		return p.alignInteractive(batch)
	}
	if p.cfg.RetryPolicy == nil {
		return p.alignOnce(batch)
	}
	return p.alignOnceWithRetry(batch)
}

// alignOnceWithRetry re-spawns the child according to cfg.RetryPolicy when
// alignOnce fails: a child that fails to exec (binary missing, exhausted
// file descriptors) or exits non-zero under transient load is worth
// retrying, since each batch is independent and nothing has been consumed
// from the caller's input yet.
func (p *Process) alignOnceWithRetry(batch []record.Record) ([]string, error) {
	var (
		lines []string
		err   error
	)
	for retries := 0; ; retries++ {
		lines, err = p.alignOnce(batch)
		if err == nil {
			return lines, nil
		}
		if waitErr := retry.Wait(context.Background(), p.cfg.RetryPolicy, retries); waitErr != nil {
			return nil, errors.E(errors.AlignerFailure, "giving up after retries", err)
		}
	}
}

// alignOnce spawns a fresh child, writes the batch to its stdin from a
// goroutine (writing and reading stdout must overlap: a batch large enough
// to fill the pipe buffer would otherwise deadlock against an aligner that
// doesn't begin producing output until it has consumed all of its input),
// and reads every line of stdout before waiting on exit.
func (p *Process) alignOnce(batch []record.Record) ([]string, error) {
	cmd := exec.Command("sh", "-c", p.cfg.Command)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.E(errors.AlignerFailure, "opening aligner stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.E(errors.AlignerFailure, "opening aligner stdout", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.E(errors.AlignerFailure, "starting aligner", err)
	}

	go func() {
		writeBatch(stdin, batch)
		stdin.Close()
	}()

	lines := scanAll(stdout)
	if err := cmd.Wait(); err != nil {
		return nil, errors.E(errors.AlignerFailure, "aligner exited: "+stderr.String(), err)
	}
	return checkCount(lines, len(batch))
}

// ensureStarted lazily starts the persistent interactive child.
func (p *Process) ensureStarted() error {
	if p.cmd != nil {
		return nil
	}
	cmd := exec.Command("sh", "-c", p.cfg.Command)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.E(errors.AlignerFailure, "opening aligner stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.E(errors.AlignerFailure, "opening aligner stdout", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return errors.E(errors.AlignerFailure, "starting aligner", err)
	}
	p.cmd = cmd
	p.stdin = stdin
	p.stderr = &stderr
	p.stdout = bufio.NewScanner(stdout)
	return nil
}

// alignInteractive writes one batch to the long-lived child and reads back
// exactly len(batch) lines. Like alignOnce, the write runs from a goroutine
// concurrently with draining stdout: a batch large enough to fill the pipe
// buffer would otherwise deadlock against a child that hasn't started
// producing output yet.
//
// TODO: this assumes the aligner flushes exactly one output line per input
// record without extra buffering delay; an aligner that batches its own
// output internally would stall here. The original adapter carried the
// same assumption undocumented (process.h's communicate_and_parse has its
// own "find a better work around" TODO); ours is at least confined to this
// one mode rather than the whole wire protocol.
func (p *Process) alignInteractive(batch []record.Record) ([]string, error) {
	if err := p.ensureStarted(); err != nil {
		return nil, err
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeBatch(p.stdin, batch)
	}()

	lines := make([]string, 0, len(batch))
	for len(lines) < len(batch) {
		if !p.stdout.Scan() {
			return nil, errors.E(errors.AlignerFailure, "aligner closed output early: "+p.stderr.String())
		}
		lines = append(lines, p.stdout.Text())
	}
	if err := <-writeErr; err != nil {
		return nil, errors.E(errors.AlignerFailure, "writing batch to aligner", err)
	}
	return lines, nil
}

// Close terminates the interactive child, if one was started. It is a
// no-op for the non-interactive mode, which never holds a child open
// between calls.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return nil
	}
	p.stdin.Close()
	err := p.cmd.Wait()
	p.cmd = nil
	return err
}

// writeBatch writes each record as its constituent lines: Header/Sequence
// for a 2-line record, plus Separator/Quality for a 4-line one.
func writeBatch(w interface{ Write([]byte) (int, error) }, batch []record.Record) error {
	var buf bytes.Buffer
	for _, rec := range batch {
		buf.Write(rec.Header)
		buf.WriteByte('\n')
		buf.Write(rec.Sequence)
		buf.WriteByte('\n')
		if rec.IsFourLine() {
			buf.Write(rec.Separator)
			buf.WriteByte('\n')
			buf.Write(rec.Quality)
			buf.WriteByte('\n')
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func scanAll(r interface{ Read([]byte) (int, error) }) []string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

// checkCount enforces the "fewer output lines than input records" failure
// mode spec.md names explicitly as a fatal AlignerFailure.
func checkCount(lines []string, want int) ([]string, error) {
	if len(lines) < want {
		return nil, errors.E(errors.AlignerFailure,
			fmt.Sprintf("aligner produced %d lines for %d records", len(lines), want))
	}
	return lines[:want], nil
}
