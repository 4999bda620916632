// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package bucket

import (
	"sort"

	"github.com/grailbio/seqpipe/errors"
)

// Less reports whether a sorts before b. SortedChain uses it to order each
// bucket it seals.
type Less[T any] func(a, b T) bool

// SortedChain implements Storage by keeping at most one sealed bucket per
// partition, sorted by Less. A partition's open buffer seals into that slot
// once it reaches Config.MaxBucketSize; once the slot is occupied, sealing
// is refused (BadChainPush) until the consumer drains it.
//
// Insert recovers from BadChainPush locally by flushing: every partition's
// open buffer is folded into its sealed slot immediately, so producers are
// never blocked by one full chain while the consumer is behind. Flush's
// fold has a deliberate asymmetry, carried over unchanged: a buffer folded
// into an empty slot is moved in as-is, without sorting, while a buffer
// folded into an occupied slot is appended and the combined bucket is
// re-sorted. A slot's buffer only goes through its own sort when it first
// reaches MaxBucketSize via trySeal.
type SortedChain[T any] struct {
	base[T]
	buffers [][]T
	less    Less[T]
}

// NewSortedChain constructs a SortedChain storage with the given
// partitioner, sizing configuration, and ordering. It returns a
// ConfigInvalid error if cfg cannot safely support the partitioner's table
// width (see Config.Validate).
func NewSortedChain[T any](cfg Config, part Partitioner[T], less Less[T]) (*SortedChain[T], error) {
	if err := cfg.Validate(part.TableWidth()); err != nil {
		return nil, err
	}
	s := &SortedChain[T]{base: newBase(cfg, part), less: less}
	s.buffers = make([][]T, s.tableWidth)
	return s, nil
}

// Insert appends v to its partition's open buffer. Once the buffer reaches
// MaxBucketSize, Insert tries to seal it into the partition's chain slot; if
// the slot is already occupied, Insert instead flushes every partition's
// open buffer into its slot (see SortedChain's doc comment) and returns nil.
func (s *SortedChain[T]) Insert(v T) error {
	p := s.part.Partition(v) % s.tableWidth

	s.mu.Lock()
	s.buffers[p] = append(s.buffers[p], v)
	s.size++
	full := uint64(len(s.buffers[p])) >= s.cfg.MaxBucketSize
	s.mu.Unlock()
	if !full {
		return nil
	}

	err := s.trySeal(p)
	if err == nil {
		return nil
	}
	if errors.Is(errors.BadChainPush, err) {
		s.Flush()
		return nil
	}
	return err
}

// trySeal blocks until there is room for one more sealed bucket overall
// (or the storage dies), then either seals partition p's open buffer as a
// new, sorted bucket, or refuses with BadChainPush if p's chain already
// holds a bucket. On success, p's buffer is cleared.
func (s *SortedChain[T]) trySeal(p uint64) error {
	s.mu.Lock()
	if err := s.waitForCapacityLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.chainLength[p] > 0 {
		s.mu.Unlock()
		return errors.E(errors.BadChainPush, "sorted chain at capacity", errors.Retriable)
	}
	buf := s.buffers[p]
	s.buffers[p] = nil
	sort.Slice(buf, func(i, j int) bool { return s.less(buf[i], buf[j]) })
	s.sealLocked(p, buf)
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

// Flush folds every partition's non-empty open buffer into its chain slot,
// never blocking. A partition whose slot is empty gets its buffer moved in
// unsorted; a partition whose slot already holds a bucket gets its buffer
// appended to that bucket and the combination re-sorted.
func (s *SortedChain[T]) Flush() {
	for p := uint64(0); p < s.tableWidth; p++ {
		s.foldPartition(p)
	}
}

func (s *SortedChain[T]) foldPartition(p uint64) {
	s.mu.Lock()
	buf := s.buffers[p]
	if len(buf) == 0 {
		s.mu.Unlock()
		return
	}
	s.buffers[p] = nil

	if s.chainLength[p] > 0 {
		front := s.chains[p].Front()
		existing := s.chains[p].Remove(front).(Bucket[T])
		merged := append(existing.Records, buf...)
		sort.Slice(merged, func(i, j int) bool { return s.less(merged[i], merged[j]) })
		s.chains[p].PushBack(Bucket[T]{Partition: p, Records: merged})
	} else {
		if s.numSealed == 0 {
			s.currentChain = p
		}
		s.chains[p].PushBack(Bucket[T]{Partition: p, Records: buf})
		s.chainLength[p] = 1
		s.numSealed++
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// NextBucket implements Storage.
func (s *SortedChain[T]) NextBucket() (Bucket[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextBucketLocked()
}

// NextBucketAsync implements Storage.
func (s *SortedChain[T]) NextBucketAsync() <-chan NextBucketResult[T] {
	return asyncNextBucket[T](s)
}
