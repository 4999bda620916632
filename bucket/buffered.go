// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package bucket

// BufferedBuckets implements Storage by giving each partition its own open
// buffer; the buffer seals into a new bucket, appended to the partition's
// chain, once it reaches Config.MaxBucketSize records.
type BufferedBuckets[T any] struct {
	base[T]
	buffers [][]T
}

// NewBufferedBuckets constructs a BufferedBuckets storage with the given
// partitioner and sizing configuration. It returns a ConfigInvalid error if
// cfg cannot safely support the partitioner's table width (see
// Config.Validate).
func NewBufferedBuckets[T any](cfg Config, part Partitioner[T]) (*BufferedBuckets[T], error) {
	if err := cfg.Validate(part.TableWidth()); err != nil {
		return nil, err
	}
	s := &BufferedBuckets[T]{base: newBase(cfg, part)}
	s.buffers = make([][]T, s.tableWidth)
	return s, nil
}

// Insert appends v to its partition's open buffer, sealing a bucket when
// the buffer reaches MaxBucketSize. It blocks while the storage is already
// holding MaxBuckets sealed buckets.
func (s *BufferedBuckets[T]) Insert(v T) error {
	p := s.part.Partition(v) % s.tableWidth

	s.mu.Lock()
	s.buffers[p] = append(s.buffers[p], v)
	s.size++
	sealed := uint64(len(s.buffers[p])) >= s.cfg.MaxBucketSize
	if !sealed {
		s.mu.Unlock()
		return nil
	}
	buf := s.buffers[p]
	s.buffers[p] = nil
	s.mu.Unlock()

	return s.seal(p, buf)
}

// seal blocks until there is room for one more sealed bucket (or the
// storage dies), then pushes buf onto partition p's chain.
func (s *BufferedBuckets[T]) seal(p uint64, buf []T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.waitForCapacityLocked(); err != nil {
		return err
	}
	s.sealLocked(p, buf)
	s.cond.Broadcast()
	return nil
}

// Flush seals every partition's non-empty open buffer immediately,
// regardless of size. Unlike Insert's seal path, Flush never blocks on
// MaxBuckets: it pushes the sealed bucket directly onto the partition's
// chain, accepting a transient overshoot of MaxBuckets rather than making
// an end-of-stream flush wait on a consumer that may not be draining.
func (s *BufferedBuckets[T]) Flush() {
	for p := uint64(0); p < s.tableWidth; p++ {
		s.mu.Lock()
		buf := s.buffers[p]
		s.buffers[p] = nil
		if len(buf) == 0 {
			s.mu.Unlock()
			continue
		}
		s.sealLocked(p, buf)
		s.mu.Unlock()
		s.cond.Broadcast()
	}
}

// NextBucket implements Storage.
func (s *BufferedBuckets[T]) NextBucket() (Bucket[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextBucketLocked()
}

// NextBucketAsync implements Storage.
func (s *BufferedBuckets[T]) NextBucketAsync() <-chan NextBucketResult[T] {
	return asyncNextBucket[T](s)
}
