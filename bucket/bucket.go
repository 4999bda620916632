// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package bucket implements OrderedSequenceStorage (component C1): a
// hash-partitioned, bounded, blocking queue of buckets. A bucket is a
// sealed, owned sequence of records that all hashed to the same partition;
// a chain is the FIFO of sealed buckets belonging to one partition.
// Consumers drain one chain at a time, maximizing locality for whatever
// cares about the partition key (typically the aligner's reference cache
// and the result cache in package cache).
//
// Two variants share the Storage contract: BufferedBuckets seals a bucket
// whenever a partition's open buffer reaches max_bucket_size, and
// SortedChain keeps at most one sealed, sorted bucket per partition,
// merging further admissions into it until capacity forces a push.
//
// This package is grounded on grailbio-base/syncqueue's condition-variable
// producer/consumer idiom (bounded FIFO, Close unwinds every waiter) and
// reimplements it here parameterized on partition index rather than a
// single sequence index.
package bucket

import (
	"container/list"
	"math/rand"
	"sync"

	"github.com/grailbio/seqpipe/errors"
	"github.com/grailbio/seqpipe/observer"
)

// ChainSwitchMode selects how the consumer picks the next chain to drain
// once the active one runs dry.
type ChainSwitchMode int

const (
	// Longest switches to the chain with the most sealed buckets,
	// breaking ties by the lowest partition index.
	Longest ChainSwitchMode = iota
	// Random switches to a uniformly chosen non-empty chain.
	Random
)

// Partitioner assigns each value of type T to a partition in
// [0, TableWidth()). Storage calls Partition once per Insert.
type Partitioner[T any] interface {
	Partition(v T) uint64
	TableWidth() uint64
}

// Bucket is an ordered, owned sequence of values that all share the same
// partition index. Buckets are consumed whole.
type Bucket[T any] struct {
	Partition uint64
	Records   []T
}

// Storage is the OrderedSequenceStorage contract shared by every
// implementation in this package.
type Storage[T any] interface {
	// Insert appends v to its partition's open buffer, blocking while the
	// number of sealed buckets is at capacity. It returns Killed if the
	// storage was killed while blocked. SortedChain recovers from a full
	// chain by flushing and retrying, so BadChainPush does not reach the
	// caller.
	Insert(v T) error

	// Flush seals every non-empty open buffer immediately, regardless of
	// size. It never blocks.
	Flush()

	// NextBucket returns the oldest sealed bucket from the active chain,
	// blocking while no bucket is sealed. ok is false once the storage has
	// been killed, whether before or during the wait; buckets still sealed
	// at that point are not returned.
	NextBucket() (Bucket[T], bool)

	// NextBucketAsync is NextBucket expressed as a future: the returned
	// channel receives exactly one result and is then closed.
	NextBucketAsync() <-chan NextBucketResult[T]

	// Kill cancels the storage: every blocked and future call to Insert
	// or NextBucket returns immediately with a Killed indication.
	Kill()

	Size() uint64
	NumBuckets() uint64
	Full() bool
	Empty() bool
	Capacity() uint64
}

// NextBucketResult is the payload delivered by NextBucketAsync.
type NextBucketResult[T any] struct {
	Bucket Bucket[T]
	OK     bool
}

// Config carries the sizing and policy parameters common to both storage
// variants.
type Config struct {
	// MaxBuckets bounds the number of sealed buckets held at once, across
	// all partitions; it is the backpressure knob that keeps producers
	// from outrunning the consumer.
	MaxBuckets uint64
	// MaxBucketSize is the number of records an open buffer accumulates
	// before it is sealed into a bucket.
	MaxBucketSize uint64
	// ChainSwitch selects the chain-selection algorithm used when the
	// active chain runs dry.
	ChainSwitch ChainSwitchMode
	// Bus, if non-nil, is notified with a ChainSwitch event every time
	// the consumer switches chains.
	Bus *observer.Bus
}

// Validate returns a ConfigInvalid error if cfg cannot support the given
// table width without risking deadlock: if max_buckets is smaller than the
// partition count, every partition's buffer can fill and seal a bucket
// before any partition has two, pinning every producer against the cap
// with no consumer progress possible.
func (cfg Config) Validate(tableWidth uint64) error {
	if cfg.MaxBuckets == 0 {
		return errors.E(errors.ConfigInvalid, "max_buckets must be positive")
	}
	if cfg.MaxBucketSize == 0 {
		return errors.E(errors.ConfigInvalid, "max_bucket_size must be positive")
	}
	if cfg.MaxBuckets < tableWidth {
		return errors.E(errors.ConfigInvalid,
			"max_buckets is smaller than the hash table width; this can deadlock producers (each partition seals a bucket but none can be handed out faster than the bound allows)")
	}
	return nil
}

// base holds the state and synchronization shared by both Storage
// implementations: the sealed-bucket accounting, the alive flag, and the
// chain-selection algorithm. Concrete types embed base and supply their own
// admission policy (seal-on-size vs. sort-and-merge).
type base[T any] struct {
	mu   *sync.Mutex
	cond *sync.Cond

	cfg        Config
	part       Partitioner[T]
	tableWidth uint64

	chains       []*list.List // one FIFO of Bucket[T] per partition
	chainLength  []uint64
	numSealed    uint64
	size         uint64
	currentChain uint64
	alive        bool
}

func newBase[T any](cfg Config, part Partitioner[T]) base[T] {
	width := part.TableWidth()
	b := base[T]{
		mu:          new(sync.Mutex),
		cfg:         cfg,
		part:        part,
		tableWidth:  width,
		chains:      make([]*list.List, width),
		chainLength: make([]uint64, width),
		alive:       true,
	}
	for i := range b.chains {
		b.chains[i] = list.New()
	}
	// mu is a pointer so that cond stays tied to the same lock after base
	// is copied into the concrete storage type.
	b.cond = sync.NewCond(b.mu)
	return b
}

func (b *base[T]) Size() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *base[T]) NumBuckets() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numSealed
}

func (b *base[T]) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numSealed >= b.cfg.MaxBuckets
}

func (b *base[T]) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numSealed == 0
}

func (b *base[T]) Capacity() uint64 {
	return b.cfg.MaxBuckets
}

func (b *base[T]) Kill() {
	b.mu.Lock()
	b.alive = false
	b.mu.Unlock()
	b.cond.Broadcast()
}

// sealLocked appends a fresh bucket built from buf to partition p's chain.
// Callers must hold b.mu and must have already checked capacity. If the
// structure was empty, the consumer's current chain pointer is moved to p,
// matching the "first bucket in an empty structure" rule: next_bucket has
// nothing to go on until some partition seals.
func (b *base[T]) sealLocked(p uint64, buf []T) {
	if b.numSealed == 0 {
		b.currentChain = p
	}
	b.chains[p].PushBack(Bucket[T]{Partition: p, Records: buf})
	b.chainLength[p]++
	b.numSealed++
}

// waitForCapacityLocked blocks until there is room for one more sealed
// bucket or the storage dies. Callers must hold b.mu.
func (b *base[T]) waitForCapacityLocked() error {
	for b.alive && b.numSealed >= b.cfg.MaxBuckets {
		b.cond.Wait()
	}
	if !b.alive {
		return errors.E(errors.Killed, "insert aborted")
	}
	return nil
}

// nextBucketLocked pops the head of the active chain, switches chains if it
// just emptied, and notifies the bus. Callers must hold b.mu.
func (b *base[T]) nextBucketLocked() (Bucket[T], bool) {
	for b.alive && b.numSealed == 0 {
		b.cond.Wait()
	}
	if !b.alive {
		return Bucket[T]{}, false
	}
	front := b.chains[b.currentChain].Front()
	out := b.chains[b.currentChain].Remove(front).(Bucket[T])
	b.chainLength[b.currentChain]--
	b.numSealed--
	b.size -= uint64(len(out.Records))

	switched := false
	if b.chains[b.currentChain].Len() == 0 {
		switched = true
		switch b.cfg.ChainSwitch {
		case Random:
			b.switchRandomLocked()
		default:
			b.switchLongestLocked()
		}
	}
	if switched && b.cfg.Bus != nil {
		b.cfg.Bus.Notify(observer.Event{Kind: observer.ChainSwitch, Partition: b.currentChain})
	}
	b.cond.Broadcast()
	return out, true
}

// switchLongestLocked sets currentChain to the non-empty chain with the
// most sealed buckets, breaking ties by lowest index. Callers must hold
// b.mu.
func (b *base[T]) switchLongestLocked() {
	var best uint64
	var bestLen uint64
	for i, n := range b.chainLength {
		if n > bestLen {
			bestLen = n
			best = uint64(i)
		}
	}
	b.currentChain = best
}

// switchRandomLocked picks uniformly among the non-empty chains. Callers
// must hold b.mu.
func (b *base[T]) switchRandomLocked() {
	if b.numSealed == 0 {
		return
	}
	nonEmpty := make([]uint64, 0, len(b.chainLength))
	for i, n := range b.chainLength {
		if n > 0 {
			nonEmpty = append(nonEmpty, uint64(i))
		}
	}
	if len(nonEmpty) == 0 {
		return
	}
	b.currentChain = nonEmpty[rand.Intn(len(nonEmpty))]
}

func asyncNextBucket[T any](s Storage[T]) <-chan NextBucketResult[T] {
	ch := make(chan NextBucketResult[T], 1)
	go func() {
		defer close(ch)
		b, ok := s.NextBucket()
		ch <- NextBucketResult[T]{Bucket: b, OK: ok}
	}()
	return ch
}
