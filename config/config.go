// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package config parses the pipeline's INI-like configuration file into a
// typed Config, validating it into the fatal ConfigInvalid error kind on
// contradictory or missing settings. Parsing itself is delegated to
// github.com/go-ini/ini, already a transitive dependency of the teacher
// library's own module graph and promoted here to a direct one since this
// is exactly the format the design calls for: key=value, '#' comments,
// unknown keys ignored.
package config

import (
	"github.com/go-ini/ini"

	"github.com/grailbio/seqpipe/bucket"
	"github.com/grailbio/seqpipe/errors"
)

// HashFunc selects the partitioner used by C1.
type HashFunc string

const (
	HashSingle     HashFunc = "single"
	HashDouble     HashFunc = "double"
	HashTriple     HashFunc = "triple"
	HashGC         HashFunc = "gc"
	HashCacheAware HashFunc = "cache_aware"
	HashNone       HashFunc = "none"
)

// Compression selects C4's deduplication level.
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionCross Compression = "cross"
	CompressionFull  Compression = "full"
)

// CachePolicy selects C2's replacement policy.
type CachePolicy string

const (
	CachePolicyLRU   CachePolicy = "lru"
	CachePolicyMRU   CachePolicy = "mru"
	CachePolicyDummy CachePolicy = "dummy"
)

// CacheDecorator selects an admission wrapper around the base cache policy.
type CacheDecorator string

const (
	CacheDecoratorNone        CacheDecorator = ""
	CacheDecoratorBloomFilter CacheDecorator = "bloom_filter"
)

// PostProcessFunc selects the Processor implementation.
type PostProcessFunc string

const (
	PostProcessIdentity PostProcessFunc = "identity"
	PostProcessRetag    PostProcessFunc = "retag"
)

// FileType selects the Parser implementation.
type FileType string

const (
	FileTypeFASTQ FileType = "fastq"
	FileTypeFASTA FileType = "fasta"
)

// Config is the fully parsed and defaulted configuration surface described
// in the design's external-interfaces table.
type Config struct {
	// Input discovery and output naming.
	DataDir   string
	Input     string
	OutputExt string
	Stdin     bool
	FileType  FileType

	// Aligner command construction.
	Reference   string
	Aligner     string
	AlignerPath string
	Command     string
	Threads     int
	Interleaved bool

	// C1/C3 tuning.
	NumBuckets    uint64
	BucketSize    uint64
	MaxChain      uint64
	MaxInterleave uint64
	AsyncIO       bool
	ChainSwitch   bucket.ChainSwitchMode
	HashFunc      HashFunc

	// C4 dedupe mode.
	Compression Compression

	// C4 concurrency mode: Concurrency > 1 selects the lock-free
	// double-buffered pipeline (pipeline.Manager.RunConcurrent) over the
	// default locked-pipe mode (pipeline.Manager.Run).
	// MaxConcurrentAligns optionally caps how many of those overlapping
	// buckets may have a live aligner child process at once; 0 leaves it
	// unbounded (see pipeline.Config.MaxConcurrentAligns).
	Concurrency         int
	MaxConcurrentAligns int

	// C2 choice and capacity.
	CachePolicy    CachePolicy
	CacheDecorator CacheDecorator
	CacheSize      uint64

	// Processor choice.
	PostProcessFunc PostProcessFunc
	StoreBin        bool

	// Output and telemetry.
	SuppressSAM bool
	Metrics     string
}

// defaults mirrors the original's built-in fallbacks: a directory scan for
// FASTQ input, longest-chain switching, no compression, and an LRU cache.
func defaults() Config {
	return Config{
		OutputExt:       "_out",
		FileType:        FileTypeFASTQ,
		Threads:         1,
		NumBuckets:      64,
		BucketSize:      1000,
		MaxChain:        1,
		MaxInterleave:   1,
		AsyncIO:         true,
		ChainSwitch:     bucket.Longest,
		HashFunc:        HashNone,
		Compression:     CompressionNone,
		CachePolicy:     CachePolicyLRU,
		CacheSize:       1 << 22,
		PostProcessFunc: PostProcessIdentity,
	}
}

// Load parses path as an INI file and validates the result.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.E(errors.ConfigInvalid, "reading config file", err)
	}
	sec := f.Section("")

	cfg := defaults()
	cfg.DataDir = sec.Key("data_dir").String()
	cfg.Input = sec.Key("input_pattern").MustString(cfg.Input)
	cfg.OutputExt = sec.Key("output_ext").MustString(cfg.OutputExt)
	cfg.Stdin = sec.Key("stdin").MustBool(cfg.Stdin)
	cfg.FileType = FileType(sec.Key("file_type").MustString(string(cfg.FileType)))

	cfg.Reference = sec.Key("reference").String()
	cfg.Aligner = sec.Key("aligner").String()
	cfg.AlignerPath = sec.Key("aligner_path").String()
	cfg.Command = sec.Key("command").String()
	cfg.Threads = sec.Key("threads").MustInt(cfg.Threads)
	cfg.Interleaved = sec.Key("interleaved").MustBool(cfg.Interleaved)

	cfg.NumBuckets = sec.Key("num_buckets").MustUint64(cfg.NumBuckets)
	cfg.BucketSize = sec.Key("bucket_size").MustUint64(cfg.BucketSize)
	cfg.MaxChain = sec.Key("max_chain").MustUint64(cfg.MaxChain)
	cfg.MaxInterleave = sec.Key("max_interleave").MustUint64(cfg.MaxInterleave)
	cfg.AsyncIO = sec.Key("async_io").MustBool(cfg.AsyncIO)
	switch sec.Key("chain_switch").MustString("longest") {
	case "random":
		cfg.ChainSwitch = bucket.Random
	default:
		cfg.ChainSwitch = bucket.Longest
	}
	cfg.HashFunc = HashFunc(sec.Key("hash_func").MustString(string(cfg.HashFunc)))

	cfg.Compression = Compression(sec.Key("compression").MustString(string(cfg.Compression)))
	cfg.Concurrency = sec.Key("concurrency").MustInt(cfg.Concurrency)
	cfg.MaxConcurrentAligns = sec.Key("max_concurrent_aligns").MustInt(cfg.MaxConcurrentAligns)

	cfg.CachePolicy = CachePolicy(sec.Key("cache_policy").MustString(string(cfg.CachePolicy)))
	cfg.CacheDecorator = CacheDecorator(sec.Key("cache_decorator").MustString(string(cfg.CacheDecorator)))
	cfg.CacheSize = sec.Key("cache_size").MustUint64(cfg.CacheSize)

	cfg.PostProcessFunc = PostProcessFunc(sec.Key("post_process_func").MustString(string(cfg.PostProcessFunc)))
	cfg.StoreBin = sec.Key("store_bin").MustBool(cfg.StoreBin)

	cfg.SuppressSAM = sec.Key("suppress_sam").MustBool(cfg.SuppressSAM)
	cfg.Metrics = sec.Key("metrics").String()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate returns a ConfigInvalid error on any contradictory or missing
// required setting: no input source, a missing reference/aligner, or a
// non-positive bucket count or size. The refusal of a bucket count below
// the partition table width is made later, by bucket.Config.Validate when
// the storage is constructed.
func (c Config) Validate() error {
	if !c.Stdin && c.DataDir == "" {
		return errors.E(errors.ConfigInvalid, "no input source: set data_dir or stdin=true")
	}
	if c.Reference == "" {
		return errors.E(errors.ConfigInvalid, "missing required reference")
	}
	if c.Aligner == "" && c.Command == "" {
		return errors.E(errors.ConfigInvalid, "missing required aligner or command")
	}
	switch c.FileType {
	case FileTypeFASTQ, FileTypeFASTA:
	default:
		return errors.E(errors.ConfigInvalid, "unrecognized file_type: "+string(c.FileType))
	}
	switch c.Compression {
	case CompressionNone, CompressionCross, CompressionFull:
	default:
		return errors.E(errors.ConfigInvalid, "unrecognized compression: "+string(c.Compression))
	}
	switch c.CachePolicy {
	case CachePolicyLRU, CachePolicyMRU, CachePolicyDummy:
	default:
		return errors.E(errors.ConfigInvalid, "unrecognized cache_policy: "+string(c.CachePolicy))
	}
	if c.NumBuckets == 0 || c.BucketSize == 0 {
		return errors.E(errors.ConfigInvalid, "num_buckets and bucket_size must be positive")
	}
	return nil
}
