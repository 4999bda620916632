// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Command seqpipe wires the config, storage, cache, scheduler, aligner,
// and pipeline packages into a runnable binary. It is deliberately small:
// one flag set and a constructor call per component, in the shape of
// grailbio-base/cmd/gofat rather than the teacher's Vanadium-flavored
// cmdline framework (see DESIGN.md).
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/grailbio/seqpipe/aligner"
	"github.com/grailbio/seqpipe/bucket"
	"github.com/grailbio/seqpipe/cache"
	"github.com/grailbio/seqpipe/cache/bloomfilter"
	"github.com/grailbio/seqpipe/config"
	"github.com/grailbio/seqpipe/errors"
	"github.com/grailbio/seqpipe/hasher"
	"github.com/grailbio/seqpipe/ioseq"
	"github.com/grailbio/seqpipe/log"
	"github.com/grailbio/seqpipe/metrics"
	"github.com/grailbio/seqpipe/must"
	"github.com/grailbio/seqpipe/observer"
	"github.com/grailbio/seqpipe/parser"
	"github.com/grailbio/seqpipe/pipeline"
	"github.com/grailbio/seqpipe/processor"
	"github.com/grailbio/seqpipe/record"
	"github.com/grailbio/seqpipe/shutdown"
)

func main() {
	log.AddFlags()
	log.SetPrefix("seqpipe: ")
	defer shutdown.Run()

	var (
		configPath  = flag.String("config", "", "path to the INI configuration file (required)")
		metricsPath = flag.String("metrics", "", "path to the CSV metrics output file (overrides the config file's metrics key)")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: seqpipe -config <path> [-metrics <path>]\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()
	if *configPath == "" {
		flag.Usage()
	}

	cfg, err := config.Load(*configPath)
	must.Nil(err, "loading config")
	if *metricsPath != "" {
		cfg.Metrics = *metricsPath
	}

	h := buildHasher(cfg.HashFunc)
	part := hasher.KeyedPartitioner{Hasher: h}

	// cch is built before the storage so it can be registered on the bus
	// that storageCfg.Bus hands to the storage: C1 raises chain-switch
	// events on this bus and C2 reacts to them (see observer.Bus's doc
	// comment and spec §4.2's Observer reaction).
	cch := buildCache(cfg)
	var bus observer.Bus
	bus.Register(cch)

	storageCfg := bucket.Config{
		MaxBuckets:    cfg.NumBuckets,
		MaxBucketSize: cfg.BucketSize,
		ChainSwitch:   cfg.ChainSwitch,
		Bus:           &bus,
	}
	storage, err := bucket.NewBufferedBuckets[record.Keyed](storageCfg, part)
	must.Nil(err, "constructing bucketed storage")

	newParser := func() parser.Parser {
		if cfg.FileType == config.FileTypeFASTA {
			return &parser.FASTA{}
		}
		return parser.FASTQ{}
	}

	sched, err := ioseq.NewScheduler(ioseq.Config{
		InputPattern:     cfg.Input,
		OutputExt:        cfg.OutputExt,
		MaxInterleave:    cfg.MaxInterleave,
		OutBuffThreshold: 4096,
		AsyncFill:        cfg.AsyncIO,
		SuppressOutput:   cfg.SuppressSAM,
	}, storage, newParser)
	must.Nil(err, "constructing I/O scheduler")

	if cfg.Stdin {
		must.Nil(sched.FromStdin(cfg.DataDir), "reading stdin")
	} else {
		must.Nil(sched.FromDir(cfg.DataDir), "discovering input files")
	}

	proc := processor.Processor(processor.Identity{})
	if cfg.PostProcessFunc == config.PostProcessRetag {
		proc = processor.Retag{}
	}

	command, err := aligner.Resolve(cfg.Aligner, cfg.AlignerPath, cfg.Reference, cfg.Threads, cfg.Command)
	must.Nil(err, "resolving aligner command")
	align := aligner.New(aligner.Config{Command: command, Interactive: cfg.Interleaved})
	shutdown.Register(func() {
		if err := align.Close(); err != nil {
			log.Error.Printf("closing aligner: %v", err)
		}
	})

	var compression pipeline.Compression
	switch cfg.Compression {
	case config.CompressionCross:
		compression = pipeline.Cross
	case config.CompressionFull:
		compression = pipeline.Full
	default:
		compression = pipeline.None
	}

	var metricsW *metrics.Writer
	if cfg.Metrics != "" {
		f, err := os.Create(cfg.Metrics)
		must.Nil(err, "creating metrics file")
		shutdown.Register(func() {
			if err := f.Close(); err != nil {
				log.Error.Printf("closing metrics file: %v", err)
			}
		})
		metricsW, err = metrics.NewWriter(f)
		must.Nil(err, "writing metrics header")
	}

	mgr, err := pipeline.New(pipeline.Config{
		IO:                  sched,
		Aligner:             align,
		Cache:               cch,
		Processor:           proc,
		Compression:         compression,
		Metrics:             metricsW,
		Concurrency:         cfg.Concurrency,
		MaxConcurrentAligns: cfg.MaxConcurrentAligns,
	})
	must.Nil(err, "constructing pipeline manager")

	sched.BeginReading()
	start := time.Now()
	var runErr error
	if cfg.Concurrency > 1 {
		// RunConcurrent handles one round of up to Concurrency buckets;
		// repeat it until the scheduler reports the input exhausted.
		for runErr == nil {
			runErr = mgr.RunConcurrent()
		}
		if errors.Is(errors.RequestToEmptyStorage, runErr) {
			runErr = nil
		}
	} else {
		runErr = mgr.Run()
	}
	must.Nil(sched.Close(), "closing I/O scheduler")

	if metricsW != nil {
		readsSeen, readsAligned, _, _, processTime, alignTime := mgr.Stats()
		must.Nil(metricsW.Close(metrics.Summary{
			BucketSize:     int(cfg.BucketSize),
			Aligner:        cfg.Aligner,
			CacheType:      string(cfg.CachePolicy),
			TotalReads:     readsSeen,
			ReadsAligned:   readsAligned,
			OverallRuntime: time.Since(start),
			ProcessTime:    processTime,
			AlignTime:      alignTime,
		}), "finishing metrics file")
	}
	must.Nil(runErr, "running pipeline")
	log.Info.Printf("seqpipe: done")
}

func buildHasher(h config.HashFunc) hasher.Hasher {
	switch h {
	case config.HashSingle:
		return hasher.PrefixK{K: 1}
	case config.HashDouble:
		return hasher.PrefixK{K: 2}
	case config.HashTriple:
		return hasher.PrefixK{K: 3}
	case config.HashGC:
		return hasher.GCContent{Bins: 16}
	case config.HashCacheAware:
		return hasher.CacheAware{N: 64}
	default:
		return hasher.NOP{}
	}
}

func buildCache(cfg *config.Config) cache.Policy[record.Prehashed, record.Prehashed] {
	var base cache.Policy[record.Prehashed, record.Prehashed]
	switch cfg.CachePolicy {
	case config.CachePolicyMRU:
		base = cache.NewMRU[record.Prehashed, record.Prehashed](cfg.CacheSize)
	case config.CachePolicyDummy:
		base = cache.NewDummy[record.Prehashed, record.Prehashed]()
	default:
		base = cache.NewLRU[record.Prehashed, record.Prehashed](cfg.CacheSize)
	}
	if cfg.CacheDecorator == config.CacheDecoratorBloomFilter {
		return bloomfilter.New(base, 1<<20, 3, 36)
	}
	return base
}
