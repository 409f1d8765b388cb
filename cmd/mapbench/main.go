// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Mapbench measures bigmap operation throughput over an in-process
// locality fabric. It is a pure client of the bigmap and rt APIs:
// it creates one distributed map, drives insert, buffered-insert,
// apply, and iteration workloads against it, and reports operations
// per second.
//
// Usage:
//
//	mapbench -localities 4 -size 100000 -numiter 5 -out results.txt
package main

import (
	"context"
	"encoding/gob"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmap"
	"github.com/grailbio/bigmap/registry"
	"github.com/grailbio/bigmap/rt"
	"github.com/grailbio/bigmap/stats"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(benchArgs{})
}

type benchArgs struct {
	ID registry.ID
}

var (
	// parallelInsert issues one AsyncInsert per index at every
	// locality, so inserts originate everywhere at once.
	parallelInsert = rt.RegisterAsyncFunc(func(run *rt.Runtime, h *rt.Handle, arg interface{}, i int) {
		m, err := bigmap.GetPtr(run, arg.(benchArgs).ID)
		if err != nil {
			log.Panicf("mapbench: %v", err)
		}
		if err := m.AsyncInsert(h, i, i); err != nil {
			log.Panicf("mapbench: %v", err)
		}
	})

	parallelBufferedInsert = rt.RegisterAsyncFunc(func(run *rt.Runtime, h *rt.Handle, arg interface{}, i int) {
		m, err := bigmap.GetPtr(run, arg.(benchArgs).ID)
		if err != nil {
			log.Panicf("mapbench: %v", err)
		}
		if err := m.BufferedAsyncInsert(h, i, i); err != nil {
			log.Panicf("mapbench: %v", err)
		}
	})

	// setToKey overwrites each visited value with its key.
	setToKey = bigmap.RegisterEntryFunc(func(_ *rt.Handle, key interface{}, value *interface{}) {
		*value = key
	})

	visited int64

	countEntry = bigmap.RegisterEntryFunc(func(_ *rt.Handle, _ interface{}, _ *interface{}) {
		atomic.AddInt64(&visited, 1)
	})

	countKey = bigmap.RegisterKeyFunc(func(_ *rt.Handle, _ interface{}) {
		atomic.AddInt64(&visited, 1)
	})
)

func main() {
	var (
		nloc    = flag.Int("localities", 4, "number of localities in the fabric")
		p       = flag.Int("p", 0, "per-locality worker parallelism (0 = GOMAXPROCS)")
		size    = flag.Int("size", 100000, "number of entries per workload iteration")
		numiter = flag.Int("numiter", 5, "iterations per workload")
		bufcap  = flag.Int("bufcap", bigmap.DefaultBufferCap, "buffered-insert batch capacity, in entries")
		outfile = flag.String("out", "", "append results to this file")
	)
	log.AddFlags()
	flag.Parse()

	runs, shutdown := rt.Local(*nloc, *p)
	defer shutdown()
	driver := runs[0]
	ctx := context.Background()

	log.Printf("mapbench: localities=%d size=%d numiter=%d payload=%s",
		*nloc, *size, *numiter, data.Size(*size*16))

	var out *os.File
	if *outfile != "" {
		var err error
		out, err = os.OpenFile(*outfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal(err)
		}
		defer out.Close()
	}

	bench := func(name string, body func(m *bigmap.Map)) {
		m, err := bigmap.Create(ctx, driver, bigmap.Opts{SizeHint: *size, BufferCap: *bufcap})
		if err != nil {
			log.Fatal(err)
		}
		var total time.Duration
		for iter := 0; iter < *numiter; iter++ {
			start := time.Now()
			body(m)
			total += time.Since(start)
		}
		if err := bigmap.Destroy(ctx, driver, m.ID()); err != nil {
			log.Fatal(err)
		}
		persec := float64(*size) * float64(*numiter) / total.Seconds()
		line := fmt.Sprintf("%s: %d ops in %s: %.0f ops/s", name, *size**numiter, total, persec)
		log.Printf("%s", line)
		if out != nil {
			fmt.Fprintln(out, line)
		}
	}

	bench("serial-insert", func(m *bigmap.Map) {
		for i := 0; i < *size; i++ {
			if err := m.Insert(ctx, i, i); err != nil {
				log.Fatal(err)
			}
		}
	})

	bench("async-insert", func(m *bigmap.Map) {
		var h rt.Handle
		for i := 0; i < *size; i++ {
			if err := m.AsyncInsert(&h, i, i); err != nil {
				log.Fatal(err)
			}
		}
		if err := h.Wait(ctx); err != nil {
			log.Fatal(err)
		}
	})

	bench("parallel-async-insert", func(m *bigmap.Map) {
		var h rt.Handle
		if err := driver.AsyncForEachOnAll(parallelInsert, benchArgs{ID: m.ID()}, *size, &h); err != nil {
			log.Fatal(err)
		}
		if err := h.Wait(ctx); err != nil {
			log.Fatal(err)
		}
	})

	bench("buffered-insert", func(m *bigmap.Map) {
		var h rt.Handle
		for i := 0; i < *size; i++ {
			if err := m.BufferedAsyncInsert(&h, i, i); err != nil {
				log.Fatal(err)
			}
		}
		if err := h.Wait(ctx); err != nil {
			log.Fatal(err)
		}
		if err := m.WaitForBufferedInsert(ctx); err != nil {
			log.Fatal(err)
		}
	})

	bench("parallel-buffered-insert", func(m *bigmap.Map) {
		var h rt.Handle
		if err := driver.AsyncForEachOnAll(parallelBufferedInsert, benchArgs{ID: m.ID()}, *size, &h); err != nil {
			log.Fatal(err)
		}
		if err := h.Wait(ctx); err != nil {
			log.Fatal(err)
		}
		// Each locality buffered through its own map handle; drain
		// them all before reading.
		g, gctx := errgroup.WithContext(ctx)
		for _, run := range runs {
			hm, err := bigmap.GetPtr(run, m.ID())
			if err != nil {
				log.Fatal(err)
			}
			g.Go(func() error { return hm.WaitForBufferedInsert(gctx) })
		}
		if err := g.Wait(); err != nil {
			log.Fatal(err)
		}
	})

	bench("async-apply", func(m *bigmap.Map) {
		for i := 0; i < *size; i++ {
			if err := m.Insert(ctx, i, 0); err != nil {
				log.Fatal(err)
			}
		}
		var h rt.Handle
		for i := 0; i < *size; i++ {
			if err := m.AsyncApply(&h, i, setToKey); err != nil {
				log.Fatal(err)
			}
		}
		if err := h.Wait(ctx); err != nil {
			log.Fatal(err)
		}
	})

	bench("foreach-entry", func(m *bigmap.Map) {
		for i := 0; i < *size; i++ {
			if err := m.Insert(ctx, i, i); err != nil {
				log.Fatal(err)
			}
		}
		atomic.StoreInt64(&visited, 0)
		var h rt.Handle
		if err := m.AsyncForEachEntry(&h, countEntry); err != nil {
			log.Fatal(err)
		}
		if err := h.Wait(ctx); err != nil {
			log.Fatal(err)
		}
		if got := atomic.LoadInt64(&visited); got != int64(*size) {
			log.Fatal(fmt.Errorf("foreach-entry visited %d of %d entries", got, *size))
		}
	})

	bench("foreach-key", func(m *bigmap.Map) {
		for i := 0; i < *size; i++ {
			if err := m.Insert(ctx, i, i); err != nil {
				log.Fatal(err)
			}
		}
		atomic.StoreInt64(&visited, 0)
		var h rt.Handle
		if err := m.AsyncForEachKey(&h, countKey); err != nil {
			log.Fatal(err)
		}
		if err := h.Wait(ctx); err != nil {
			log.Fatal(err)
		}
	})

	all := make(stats.Values)
	for _, run := range runs {
		run.Stats().AddAll(all)
	}
	log.Printf("mapbench: runtime counters: %s", all)
}
