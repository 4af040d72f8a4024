// Command example wires a pool, an in-memory lower tier, and a cache
// together, and drives a short write/flush/read/close/reopen sequence
// so the whole pipeline can be watched end to end without a real
// PMEM device or block backend.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mit-pdos/go-pmemcache/cache"
	"github.com/mit-pdos/go-pmemcache/config"
	"github.com/mit-pdos/go-pmemcache/extent"
	"github.com/mit-pdos/go-pmemcache/lowertier"
	"github.com/mit-pdos/go-pmemcache/util"
)

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func waitFor(name string, submit func(func(error))) {
	done := make(chan error, 1)
	submit(func(err error) { done <- err })
	select {
	case err := <-done:
		must(err)
	case <-time.After(5 * time.Second):
		log.Fatalf("%s never completed", name)
	}
}

func main() {
	util.Debug = 2

	poolPath, err := os.CreateTemp("", "pmemcache-example-*.pm")
	must(err)
	path := poolPath.Name()
	must(poolPath.Close())
	defer os.Remove(path)

	cfg, err := config.New(path, 16*1024*1024)
	must(err)

	lower := lowertier.NewMemImage(64 * 1024 * 1024)

	fmt.Println("opening cache over", path)
	c, err := cache.Open(cfg, lower)
	must(err)

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}

	fmt.Println("writing 4096 bytes at offset 0")
	waitFor("write", func(cb func(error)) {
		c.AioWrite([]extent.Image{{Offset: 0, Length: uint64(len(data))}}, data, cache.FAdviseNormal, cb)
	})

	fmt.Println("flushing")
	waitFor("flush", func(cb func(error)) {
		c.AioFlush(cb)
	})

	out := make([]byte, len(data))
	fmt.Println("reading back")
	waitFor("read", func(cb func(error)) {
		c.AioRead([]extent.Image{{Offset: 0, Length: uint64(len(out))}}, out, cache.FAdviseNormal, cb)
	})
	for i := range out {
		if out[i] != data[i] {
			log.Fatalf("mismatch at byte %d: got %d want %d", i, out[i], data[i])
		}
	}
	fmt.Println("read matched what was written")

	fmt.Println("closing")
	must(c.Close())

	fmt.Println("reopening against the same pool file to exercise replay")
	c2, err := cache.Open(cfg, lower)
	must(err)
	defer c2.Close()

	fmt.Println("index entries after reopen:", c2.Index().Len())
}
