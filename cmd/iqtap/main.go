// Command iqtap attaches to an rxmon shared-memory tap and streams the
// raw 8-bit I/Q bytes to a file or stdout, for feeding external DSP
// without touching the engine's own pipeline.
package main

import (
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rxmon/pkg/shmring"
)

func main() {
	name := flag.String("shm", "rxmon-iq", "shared-memory tap name")
	out := flag.String("out", "-", "output file, - for stdout")
	limit := flag.Uint64("bytes", 0, "stop after this many bytes, 0 for unbounded")
	stats := flag.Bool("stats", true, "report throughput and drops on stderr")
	flag.Parse()

	ring, err := shmring.Open(*name)
	if err != nil {
		log.Fatalf("open tap %s: %v", *name, err)
	}
	defer ring.Close()

	rate, center := ring.RadioState()
	log.Printf("attached to %s: %d bytes, %.3f MS/s at %.4f MHz",
		*name, ring.Capacity(), rate/1e6, center/1e6)

	var w io.Writer = os.Stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("create %s: %v", *out, err)
		}
		defer f.Close()
		w = f
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var (
		tail       = ring.Head() // only new samples from here on
		buf        = make([]byte, 256<<10)
		total      uint64
		dropped    uint64
		lastReport = time.Now()
	)
	for {
		select {
		case <-stop:
			log.Printf("done: %d bytes copied, %d dropped", total, dropped)
			return
		default:
		}

		n, newTail, drop, err := ring.ReadAt(tail, buf)
		if err != nil {
			log.Fatalf("read tap: %v", err)
		}
		tail = newTail
		dropped += drop
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if _, err := w.Write(buf[:n]); err != nil {
			log.Fatalf("write output: %v", err)
		}
		total += uint64(n)
		if *limit > 0 && total >= *limit {
			log.Printf("done: %d bytes copied, %d dropped", total, dropped)
			return
		}

		if *stats && time.Since(lastReport) >= 5*time.Second {
			r, c := ring.RadioState()
			log.Printf("%d bytes copied, %d dropped, radio %.3f MS/s at %.4f MHz",
				total, dropped, r/1e6, c/1e6)
			lastReport = time.Now()
		}
	}
}
