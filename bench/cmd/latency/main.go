// Package bench — latency/main.go
//
// End-to-end pipeline latency measurement tool.
//
// Measures the wall-clock time from a raw sensor signal entering
// normalize.Normalize through a rule-engine decision in rules.Evaluate,
// under synthetic repeated load against an in-memory track aggregator.
//
// Method:
//  1. Builds one normalize.Normalizer bound to a single synthetic zone
//     binding and one track.Aggregator.
//  2. Drives N synthetic door-contact signals through Normalize -> Ingest
//     -> Evaluate in a tight loop, timing each full pass with
//     time.Now()/time.Since.
//  3. Results are written to a CSV file and summarized as p50/p95/p99.
//
// The measurement includes normalize + track-ingest + rule-evaluation
// overhead. It does NOT include storage, evidence, or network I/O — those
// are measured separately by their own package tests.
//
// Output CSV columns:
//
//	iteration, latency_us
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/neighborguard/edge/internal/clock"
	"github.com/neighborguard/edge/internal/normalize"
	"github.com/neighborguard/edge/internal/rules"
	"github.com/neighborguard/edge/internal/track"
	"go.uber.org/zap"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of pipeline passes to measure")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us"})

	log := zap.NewNop()
	norm := normalize.NewNormalizer(clock.System{}, log, 5*time.Second, []normalize.ZoneBinding{
		{DeviceID: "bench-door-1", ZoneID: "front_door_zone", EntryPointID: "front_door", PrivacyLevel: normalize.PrivacySemiPrivate},
	})
	agg := track.NewAggregator("front_door", 15*time.Second, 10*time.Minute)

	const maxBucketUs = 10000
	hist := make([]int, maxBucketUs+1)

	for i := 0; i < *iterations; i++ {
		start := time.Now()

		raw := normalize.RawSignal{
			DeviceID:   "bench-door-1",
			SensorKind: "door_contact",
			StateToken: "open",
			OccurredAt: start,
		}
		ev, ok := norm.Normalize(raw)
		if ok {
			trackID, _ := agg.Ingest(ev)
			if tr, found := agg.Get(trackID); found {
				_ = rules.Evaluate(tr, rules.ModeAway)
			}
		}

		latency := time.Since(start)
		latencyUs := int(latency.Microseconds())
		if latencyUs <= maxBucketUs {
			hist[latencyUs]++
		} else {
			hist[maxBucketUs]++
		}

		_ = w.Write([]string{strconv.Itoa(i), strconv.Itoa(latencyUs)})
	}

	p50, p95, p99 := computePercentiles(hist, *iterations)

	fmt.Printf("Pipeline Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  p50: %dus\n", p50)
	fmt.Printf("  p95: %dus\n", p95)
	fmt.Printf("  p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
