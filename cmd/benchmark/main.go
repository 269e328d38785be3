// Benchmark tool for load testing a running Harrier server.
//
// Usage:
//
//	go run cmd/benchmark/main.go -url http://localhost:8080 -n 10000 -workers 20
//
// This tool:
//  1. Generates synthetic device, network and user contexts
//  2. Posts each context to /execute (or /evaluate with -evaluate-only)
//  3. Checks which default rules matched against the expected outcome
//  4. Reports throughput, latency percentiles and per-rule match counts
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Sample is a generated context plus the default rules it should trigger.
type Sample struct {
	Context  domain.Context
	Expected []string
}

// Metrics tracks benchmark results.
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64
	Mismatches     int64
	ActionsRun     int64
	ActionsFailed  int64

	mu        sync.Mutex
	latencies []time.Duration
	matches   map[string]int64
}

func (m *Metrics) record(latency time.Duration, matched []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, latency)
	for _, id := range matched {
		m.matches[id]++
	}
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Harrier base URL")
	count := flag.Int("n", 10000, "Number of contexts to send")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seed := flag.Uint64("seed", 42, "Random seed for context generation")
	evaluateOnly := flag.Bool("evaluate-only", false, "Post to /evaluate instead of /execute")
	verbose := flag.Bool("verbose", false, "Print each mismatch")
	flag.Parse()

	if *count <= 0 || *workers <= 0 {
		fmt.Println("Usage: benchmark [-url http://localhost:8080] [-n 10000] [-workers 10]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	endpoint := "/execute"
	if *evaluateOnly {
		endpoint = "/evaluate"
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           HARRIER BENCHMARK - Adaptive UI Contexts            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nHarrier URL: %s\n", *baseURL)
	fmt.Printf("Endpoint:    %s\n", endpoint)
	fmt.Printf("Contexts:    %d\n", *count)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Harrier not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Harrier is running:")
		fmt.Println("  go run ./cmd/harrier serve")
		os.Exit(1)
	}
	fmt.Println("✓ Harrier is healthy")

	samples := generateSamples(*count, *seed)
	fmt.Printf("✓ Generated %d contexts\n", len(samples))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(samples, *baseURL+endpoint, *workers, *evaluateOnly, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

var (
	deviceTypes   = []string{"mobile", "tablet", "desktop"}
	networkSpeeds = []string{"slow", "medium", "fast"}
	activities    = []string{"active", "active", "idle"}
)

func generateSamples(n int, seed uint64) []Sample {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	samples := make([]Sample, 0, n)

	for i := 0; i < n; i++ {
		device := deviceTypes[rng.IntN(len(deviceTypes))]
		speed := networkSpeeds[rng.IntN(len(networkSpeeds))]
		battery := rng.IntN(101)
		workHours := rng.IntN(2) == 0
		activity := activities[rng.IntN(len(activities))]

		rc := domain.Context{
			Timestamp: time.Now(),
			Environment: map[string]any{
				"device": map[string]any{
					"type":    device,
					"battery": map[string]any{"level": battery},
				},
				"network": map[string]any{"speed": speed},
				"time":    map[string]any{"isWorkHours": workHours},
			},
			User: map[string]any{
				"id":       fmt.Sprintf("user-%d", rng.IntN(1000)),
				"activity": activity,
			},
		}

		var expected []string
		if device == "mobile" {
			expected = append(expected, "rule-mobile-optimization")
		}
		if speed == "slow" {
			expected = append(expected, "rule-low-network-optimization")
		}
		if battery < 20 {
			expected = append(expected, "rule-battery-saving")
		}
		if workHours {
			expected = append(expected, "rule-work-hours-focus")
		}
		if activity == "idle" {
			expected = append(expected, "rule-idle-mode")
		}

		samples = append(samples, Sample{Context: rc, Expected: expected})
	}
	return samples
}

func runBenchmark(samples []Sample, url string, numWorkers int, evaluateOnly, verbose bool) *Metrics {
	metrics := &Metrics{
		latencies: make([]time.Duration, 0, len(samples)),
		matches:   make(map[string]int64),
	}

	work := make(chan Sample, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for sample := range work {
				start := time.Now()
				report, err := postContext(client, url, sample.Context, evaluateOnly)
				elapsed := time.Since(start)

				atomic.AddInt64(&metrics.TotalProcessed, 1)
				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %v\n", err)
					}
					continue
				}

				var matched []string
				for _, ev := range report.Evaluations {
					if ev.Matched {
						matched = append(matched, ev.RuleID)
					}
				}
				for _, res := range report.Results {
					atomic.AddInt64(&metrics.ActionsRun, 1)
					if !res.Success {
						atomic.AddInt64(&metrics.ActionsFailed, 1)
					}
				}
				metrics.record(elapsed, matched)

				if !sameRules(matched, sample.Expected) {
					atomic.AddInt64(&metrics.Mismatches, 1)
					if verbose {
						fmt.Printf("✗ expected %v, matched %v\n", sample.Expected, matched)
					}
				}
			}
		}()
	}

	for _, s := range samples {
		work <- s
	}
	close(work)

	wg.Wait()
	return metrics
}

// postContext sends rc and normalizes both endpoints to a report. /evaluate
// answers with a run whose results become the report's evaluations.
func postContext(client *http.Client, url string, rc domain.Context, evaluateOnly bool) (*domain.ExecutionReport, error) {
	body, err := json.Marshal(rc)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	if evaluateOnly {
		var run domain.EvaluationRun
		if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
			return nil, err
		}
		return &domain.ExecutionReport{ID: run.ID, Evaluations: run.Results}, nil
	}

	var report domain.ExecutionReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, err
	}
	return &report, nil
}

func sameRules(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	a := slices.Clone(got)
	b := slices.Clone(want)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	ok := m.TotalProcessed - m.TotalErrors

	fmt.Printf("\n📊 REQUESTS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Succeeded:        %d\n", ok)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	fmt.Printf("   Mismatches:       %d\n", m.Mismatches)
	fmt.Printf("   Actions Run:      %d (%d failed)\n", m.ActionsRun, m.ActionsFailed)

	latencies := slices.Clone(m.latencies)
	slices.Sort(latencies)

	fmt.Printf("\n⚡ PERFORMANCE\n")
	fmt.Printf("   Total Time:       %s\n", duration.Round(time.Millisecond))
	if duration > 0 {
		fmt.Printf("   Throughput:       %.1f req/s\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Printf("   Latency p50:      %s\n", percentile(latencies, 0.50))
	fmt.Printf("   Latency p90:      %s\n", percentile(latencies, 0.90))
	fmt.Printf("   Latency p99:      %s\n", percentile(latencies, 0.99))
	if len(latencies) > 0 {
		fmt.Printf("   Latency max:      %s\n", latencies[len(latencies)-1])
	}

	type ruleCount struct {
		id    string
		count int64
	}
	counts := make([]ruleCount, 0, len(m.matches))
	for id, n := range m.matches {
		counts = append(counts, ruleCount{id, n})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].id < counts[j].id
	})

	fmt.Printf("\n🎯 RULE MATCHES\n")
	for _, c := range counts {
		share := 0.0
		if ok > 0 {
			share = 100 * float64(c.count) / float64(ok)
		}
		fmt.Printf("   %-32s %8d (%5.1f%%)\n", c.id, c.count, share)
	}

	fmt.Println()
	if m.Mismatches > 0 || m.TotalErrors > 0 {
		fmt.Println("✗ Some contexts did not match as expected")
		os.Exit(1)
	}
	fmt.Println("✓ Every context matched the expected rules")
}
