package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"

	"github.com/go-i2p/dbpool/lib/core"
	"github.com/go-i2p/dbpool/lib/pool"
)

// benchResult summarizes a load test.
type benchResult struct {
	Requests  int
	Errors    int
	Elapsed   time.Duration
	Latencies []time.Duration
	LastError error
}

// Throughput returns completed requests per second.
func (r benchResult) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Requests) / r.Elapsed.Seconds()
}

// ErrorRate returns the failed fraction of requests.
func (r benchResult) ErrorRate() float64 {
	if r.Requests == 0 {
		return 0
	}
	return float64(r.Errors) / float64(r.Requests)
}

// Percentile returns the p-th latency percentile, p in [0,100].
func (r benchResult) Percentile(p float64) time.Duration {
	if len(r.Latencies) == 0 {
		return 0
	}
	sorted := slices.Clone(r.Latencies)
	slices.Sort(sorted)
	idx := int(p / 100 * float64(len(sorted)-1))
	return sorted[idx]
}

// runLoad issues n calls of op from c workers. done is called after each.
func runLoad(ctx context.Context, n, c int, op func(context.Context) error, done func()) benchResult {
	if c < 1 {
		c = 1
	}

	var (
		next      atomic.Int64
		errs      atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, n)
		lastErr   error
		wg        sync.WaitGroup
	)

	start := time.Now()
	for w := 0; w < c; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for next.Add(1) <= int64(n) {
				if ctx.Err() != nil {
					return
				}
				t := time.Now()
				err := op(ctx)
				d := time.Since(t)

				mu.Lock()
				latencies = append(latencies, d)
				if err != nil {
					lastErr = err
				}
				mu.Unlock()
				if err != nil {
					errs.Add(1)
				}
				if done != nil {
					done()
				}
			}
		}()
	}
	wg.Wait()

	return benchResult{
		Requests:  len(latencies),
		Errors:    int(errs.Load()),
		Elapsed:   time.Since(start),
		Latencies: latencies,
		LastError: lastErr,
	}
}

// bench runs a concurrent query load against the configured database.
func bench(cfg *core.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	requests := fs.Int("n", 1000, "Number of queries")
	concurrency := fs.Int("c", 10, "Concurrent workers")
	query := fs.String("query", "", "Statement to run (default: the backend's ping)")
	timeout := fs.Duration("timeout", 5*time.Minute, "Overall time limit")
	quiet := fs.Bool("q", false, "Disable the progress bar")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	svc, stop, err := startQuiet(ctx, cfg, logger)
	if err != nil {
		red.Fprintf(os.Stderr, "failed to start: %v\n", err)
		return 1
	}
	defer stop()

	db := svc.DB()
	stmt := *query
	if stmt == "" {
		stmt = db.Dialect().Ping
	}

	var bar *progressbar.ProgressBar
	if !*quiet {
		bar = progressbar.NewOptions(*requests,
			progressbar.OptionSetDescription(fmt.Sprintf("%s x%d", stmt, *concurrency)),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
	}

	res := runLoad(ctx, *requests, *concurrency, func(ctx context.Context) error {
		_, err := db.Execute(ctx, stmt)
		return err
	}, func() {
		if bar != nil {
			_ = bar.Add(1)
		}
	})
	if bar != nil {
		_ = bar.Finish()
	}

	renderBench(os.Stdout, res, svc.PoolStats())
	if tokens, ok := svc.BudgetTokens(); ok {
		fmt.Printf("Retry budget remaining: %.1f tokens\n", tokens)
	}

	if res.LastError != nil {
		logger.Debug("last bench error", "error", res.LastError)
	}
	return verdict(os.Stdout, res)
}

func renderBench(w io.Writer, r benchResult, ps pool.Stats) {
	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	rows := [][]string{
		{"Requests", fmt.Sprint(r.Requests)},
		{"Errors", fmt.Sprintf("%d (%.2f%%)", r.Errors, r.ErrorRate()*100)},
		{"Elapsed", r.Elapsed.Round(time.Millisecond).String()},
		{"Throughput", fmt.Sprintf("%.0f q/s", r.Throughput())},
		{"P50", r.Percentile(50).String()},
		{"P95", r.Percentile(95).String()},
		{"P99", r.Percentile(99).String()},
		{"Pool connections", fmt.Sprintf("%d (limit %d)", ps.TotalConnections, ps.Limit)},
		{"Pool avg wait", ps.AvgWait.String()},
		{"Acquire failures", fmt.Sprint(ps.AcquireFailed)},
	}
	for _, row := range rows {
		_ = table.Append(row[0], row[1])
	}
	if err := table.Render(); err != nil {
		red.Fprintln(w, "Error rendering bench table")
	}
}

// verdict prints a coloured summary and returns the exit code:
// 0 without errors, 2 under 5% errors, 1 otherwise.
func verdict(w io.Writer, r benchResult) int {
	switch rate := r.ErrorRate(); {
	case r.Requests == 0:
		red.Fprintln(w, "FAIL: no requests completed")
		return 1
	case rate == 0:
		green.Fprintln(w, "PASS")
		return 0
	case rate < 0.05:
		yellow.Fprintf(w, "WARN: %.2f%% errors\n", rate*100)
		return 2
	default:
		red.Fprintf(w, "FAIL: %.2f%% errors\n", rate*100)
		return 1
	}
}
