package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/client"
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/fystack/mpcium-guardian/pkg/types"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

type OperationResult struct {
	ID          string
	Duration    time.Duration
	Success     bool
	ErrorCode   types.ErrorCode
	ErrorReason string
}

type BenchmarkResult struct {
	TotalOperations  int
	SuccessfulOps    int
	FailedOps        int
	TotalTime        time.Duration
	AverageTime      time.Duration
	MedianTime       time.Duration
	P95Time          time.Duration
	ErrorRate        float64
	OperationsPerMin float64
	Errors           map[types.ErrorCode]int
}

// operation submits one request and returns its session id and expected response count.
type operation func(ctx context.Context, c *client.Client, i int) (string, int, error)

func parseNumOps(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid number of operations: %s", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("number of operations must be positive")
	}
	return n, nil
}

func runKeygenBenchmark(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() < 1 {
		return fmt.Errorf("missing required argument: num_operations")
	}
	n, err := parseNumOps(cmd.Args().Get(0))
	if err != nil {
		return err
	}
	policy := guardianPolicy(cmd)

	return runBenchmark(ctx, cmd, "Keygen", n, func(ctx context.Context, c *client.Client, i int) (string, int, error) {
		sid, err := c.Keygen(ctx, &types.KeygenMessage{
			SessionParams: types.SessionParams{KeyID: "bench-" + uuid.Must(uuid.NewV7()).String()},
			Policy:        policy,
		})
		return sid, len(policy.Participants), err
	})
}

func runSignBenchmark(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() < 2 {
		return fmt.Errorf("missing required arguments: num_operations and key_id")
	}
	n, err := parseNumOps(cmd.Args().Get(0))
	if err != nil {
		return err
	}
	keyID := cmd.Args().Get(1)
	policy := signingPolicy(guardianPolicy(cmd), cmd.StringSlice("signers"))

	return runBenchmark(ctx, cmd, "Sign", n, func(ctx context.Context, c *client.Client, i int) (string, int, error) {
		tx := make([]byte, 32)
		if _, err := rand.Read(tx); err != nil {
			return "", 0, err
		}
		sid, err := c.Sign(ctx, &types.SigningMessage{
			SessionParams: types.SessionParams{KeyID: keyID},
			Policy:        policy,
			TxID:          fmt.Sprintf("bench-tx-%d-%d", time.Now().UnixNano(), i),
			Tx:            tx,
		})
		return sid, len(policy.Participants), err
	})
}

func runBenchmark(ctx context.Context, cmd *cli.Command, name string, n int, op operation) error {
	timeout := time.Duration(cmd.Int("timeout")) * time.Second
	batchSize := max(cmd.Int("batch-size"), 1)

	c, cleanup, err := createClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	totalBatches := (n + batchSize - 1) / batchSize
	fmt.Printf("Starting %s benchmark with %d operations (%d batches of %d)...\n", name, n, totalBatches, batchSize)

	var (
		mu      sync.Mutex
		results []OperationResult
	)
	start := time.Now()
	for batch := 0; batch < totalBatches; batch++ {
		g, gctx := errgroup.WithContext(ctx)
		for i := batch * batchSize; i < min((batch+1)*batchSize, n); i++ {
			g.Go(func() error {
				r := runOne(gctx, c, op, i, timeout)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		fmt.Printf("Batch %d/%d done, %d results\n", batch+1, totalBatches, len(results))
	}

	printBenchmarkResult(name, calculateBenchmarkResult(results, time.Since(start)))
	return nil
}

func runOne(ctx context.Context, c *client.Client, op operation, i int, timeout time.Duration) OperationResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	began := time.Now()
	sid, expected, err := op(ctx, c, i)
	if err != nil {
		return OperationResult{ID: sid, Duration: time.Since(began), ErrorCode: types.ErrorCodeInternal, ErrorReason: err.Error()}
	}
	resps, err := c.Await(ctx, sid, expected)
	r := OperationResult{ID: sid, Duration: time.Since(began), Success: true}
	if err != nil {
		r.Success = false
		r.ErrorCode = types.ErrorCodeFor(core.ErrTimeout)
		r.ErrorReason = err.Error()
		return r
	}
	for _, resp := range resps {
		if resp.Status != types.StatusCompleted {
			r.Success = false
			r.ErrorCode = resp.ErrorCode
			r.ErrorReason = resp.ErrorReason
			break
		}
	}
	return r
}

func calculateBenchmarkResult(results []OperationResult, total time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		TotalOperations: len(results),
		TotalTime:       total,
		Errors:          map[types.ErrorCode]int{},
	}
	var times []time.Duration
	for _, r := range results {
		if !r.Success {
			res.FailedOps++
			res.Errors[r.ErrorCode]++
			continue
		}
		res.SuccessfulOps++
		times = append(times, r.Duration)
	}
	if res.TotalOperations > 0 {
		res.ErrorRate = float64(res.FailedOps) / float64(res.TotalOperations) * 100
	}
	if total > 0 {
		res.OperationsPerMin = float64(res.SuccessfulOps) / total.Minutes()
	}
	if len(times) == 0 {
		return res
	}
	slices.Sort(times)
	var sum time.Duration
	for _, t := range times {
		sum += t
	}
	res.AverageTime = sum / time.Duration(len(times))
	res.MedianTime = times[len(times)/2]
	res.P95Time = times[min(len(times)-1, len(times)*95/100)]
	return res
}

func printBenchmarkResult(name string, r BenchmarkResult) {
	fmt.Printf("\n=== %s Benchmark Results ===\n", name)
	fmt.Printf("Total operations:  %d\n", r.TotalOperations)
	fmt.Printf("Successful:        %d\n", r.SuccessfulOps)
	fmt.Printf("Failed:            %d (%.2f%%)\n", r.FailedOps, r.ErrorRate)
	fmt.Printf("Total time:        %s\n", r.TotalTime.Round(time.Millisecond))
	fmt.Printf("Average latency:   %s\n", r.AverageTime.Round(time.Millisecond))
	fmt.Printf("Median latency:    %s\n", r.MedianTime.Round(time.Millisecond))
	fmt.Printf("P95 latency:       %s\n", r.P95Time.Round(time.Millisecond))
	fmt.Printf("Throughput:        %.2f ops/min\n", r.OperationsPerMin)
	for code, count := range r.Errors {
		fmt.Printf("  %s: %d\n", code, count)
	}
}
