package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	goAuthClient "github.com/MrEthical07/goAuthClient"
	"github.com/MrEthical07/goAuthClient/backendtest"
	"github.com/MrEthical07/goAuthClient/metrics/export/prometheus"
	"github.com/alicebob/miniredis/v2"
	"github.com/common-nighthawk/go-figure"
	"github.com/redis/go-redis/v9"
)

const password = "load-password-123"

func main() {
	var (
		clients     = flag.Int("clients", 64, "number of independent client sessions")
		concurrency = flag.Int("concurrency", 128, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "requests per phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		dumpMetrics = flag.Bool("metrics", false, "print the first client's metrics in Prometheus format")
	)
	flag.Parse()

	if *clients <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "clients, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	figure.NewFigure("authclient", "cybermedium", true).Print()
	fmt.Println()

	ctx := context.Background()

	client, cleanup, err := openRedis(*redisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	srv, err := backendtest.New(backendtest.Options{AccessTTL: time.Hour})
	if err != nil {
		fmt.Fprintf(os.Stderr, "backend: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()

	fmt.Printf("logging in %d clients...\n", *clients)
	startSeed := time.Now()
	controllers := make([]*goAuthClient.Controller, *clients)
	for i := range controllers {
		email := fmt.Sprintf("user-%d@load.test", i)
		if _, err := srv.AddUser(email, password, fmt.Sprintf("User %d", i)); err != nil {
			fmt.Fprintf(os.Stderr, "add user: %v\n", err)
			os.Exit(1)
		}
		c, err := newController(srv.URL(), client, i)
		if err != nil {
			fmt.Fprintf(os.Stderr, "build controller: %v\n", err)
			os.Exit(1)
		}
		if _, err := c.Login(ctx, goAuthClient.Credentials{Email: email, Password: password}); err != nil {
			fmt.Fprintf(os.Stderr, "login %s: %v\n", email, err)
			os.Exit(1)
		}
		controllers[i] = c
	}
	fmt.Printf("logged in in %s\n", time.Since(startSeed).Round(time.Millisecond))

	url := srv.URL() + "/api/groups"
	steady := runPhase(ctx, controllers, url, *ops, *concurrency)

	srv.ExpireAccessTokens()
	before := srv.RefreshCalls()
	storm := runPhase(ctx, controllers, url, *ops, *concurrency)
	refreshes := srv.RefreshCalls() - before

	restart := runRestartPhase(ctx, controllers, srv.URL(), client)

	fmt.Println("---- results ----")
	printStats("requests", steady)
	printStats("refresh-storm", storm)
	printStats("restart", restart)
	fmt.Printf("refreshes during storm: %d for %d clients\n", refreshes, *clients)

	if *dumpMetrics {
		fmt.Println("---- metrics (client 0) ----")
		fmt.Print(prometheus.NewPrometheusExporter(controllers[0]).Render())
	}
	for _, c := range controllers {
		c.Close()
	}
}

func openRedis(addr string) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		fmt.Printf("using redis at %s\n", addr)
		return client, func() { _ = client.Close() }, nil
	}

	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start miniredis: %w", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	fmt.Printf("using miniredis at %s\n", mr.Addr())
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

func newController(baseURL string, client redis.UniversalClient, i int) (*goAuthClient.Controller, error) {
	cfg := goAuthClient.DefaultConfig()
	cfg.API.BaseURL = baseURL
	cfg.Persistence.Namespace = fmt.Sprintf("load-%d", i)
	cfg.Metrics.EnableLatencyHistograms = true
	return goAuthClient.New().WithConfig(cfg).WithRedis(client).Build()
}

func runPhase(ctx context.Context, controllers []*goAuthClient.Controller, url string, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				c := controllers[r.Intn(len(controllers))]
				t0 := time.Now()
				err := get(ctx, c, url)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

// runRestartPhase replaces every controller with a fresh one that restores
// its session from Redis.
func runRestartPhase(ctx context.Context, controllers []*goAuthClient.Controller, baseURL string, client redis.UniversalClient) phaseStats {
	var failures int64
	latencies := make([]time.Duration, 0, len(controllers))

	start := time.Now()
	for i, old := range controllers {
		old.Close()
		t0 := time.Now()
		c, err := newController(baseURL, client, i)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rebuild controller: %v\n", err)
			os.Exit(1)
		}
		out, err := c.Bootstrap(ctx)
		latencies = append(latencies, time.Since(t0))
		if err != nil || out != goAuthClient.BootstrapAuthenticated {
			failures++
		}
		controllers[i] = c
	}
	return computeStats(time.Since(start), latencies, failures)
}

func get(ctx context.Context, c *goAuthClient.Controller, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.New(resp.Status)
	}
	return nil
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
