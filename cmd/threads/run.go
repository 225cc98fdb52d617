package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Swind/go-worker-threads/config"
	"github.com/Swind/go-worker-threads/core"
	promexp "github.com/Swind/go-worker-threads/observability/prometheus"
	"github.com/Swind/go-worker-threads/pool"
	"github.com/Swind/go-worker-threads/rpc"
	"github.com/Swind/go-worker-threads/stream"
	"github.com/Swind/go-worker-threads/tracing"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const version = "v0.1.0"

type runOptions struct {
	local     bool
	tasks     int
	fibBase   int
	failEvery int
	stream    int
	retries   int
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Queue demo tasks on a worker pool and print its events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			return runPool(cmd.Context(), cfg, opts)
		},
	}

	flags := cmd.Flags()
	flags.Int("pool-size", defaults.Pool.Size, "Number of workers (0 = one per CPU)")
	flags.Int("max-queued-tasks", defaults.Pool.MaxQueuedTasks, "Queue limit (0 = unbounded)")
	flags.String("metrics-addr", defaults.Metrics.Addr, "Serve /metrics and /healthz on this address")
	flags.String("trace-file", defaults.Trace.File, "Write OpenTelemetry spans to this file")
	flags.Duration("init-timeout", defaults.Worker.InitTimeout, "How long a worker may take to initialize")
	mustBind(root.v, "pool.size", flags.Lookup("pool-size"))
	mustBind(root.v, "pool.max-queued-tasks", flags.Lookup("max-queued-tasks"))
	mustBind(root.v, "metrics.addr", flags.Lookup("metrics-addr"))
	mustBind(root.v, "trace.file", flags.Lookup("trace-file"))
	mustBind(root.v, "worker.init-timeout", flags.Lookup("init-timeout"))

	flags.BoolVar(&opts.local, "local", false, "Run workers in-process instead of as child processes")
	flags.IntVar(&opts.tasks, "tasks", 8, "Number of fib tasks to queue")
	flags.IntVar(&opts.fibBase, "fib-base", 30, "Input of the first fib task; each next task adds one")
	flags.IntVar(&opts.failEvery, "fail-every", 0, "Make every n-th task fail (0 = never)")
	flags.IntVar(&opts.stream, "stream", 5, "Also queue a task streaming 1..n (0 = skip)")
	flags.IntVar(&opts.retries, "retries", 2, "Retries for the flaky task (negative = skip it)")
	return cmd
}

func runPool(parent context.Context, cfg *config.Config, opts *runOptions) (err error) {
	zl, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := core.NewZapLogger(zl)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Trace.File != "" {
		shutdown, terr := tracing.Init("threads", version, cfg.Trace.File)
		if terr != nil {
			return fmt.Errorf("init tracing: %w", terr)
		}
		defer func() { err = multierr.Append(err, shutdown(context.Background())) }()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := promexp.NewMetricsExporter(cfg.Metrics.Namespace, reg, promexp.ExporterOptions{})
	if err != nil {
		return err
	}

	rpcOpts := []rpc.Option{
		rpc.WithLogger(logger),
		rpc.WithMetrics(metrics),
		rpc.WithInitTimeout(cfg.Worker.InitTimeout),
	}
	spawn := pool.SpawnLocal(serveDemo, rpcOpts...)
	if !opts.local {
		spawn, err = processSpawner(cfg, rpcOpts)
		if err != nil {
			return err
		}
	}

	printer := newEventPrinter(os.Stdout)
	p, err := pool.New(ctx, spawn, cfg.Pool.Size,
		pool.WithName(cfg.Pool.Name),
		pool.WithMaxQueuedTasks(cfg.Pool.MaxQueuedTasks),
		pool.WithHistoryCapacity(cfg.Pool.HistoryCapacity),
		pool.WithLogger(logger),
		pool.WithMetrics(metrics),
		pool.WithEventSubscriber(printer.Print),
	)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), cfg.Worker.TerminateTimeout)
		defer cancel()
		err = multierr.Append(err, p.Terminate(tctx, false))
	}()

	poller, err := promexp.NewSnapshotPoller(cfg.Metrics.Namespace, reg, cfg.Metrics.PollInterval)
	if err != nil {
		return err
	}
	poller.AddPool(p.Name(), p)
	poller.AddLoop(p.Name()+"/scheduler", promexp.LoopStatsFunc(p.LoopStats))
	poller.Start(ctx)
	defer poller.Stop()

	if cfg.Metrics.Addr != "" {
		srv := newMetricsServer(cfg.Metrics.Addr, reg, p, zl)
		srv.Start()
		defer func() { err = multierr.Append(err, srv.Shutdown(context.Background())) }()
	}

	if err := queueDemo(ctx, p, opts, zl); err != nil {
		return err
	}

	errs, err := p.Settled(ctx, false)
	if err != nil {
		return err
	}
	printSummary(p, errs)
	return nil
}

// processSpawner starts each worker as "<this binary> worker".
func processSpawner(cfg *config.Config, rpcOpts []rpc.Option) (pool.SpawnFunc, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return pool.SpawnProcess(func(workerID int) *exec.Cmd {
		return exec.Command(exe, "worker", "--log-level", cfg.LogLevel, "--log-format", cfg.LogFormat)
	}, rpcOpts...), nil
}

func queueDemo(ctx context.Context, p *pool.Pool, opts *runOptions, logger *zap.Logger) error {
	for i := range opts.tasks {
		n := opts.fibBase + i
		method := "fib"
		if opts.failEvery > 0 && (i+1)%opts.failEvery == 0 {
			method = "fail"
		}
		if _, err := p.Queue(func(ctx context.Context, w *rpc.Lease) (any, error) {
			return w.Invoke(ctx, method, n)
		}); err != nil {
			return err
		}
	}

	if opts.stream > 0 {
		n := opts.stream
		if _, err := p.Queue(func(ctx context.Context, w *rpc.Lease) (any, error) {
			return collect(ctx, w, "countTo", n)
		}); err != nil {
			return err
		}
	}

	if opts.retries >= 0 {
		retryFlaky(ctx, p, opts.retries, logger)
	}
	return nil
}

// collect gathers every value of a streaming call.
func collect(ctx context.Context, w *rpc.Lease, method string, args ...any) ([]any, error) {
	var (
		mu     sync.Mutex
		values []any
	)
	end := make(chan error, 1)
	w.Observe(ctx, method, stream.Observer[any]{
		OnValue: func(v any) {
			mu.Lock()
			values = append(values, v)
			mu.Unlock()
		},
		OnError:    func(err error) { end <- err },
		OnComplete: func() { end <- nil },
	}, args...)

	select {
	case err := <-end:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	mu.Lock()
	defer mu.Unlock()
	return values, nil
}

// retryFlaky runs a task that fails the first time it lands on a worker,
// re-queueing it through pool.Retry. It blocks until the task gives up or succeeds.
func retryFlaky(ctx context.Context, p *pool.Pool, retries int, logger *zap.Logger) {
	policy := core.DefaultRetryPolicy()
	policy.MaxRetries = retries

	var mu sync.Mutex
	seen := map[string]bool{}
	v, err := pool.Retry(ctx, p, func(ctx context.Context, w *rpc.Lease) (any, error) {
		mu.Lock()
		first := !seen[w.ID()]
		seen[w.ID()] = true
		mu.Unlock()
		if first {
			return w.Invoke(ctx, "fail", "flaky first attempt")
		}
		return w.Invoke(ctx, "hello", "retry")
	}, policy)
	if err != nil {
		logger.Warn("flaky task gave up", zap.Error(err))
		return
	}
	logger.Info("flaky task recovered", zap.Any("result", v))
}

func printSummary(p *pool.Pool, errs []error) {
	stats := p.Stats()
	bold := color.New(color.Bold)
	bold.Printf("\n%s: %d completed, %d failed, %d canceled on %d workers\n",
		stats.Name, stats.Completed, stats.Failed, stats.Canceled, stats.Workers)
	for _, err := range errs {
		color.Red("  error: %v", err)
	}
	for _, rec := range p.RecentTasks(5) {
		fmt.Printf("  task %d on worker %d: %s in %s\n", rec.TaskID, rec.WorkerID, rec.Outcome, rec.Duration)
	}
}
