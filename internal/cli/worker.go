package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/KafClaw/nexa/internal/dispatch"
	"github.com/KafClaw/nexa/internal/worker"
)

var (
	workerCount       int
	workerID          string
	workerMetricsAddr string
	workerOnce        bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the action executor until interrupted",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "workers", 0, "Concurrent workers in this process (default executor.workers)")
	workerCmd.Flags().StringVar(&workerID, "id", "", "Executor identity (default hostname plus random suffix)")
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "Drain eligible actions once and exit")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workerCount > 0 {
		cfg.Executor.Workers = workerCount
	}
	if workerID != "" {
		cfg.Executor.WorkerID = workerID
	}
	if workerMetricsAddr != "" {
		cfg.Metrics.Addr = workerMetricsAddr
	}
	recovery, err := cfg.Executor.RecoveryMode()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := slog.Default()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := worker.NewMetrics(reg)

	store, err := openStore(ctx, cfg, metrics.ObserveContention)
	if err != nil {
		return err
	}
	defer store.Close()

	adapters, err := buildAdapters(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	defer adapters.Close()

	render, err := dispatch.TemplateRenderer(cfg.Notify.Template)
	if err != nil {
		return err
	}
	dispatcher, err := dispatch.New(adapters.notify, adapters.escalate,
		dispatch.WithTimeout(cfg.Executor.DispatchTimeout()),
		dispatch.WithRenderer(render))
	if err != nil {
		return err
	}

	identity := worker.NewIdentity(cfg.Executor.WorkerID)
	pool, err := worker.NewPool(identity, cfg.Executor.Workers, func(id string) (*worker.Worker, error) {
		return worker.New(store, dispatcher, worker.Options{
			ID:           id,
			LeaseTimeout: cfg.Executor.LeaseTimeout(),
			PollInterval: cfg.Executor.PollInterval(),
			Recovery:     recovery,
			Logger:       logger,
			Metrics:      metrics,
		})
	})
	if err != nil {
		return err
	}

	if workerOnce {
		n, err := drain(ctx, pool.Workers()[0])
		fmt.Fprintf(cmd.OutOrStdout(), "Processed %d action(s)\n", n)
		return err
	}

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	printHeader(cmd.OutOrStdout(), "⚙️ nexa worker")
	logger.Info("Starting executor", "identity", identity, "workers", cfg.Executor.Workers, "store", cfg.Database.Path)
	if err := pool.Run(ctx); err != nil {
		return err
	}
	logger.Info("Executor stopped")
	return nil
}

// drain runs iterations until the store has nothing eligible.
func drain(ctx context.Context, w *worker.Worker) (int, error) {
	n := 0
	for ctx.Err() == nil {
		out, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if out == worker.OutcomeIdle {
			break
		}
		n++
	}
	return n, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics endpoint failed", "error", err)
		}
	}()
	return srv
}
