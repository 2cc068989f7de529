// Package cli builds the comfymw command tree: run, status, probe.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wiredfox/comfymw/internal/config"
	"github.com/wiredfox/comfymw/internal/httpapi"
	"github.com/wiredfox/comfymw/internal/metrics"
	"github.com/wiredfox/comfymw/internal/system"
)

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "comfymw",
		Short:   "comfymw: concurrency-managing middleware in front of image-processing workers",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildProbeCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the comfymw server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
	return cmd
}

func runServer() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := slog.Default().With("component", "cli")
	log.Info("starting comfymw", "port", cfg.Port, "workers", len(cfg.WorkerHosts))

	sys := system.New(cfg)
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Registry:  sys.Registry,
		Health:    sys.Health,
		Balancer:  sys.Balancer,
		Scheduler: sys.Scheduler,
		Metrics:   sys.Metrics,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sys.Run(ctx)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()

	if cfg.MetricsPort > 0 {
		go func() {
			if err := metrics.StartServer(cfg.MetricsPort); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, stopping gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", "error", err)
	}

	sys.Stop()
	cancel()

	log.Info("comfymw stopped")
	return nil
}

func buildStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running comfymw server's operational status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "base address of a running comfymw server")
	return cmd
}

func showStatus(addr string) error {
	resp, err := http.Get(addr + "/status")
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read status response: %w", err)
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	encoded, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(encoded))
	return nil
}

func buildProbeCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe <worker-base-url>",
		Short: "Issue a one-shot health probe against a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return probeWorker(args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "probe deadline")
	return cmd
}

func probeWorker(baseURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/system_stats", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		fmt.Printf("unreachable: %v (after %s)\n", err, elapsed)
		return err
	}
	defer resp.Body.Close()

	fmt.Printf("status=%d latency=%s\n", resp.StatusCode, elapsed)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("worker reported server error status %d", resp.StatusCode)
	}
	return nil
}
