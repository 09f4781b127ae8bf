package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/developingchet/ai-lab-proxy/internal/config"
	"github.com/developingchet/ai-lab-proxy/internal/gateway"
	"github.com/developingchet/ai-lab-proxy/internal/logger"
	"github.com/developingchet/ai-lab-proxy/internal/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "ai-lab-proxy",
		Short:        "Rate-limited proxy for generative AI APIs",
		SilenceUsage: true,
	}
	root.AddCommand(
		runCmd(),
		healthcheckCmd(),
		versionCmd(),
		usageCmd(),
	)
	return root
}

// loadConfig loads an optional dotenv file into the process environment
// before reading configuration. Existing variables win.
func loadConfig(envFile string) (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	return config.Load()
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(envFile)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "load environment variables from a dotenv file")
	return cmd
}

func runDaemon(envFile string) error {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.Info().Str("version", Version).Str("store", cfg.StoreBackend).Msg("ai-lab-proxy starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := server.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	server.BinaryVersion = Version
	srv, err := server.New(cfg, store, log)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	return srv.Run(ctx)
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return checkHealth(cmd.Context(), healthURL(cfg.HealthAddr), cmd.OutOrStdout())
		},
	}
}

// healthURL turns a listen address such as ":8081" into a loopback URL.
func healthURL(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr + "/healthz"
}

func checkHealth(ctx context.Context, url string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned %d", resp.StatusCode)
	}
	fmt.Fprintln(out, "healthy")
	return nil
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ai-lab-proxy %s\n", Version)
		},
	}
}

// usageCmd lists stored usage documents for one category.
func usageCmd() *cobra.Command {
	var (
		envFile  string
		category string
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "List per-client usage documents for a category",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(envFile)
			if err != nil {
				return err
			}
			store, err := server.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			docs, err := store.ListUsage(cmd.Context(), category)
			if err != nil {
				return fmt.Errorf("list usage: %w", err)
			}
			return printUsage(cmd.OutOrStdout(), docs)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "load environment variables from a dotenv file")
	cmd.Flags().StringVar(&category, "category", gateway.CategoryCalorie,
		fmt.Sprintf("rate limit category %v", gateway.Categories))
	return cmd
}
