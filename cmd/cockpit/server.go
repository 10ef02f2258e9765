package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/allensfl/coaching-cockpit/internal/api"
	"github.com/allensfl/coaching-cockpit/internal/cache"
	"github.com/allensfl/coaching-cockpit/internal/coach"
	"github.com/allensfl/coaching-cockpit/internal/composer"
	"github.com/allensfl/coaching-cockpit/internal/config"
	"github.com/allensfl/coaching-cockpit/internal/journal"
	"github.com/allensfl/coaching-cockpit/internal/metrics"
	"github.com/allensfl/coaching-cockpit/internal/ratelimit"
	"github.com/allensfl/coaching-cockpit/internal/relay"
	"github.com/allensfl/coaching-cockpit/internal/storage"
	"github.com/allensfl/coaching-cockpit/internal/upstream"
	"github.com/allensfl/coaching-cockpit/internal/validate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the cockpit server (foreground)",
	Long: `Start the cockpit server in the foreground.

With --mcp the orchestrator is also exposed as an MCP server over stdio;
logs and status lines then go to stderr only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running cockpit server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cockpit system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "cockpit.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// newLogger builds the process logger from the log.* settings.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(cfg.Level, "debug") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newBackend selects the completion backend for upstream.provider.
func newBackend(cfg config.Config) upstream.Backend {
	if cfg.Upstream.Provider == config.ProviderOllama {
		return upstream.NewOllama(cfg.Upstream.BaseURL, cfg.Upstream.Model)
	}
	return upstream.NewOpenAI(cfg.Upstream.APIKey, cfg.Upstream.BaseURL, cfg.Upstream.Model)
}

func newUpstreamClient(cfg config.Config, logger *slog.Logger) *upstream.Client {
	policy := upstream.DefaultPolicy()
	policy.MaxAttempts = cfg.Upstream.MaxAttempts
	return upstream.NewClient(newBackend(cfg), upstream.Config{
		Policy:         policy,
		AttemptTimeout: cfg.UpstreamTimeout(),
		Production:     cfg.Production(),
		Logger:         logger,
	})
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "cockpit version %s\n", version)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: reading .env: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("getting API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice. Check the health endpoint before claiming the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("cockpit is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("cockpit is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Upstream.Provider == config.ProviderOllama {
		if err := upstream.NewOllama(cfg.Upstream.BaseURL, cfg.Upstream.Model).EnsureReady(ctx, os.Stderr); err != nil {
			slog.Warn("ollama not ready, coaching requests will return fallbacks", "error", err)
		}
	}

	var (
		store  *storage.Store
		writer *journal.Writer
	)
	if cfg.Journal.Enabled {
		store, err = storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
			}
		}()
		writer = journal.NewWriter(store, cfg.Journal.QueueSize, logger)
	}

	limiter := ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimitWindow())
	coachDeps := coach.Deps{
		Validator:        validate.New(),
		Limiter:          limiter,
		Cache:            cache.New[coach.Reply](cfg.Cache.MaxEntries),
		Composer:         composer.New(0),
		Upstream:         newUpstreamClient(cfg, logger),
		Metrics:          metrics.NewSink(cfg.Metrics.MaxRecords, logger),
		QualityThreshold: cfg.Cache.QualityThreshold,
		Logger:           logger,
	}
	if writer != nil {
		coachDeps.Journal = writer
	}
	svc := coach.New(coachDeps)

	mailbox := relay.NewMailbox(cfg.Relay.MaxMessages, cfg.Relay.MaxSessions, cfg.RelayIdleTimeout())

	apiDeps := api.Deps{
		Coach:          svc,
		Relay:          mailbox,
		Token:          apiToken,
		AllowedOrigins: cfg.Origins(),
		Logger:         logger,
	}
	mcpDeps := api.MCPDeps{Coach: svc, Version: version}
	if store != nil {
		apiDeps.Store = store
		apiDeps.Journal = writer
		mcpDeps.Store = store
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(apiDeps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		mailbox.Run(gctx)
		return nil
	})
	if writer != nil {
		g.Go(func() error {
			writer.Run(gctx)
			return nil
		})
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(mcpDeps))
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "cockpit listening on %s (provider %s, mode %s)\n",
			addr, cfg.Upstream.Provider, cfg.App.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("cockpit is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop cockpit (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to cockpit (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Mode", "%s", cfg.App.Mode)
	printStatus("Provider", "%s (%s)", cfg.Upstream.Provider, cfg.Upstream.Model)
	switch cfg.Upstream.Provider {
	case config.ProviderOllama:
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if upstream.NewOllama(cfg.Upstream.BaseURL, cfg.Upstream.Model).IsRunning(checkCtx) {
			printStatus("Ollama", "running at %s", cfg.Upstream.BaseURL)
		} else {
			printStatus("Ollama", "not running at %s", cfg.Upstream.BaseURL)
		}
	default:
		if cfg.Upstream.APIKey == "" {
			printStatus("API key", "%s", colorize(colorYellow, "missing"))
		} else {
			printStatus("API key", "configured")
		}
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			if m, err := fetchMetrics(ctx, c, 1); err == nil {
				printStatus("Requests", "%s", summaryLine(m.Summary))
				printStatus("Cache", "%d entries, %d hits, %d misses", m.Cache.Entries, m.Cache.Hits, m.Cache.Misses)
			}
		}
	}

	if cfg.Journal.Enabled {
		printStatus("Journal", "enabled")
	} else {
		printStatus("Journal", "disabled")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
