package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/askcache/internal/api"
	"github.com/kalambet/askcache/internal/cache"
	"github.com/kalambet/askcache/internal/config"
	"github.com/kalambet/askcache/internal/durable"
	"github.com/kalambet/askcache/internal/storage"
	"github.com/kalambet/askcache/internal/turso"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the askcache server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running askcache server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show askcache system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "askcache.pid")
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

// openStore builds the durable store for the resolved backend. A nil store
// means memory-only operation.
func openStore(cfg config.Config, log *slog.Logger) (durable.Store, string, error) {
	backend := cfg.ResolveBackend()
	switch backend {
	case "turso":
		store, err := turso.NewStore(cfg.Turso.DatabaseURL, cfg.Turso.AuthToken, log)
		if err != nil {
			return nil, backend, fmt.Errorf("building turso store: %w", err)
		}
		return store, backend, nil
	case "sqlite":
		store, err := storage.Open(cfg.Storage.DataDir, log)
		if err != nil {
			return nil, backend, fmt.Errorf("opening local store: %w", err)
		}
		return store, backend, nil
	default:
		return nil, backend, nil
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "askcache version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("askcache is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("askcache is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the durable store; a failure here degrades to memory-only rather
	// than aborting startup.
	store, backend, err := openStore(cfg, slog.Default())
	if err != nil {
		slog.Warn("durable store unavailable, continuing memory-only", "backend", backend, "error", err)
		store = nil
	} else {
		slog.Info("storage backend selected", "backend", backend)
	}

	svc := cache.New(ctx, store, cache.Options{
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		MaxEntriesPerKey:    cfg.Cache.MaxEntriesPerKey,
		Logger:              slog.Default(),
	})
	defer func() {
		if err := svc.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing cache: %v\n", err)
		}
	}()

	// API bearer token: configured value, or an ephemeral one for this run.
	apiToken := cfg.Server.APIToken
	if apiToken == "" {
		apiToken = uuid.New().String()
		slog.Warn("no API token configured, generated ephemeral token", "token", apiToken)
	}

	handler := api.NewHandler(api.Deps{Cache: svc, Token: apiToken})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server on stdio transport.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Cache: svc})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "askcache listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
		printError("askcache is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop askcache (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to askcache (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
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
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
			running = true
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Backend", "%s", cfg.ResolveBackend())
	printStatus("Similarity threshold", "%.2f", cfg.Cache.SimilarityThreshold)
	printStatus("Max entries per key", "%d", cfg.Cache.MaxEntriesPerKey)

	if running {
		if apiClient, err := newAPIClient(); err == nil {
			if stats, err := fetchStats(apiClient); err == nil {
				printStatus("Cached entries", "%d", stats.TotalEntries)
				if stats.DurableConnected {
					printStatus("Durable store", "connected")
				} else {
					printStatus("Durable store", "unavailable (memory-only)")
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
