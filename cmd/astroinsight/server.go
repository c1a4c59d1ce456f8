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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astroinsight/astroinsight/internal/api"
	"github.com/astroinsight/astroinsight/internal/cache"
	"github.com/astroinsight/astroinsight/internal/config"
	"github.com/astroinsight/astroinsight/internal/llm"
	"github.com/astroinsight/astroinsight/internal/papers"
	"github.com/astroinsight/astroinsight/internal/queue"
	"github.com/astroinsight/astroinsight/internal/research"
	"github.com/astroinsight/astroinsight/internal/review"
	"github.com/astroinsight/astroinsight/internal/store"
	"github.com/astroinsight/astroinsight/internal/submit"
	"github.com/astroinsight/astroinsight/internal/task"
	"github.com/astroinsight/astroinsight/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the astroinsight server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker pool only (no API surfaces)",
	Long: `Runs task executors against the configured store and queue without the
MCP or HTTP servers. Useful with the redis queue backend, where submission
and execution run in separate processes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running astroinsight server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show astroinsight system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "astroinsight.pid")
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

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openStore(cfg config.Config) (store.TaskStore, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return store.OpenSQLite(cfg.Storage.DataDir)
	case "bolt":
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return nil, err
		}
		return store.OpenBolt(filepath.Join(cfg.Storage.DataDir, "tasks.db"))
	default:
		return store.NewMemoryStore(), nil
	}
}

func openQueue(ctx context.Context, cfg config.Config) (queue.Queue, error) {
	if cfg.Queue.Backend == "redis" {
		return queue.NewRedis(ctx, queue.RedisOptions{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
	}
	return queue.NewMemory(cfg.Queue.Capacity), nil
}

func openCache(ctx context.Context, cfg config.Config) (cache.Cache, error) {
	if cfg.Cache.Backend == "redis" {
		return cache.NewRedis(ctx, cache.RedisOptions{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
			TTL:      cfg.Cache.TTL.Std(),
		})
	}
	return cache.NewMemory(cfg.Cache.Capacity, cfg.Cache.TTL.Std()), nil
}

// buildCore wires the task intake service, handlers and worker pool that
// both the full server and the worker-only process share.
func buildCore(cfg config.Config, st store.TaskStore, q queue.Queue, c cache.Cache) (*submit.Service, *research.Reviewer, *papers.Client, *worker.Pool, error) {
	model, err := llm.NewOpenAIClient(llm.Config{
		APIKey:    cfg.LLM.APIKey,
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("configuring llm client: %w", err)
	}
	arxiv := papers.NewClient()
	fetcher := papers.NewPDFFetcher(nil)

	svc := submit.NewService(st, q, c, slog.Default())
	svc.SetMaxAttempts(cfg.Worker.MaxAttempts)

	reviewer := research.NewReviewer(model)
	reg := worker.NewRegistry()
	reg.Register(task.KindDraftIdea, research.NewDrafter(model, arxiv, slog.Default()))
	reg.Register(task.KindReviewIdea, reviewer)
	reg.Register(task.KindExtractKeywords, research.NewKeywordExtractor(model))
	reg.Register(task.KindCompressContent, research.NewCompressor(model, fetcher))
	orch := review.NewOrchestrator(svc, slog.Default())
	orch.SetMaxRounds(cfg.Review.MaxRounds)
	reg.Register(task.KindGenerateIdea, orch)

	pool := worker.New(st, q, reg, c, worker.Config{
		Size:         cfg.Worker.Size,
		Lease:        cfg.Worker.Lease.Std(),
		TaskTimeout:  cfg.Worker.TaskTimeout.Std(),
		ReapInterval: cfg.Worker.ReapInterval.Std(),
		RecordTTL:    cfg.Worker.RecordTTL.Std(),
		Backoff: worker.Backoff{
			Base: cfg.Worker.BackoffBase.Std(),
			Max:  cfg.Worker.BackoffMax.Std(),
		},
	})
	return svc, reviewer, arxiv, pool, nil
}

func runWorker() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer q.Close()

	c, err := openCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer c.Close()

	_, _, _, pool, err := buildCore(cfg, st, q, c)
	if err != nil {
		return err
	}
	return pool.Run(ctx)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "astroinsight version %s\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	})))

	// Refuse to start twice. The health endpoint is the source of truth;
	// the PID file may be stale after a crash.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("astroinsight is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("astroinsight is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage, queue, cache.
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing store: %v\n", err)
		}
	}()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer q.Close()

	c, err := openCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer c.Close()

	svc, reviewer, arxiv, pool, err := buildCore(cfg, st, q, c)
	if err != nil {
		return err
	}

	// API surfaces.
	appHandler := api.NewAppHandler(api.AppDeps{
		Submit:  svc,
		Token:   cfg.Server.Token,
		Version: version,
	})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Submit:   svc,
		Searcher: arxiv,
		Reviewer: reviewer,
		Version:  version,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp stdio server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("astroinsight listening", "addr", addr, "workers", cfg.Worker.Size)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
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
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("astroinsight is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop astroinsight (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to astroinsight (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Model", "%s", cfg.LLM.Model)
	if cfg.LLM.BaseURL != "" {
		printStatus("Endpoint", "%s", cfg.LLM.BaseURL)
	}
	printStatus("Storage", "%s", cfg.Storage.Backend)
	printStatus("Queue", "%s", cfg.Queue.Backend)
	printStatus("Workers", "%d", cfg.Worker.Size)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
