package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
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

	"github.com/kalambet/scopedrag/internal/api"
	"github.com/kalambet/scopedrag/internal/config"
	"github.com/kalambet/scopedrag/internal/engine"
	"github.com/kalambet/scopedrag/internal/eval"
	"github.com/kalambet/scopedrag/internal/processor"
	"github.com/kalambet/scopedrag/internal/retrieval"
	"github.com/kalambet/scopedrag/internal/rewrite"
	"github.com/kalambet/scopedrag/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scopedrag server (foreground)",
	Long: `Start the HTTP API, the memo processor workers and the stale-claim
sweeper. With server.mcp_enabled the MCP tools are served on stdio as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running scopedrag server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, engine and storage status",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		return showStatus(cmd.Context(), project)
	},
}

func init() {
	statusCmd.Flags().String("project", "", "also show memo counts for this project")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "scopedrag.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "scopedrag version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("scopedrag is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("scopedrag is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Detect(engine.DetectConfig{
		Provider:      cfg.Engine.Provider,
		OllamaBaseURL: cfg.Ollama.BaseURL,
		OpenAIAPIKey:  cfg.OpenAI.APIKey,
		OpenAIBaseURL: cfg.OpenAI.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, []string{cfg.ChatModel(), cfg.EmbedModel()}, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	var cache rewrite.Cache
	if cfg.Rewrite.RedisURL != "" {
		client, err := rewrite.NewRedisClient(ctx, cfg.Rewrite.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting rewrite cache: %w", err)
		}
		defer client.Close()
		cache = rewrite.NewRedisCache(client, cfg.Rewrite.CacheTTL)
		slog.Info("rewrite cache: redis")
	} else {
		cache = rewrite.NewMemoryCache(cfg.Rewrite.CacheTTL)
	}

	rewriter := rewrite.New(eng, rewrite.Config{
		Model:   cfg.ChatModel(),
		Timeout: cfg.Rewrite.Timeout,
		Cache:   cache,
		Logger:  logger.With("component", "rewrite"),
	})
	embedder := retrieval.NewEmbedder(eng, cfg.EmbedModel())
	retriever := retrieval.NewRetriever(store, retrieval.NewSQLiteIndex(store.ReadDB()), embedder, rewriter, retrieval.Config{
		DefaultTopK: cfg.Retrieval.TopK,
		Timeout:     cfg.Retrieval.Timeout,
		Logger:      logger.With("component", "retrieval"),
	})
	proc := processor.New(store, embedder, processor.Config{
		Workers:       cfg.Processor.Workers,
		PollInterval:  cfg.Processor.PollInterval,
		ClaimTTL:      cfg.Processor.ClaimTTL,
		MaxAttempts:   cfg.Processor.MaxAttempts,
		SweepSchedule: cfg.Processor.SweepSchedule,
		Logger:        logger.With("component", "processor"),
	})
	evaluator := eval.New(store, retriever, eval.Config{
		Concurrency: cfg.Eval.Concurrency,
		Logger:      logger.With("component", "eval"),
	})

	if err := proc.StartSweeper(ctx); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		proc.Run(ctx)
	}()

	if cfg.API.Token == "" {
		slog.Warn("api.token is not set; the HTTP API accepts unauthenticated requests",
			"env", "SCOPEDRAG_API_TOKEN")
	}
	handler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Processor: proc,
		Retriever: retriever,
		Eval:      evaluator,
		Token:     cfg.API.Token,
	})

	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Memos:     store,
			Submitter: proc,
			Retriever: retriever,
			Eval:      evaluator,
			Version:   version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("scopedrag listening", "addr", addr, "engine", eng.Name())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			stop()
			<-workersDone
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	// Workers leave in-flight claims to expire; the sweeper requeues them.
	<-workersDone
	return err
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
		printError("scopedrag is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop scopedrag (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to scopedrag (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context, projectID string) error {
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
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Engine", "%s", cfg.Engine.Provider)
	printStatus("Chat model", "%s", cfg.ChatModel())
	printStatus("Embed model", "%s", cfg.EmbedModel())
	if cfg.Rewrite.RedisURL != "" {
		printStatus("Rewrite cache", "redis")
	} else {
		printStatus("Rewrite cache", "in-process")
	}

	if running && projectID != "" {
		ac := &apiClient{baseURL: serverURL, token: cfg.API.Token, httpClient: client}
		statsResp, err := ac.get(ctx, "/projects/"+projectID+"/stats")
		if err == nil {
			var stats struct {
				Memos map[string]int `json:"memos"`
			}
			if err := decodeJSON(statsResp, &stats); err == nil {
				b, _ := json.Marshal(stats.Memos)
				printStatus("Memos", "%s", b)
			} else {
				printStatus("Memos", "unavailable: %v", err)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Config file", "%s", config.ConfigFilePath())
	return nil
}
