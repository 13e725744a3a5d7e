package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/fingemma/internal/backend"
	"github.com/23skdu/fingemma/internal/config"
	"github.com/23skdu/fingemma/internal/generate"
	"github.com/23skdu/fingemma/internal/grpchealth"
	"github.com/23skdu/fingemma/internal/handlers"
	"github.com/23skdu/fingemma/internal/logger"
	"github.com/23skdu/fingemma/internal/metrics"
	"github.com/23skdu/fingemma/internal/modelsrc"
	"github.com/23skdu/fingemma/internal/session"
	"github.com/23skdu/fingemma/internal/tui"
)

var (
	configPath     = flag.String("config", "fingemma.toml", "Path to TOML config file")
	mode           = flag.String("mode", "", "ui, api or chat (overrides APP_MODE)")
	modelID        = flag.String("model", "", "Model id, local path or Ollama model name (overrides MODEL_ID)")
	localModelPath = flag.String("local-model-path", "", "Local model directory or GGUF file (overrides LOCAL_MODEL_PATH)")
	backendKind    = flag.String("backend", "", "Inference runtime: llamacpp or ollama")
	backendURL     = flag.String("backend-url", "", "Attach to a running runtime instead of launching llama-server")
	device         = flag.String("device", "", "Device label reported by /health (auto, cpu, cuda, metal)")
	host           = flag.String("host", "", "Host to bind to (overrides SERVER_NAME)")
	port           = flag.Int("port", 0, "HTTP server port (overrides PORT)")
	metricsPort    = flag.Int("metrics-port", 0, "Separate Prometheus metrics port, 0 to serve only on the main port")
	grpcPort       = flag.Int("grpc-port", 0, "gRPC health port, 0 to disable")
	allowedOrigins = flag.String("allowed-origins", "", "Comma-separated list of allowed CORS origins")
	logLevel       = flag.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	logFormat      = flag.String("log-format", "", "console or json")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("fingemma %s\n", handlers.Version)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Log.Fatal("fingemma failed", "error", err)
	}
}

// loadConfig layers defaults, the config file, the environment and flags, in
// increasing precedence.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	applyFlags(&cfg)
	return cfg, cfg.Validate()
}

func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = strings.ToLower(*mode)
		case "model":
			cfg.Model.ID = *modelID
		case "local-model-path":
			cfg.Model.LocalPath = *localModelPath
		case "backend":
			cfg.Backend.Kind = *backendKind
		case "backend-url":
			cfg.Backend.URL = *backendURL
		case "device":
			cfg.Backend.Device = *device
		case "host":
			cfg.Server.Host = *host
		case "port":
			cfg.Server.Port = *port
		case "metrics-port":
			cfg.Server.MetricsPort = *metricsPort
		case "grpc-port":
			cfg.Server.GRPCPort = *grpcPort
		case "allowed-origins":
			cfg.Server.AllowedOrigins = parseOrigins(*allowedOrigins)
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		}
	})
}

func parseOrigins(origins string) []string {
	var result []string
	for _, origin := range strings.Split(origins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func run(ctx context.Context, cfg config.Config) error {
	var chatLog string
	if cfg.Mode == config.ModeChat {
		// the terminal UI owns stdout and stderr
		chatLog = filepath.Join(os.TempDir(), "fingemma-chat.log")
		f, err := os.OpenFile(chatLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open chat log: %w", err)
		}
		defer f.Close()
		logger.Log = logger.New(f, cfg.Log.Format)
		fmt.Fprintf(os.Stderr, "Loading model, logs in %s\n", chatLog)
	}

	var health *grpchealth.Server
	if cfg.Server.GRPCPort > 0 {
		lis, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort)))
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		health = grpchealth.New()
		go func() {
			if err := health.Serve(lis); err != nil {
				logger.Log.Error("gRPC health server stopped", "error", err)
			}
		}()
		defer health.Stop()
	}

	if cfg.Server.MetricsPort > 0 {
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.MetricsPort))
		go func() {
			logger.Log.Info("Metrics serving", "addr", addr)
			if err := metrics.Serve(ctx, addr); err != nil {
				logger.Log.Error("Metrics server error", "error", err)
			}
		}()
	}

	model, err := loadModel(ctx, cfg)
	if err != nil {
		var le *backend.LoadError
		if errors.As(err, &le) {
			if chatLog != "" {
				reportLoadError(os.Stderr, le, chatLog)
			}
			logger.Log.Fatal("Failed to load model", "path", le.Path, "local", le.Local, "backend", le.Backend, "error", err)
		}
		return err
	}
	defer func() {
		if err := model.Close(); err != nil {
			logger.Log.Warn("Closing model failed", "error", err)
		}
	}()

	ready := &atomic.Bool{}
	ready.Store(true)
	if health != nil {
		health.SetServing(true)
	}

	driver := generate.New(model)

	if cfg.Mode == config.ModeChat {
		info := model.Info()
		return tui.Run(session.New(uuid.NewString(), driver), tui.Options{
			Info:          info,
			SystemPrompt:  cfg.Chat.SystemPrompt,
			SamplePrompts: cfg.Chat.SamplePrompts,
			Params:        cfg.Chat.Defaults,
		})
	}

	var store *session.Store
	if cfg.Mode == config.ModeUI {
		store = session.NewStore(driver, cfg.Chat.SessionTTL)
		defer store.Close()
	}

	server := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: handlers.NewRouter(handlers.Deps{
			Config:     cfg,
			Driver:     driver,
			Sessions:   store,
			ModelReady: ready,
		}),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("Serving", "mode", cfg.Mode, "addr", server.Addr, "version", handlers.Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Log.Info("Shutting down server...")
	}

	if health != nil {
		health.SetServing(false)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("Graceful shutdown incomplete", "error", err)
	}
	logger.Log.Info("Server stopped", "tokens_generated", metrics.TotalTokens())
	return nil
}

// reportLoadError puts a load failure on the terminal when logs go to a file.
func reportLoadError(w io.Writer, le *backend.LoadError, logPath string) {
	fmt.Fprintf(w, "Error: %v\nFull log: %s\n", le, logPath)
}

func loadModel(ctx context.Context, cfg config.Config) (backend.Model, error) {
	src, err := modelsrc.Resolve(cfg.Model)
	if err != nil {
		return nil, &backend.LoadError{Backend: cfg.Backend.Kind, Path: cfg.Model.ID, Local: false, Err: err}
	}

	logger.Log.Info("Loading model", "source", src.String(), "kind", src.Kind.String(), "local", src.Local, "backend", cfg.Backend.Kind)
	start := time.Now()
	model, err := backend.Load(ctx, cfg.Backend, src)
	if err != nil {
		return nil, err
	}

	info := model.Info()
	metrics.RecordModelLoad(info.Backend, info.ModelPath, info.Device, info.Local, time.Since(start))
	logger.Log.Info("Model ready", "path", info.ModelPath, "local", info.Local, "device", info.Device, "duration", time.Since(start))
	return model, nil
}
