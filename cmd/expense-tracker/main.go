package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/expense-tracker/internal/capture"
	"github.com/zombor/expense-tracker/internal/expense"
	"github.com/zombor/expense-tracker/internal/logging"
	"github.com/zombor/expense-tracker/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	cfg, fs, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		if errors.Is(err, ff.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if cfg.showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	_, closeLog, err := logging.New(cfg.logLevel, cfg.logFormat, cfg.logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Exiting", "error", err)
		closeLog()
		os.Exit(1)
	}
}

type config struct {
	port          int
	dbPath        string
	storagePath   string
	capturePath   string
	captureMaxAge time.Duration
	platform      string
	publicURL     string
	scanner       string
	geminiKey     string
	geminiModel   string
	ollamaURL     string
	ollamaModel   string
	auth          expense.BasicAuth
	logLevel      string
	logFormat     string
	logFile       string
	showVersion   bool
}

// parseConfig reads flags, EXPENSE_TRACKER_* env vars and the optional config file
func parseConfig(args []string) (config, *ff.FlagSet, error) {
	fs := ff.NewFlagSet("expense-tracker")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "expense-tracker.db", "Database file path")
		storagePath   = fs.StringLong("storage", "./receipts", "Receipt storage directory")
		capturePath   = fs.StringLong("captures", "./captures", "Temporary capture directory")
		captureMaxAge = fs.DurationLong("capture-max-age", 24*time.Hour, "Remove unsaved captures older than this")
		platformName  = fs.StringLong("platform", "native", "Client platform: 'native' or 'web'")
		publicURL     = fs.StringLong("public-url", "", "Base URL clients reach the server on (default http://localhost:<port>)")
		scannerType   = fs.StringLong("scanner", "none", "Receipt scanner: 'none', 'gemini' or 'ollama'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel      = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat     = fs.StringLong("log-format", "json", "Log format: json or text")
		logFile       = fs.StringLong("log-file", "", "Also write logs to this file")
		_             = fs.StringLong("config", "", "Config file (one 'flag value' per line)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("EXPENSE_TRACKER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		return config{}, fs, err
	}

	return config{
		port:          *port,
		dbPath:        *dbPath,
		storagePath:   *storagePath,
		capturePath:   *capturePath,
		captureMaxAge: *captureMaxAge,
		platform:      *platformName,
		publicURL:     *publicURL,
		scanner:       *scannerType,
		geminiKey:     *geminiKey,
		geminiModel:   *geminiModel,
		ollamaURL:     *ollamaURL,
		ollamaModel:   *ollamaModel,
		auth:          expense.BasicAuth{Username: *authUser, Password: *authPass},
		logLevel:      *logLevel,
		logFormat:     *logFormat,
		logFile:       *logFile,
		showVersion:   *showVersion,
	}, fs, nil
}

func run(ctx context.Context, cfg config) error {
	if cfg.publicURL == "" {
		cfg.publicURL = fmt.Sprintf("http://localhost:%d", cfg.port)
	}

	slog.Info("Initializing database...", "path", cfg.dbPath)
	store, err := expense.NewBoltStore(cfg.dbPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer store.Close()

	slog.Info("Initializing storage...", "path", cfg.storagePath)
	files, err := expense.NewLocalFiles(cfg.storagePath)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	spool, err := capture.NewSpool(cfg.capturePath, "/captures")
	if err != nil {
		return fmt.Errorf("initializing capture spool: %w", err)
	}

	platform, err := newPlatform(cfg.platform, cfg.publicURL, spool)
	if err != nil {
		return err
	}

	scanner, err := newScanner(ctx, cfg)
	if err != nil {
		return err
	}
	if scanner != nil {
		defer scanner.Close()
	}

	coordinator := expense.NewCoordinator(store, files, platform, scanner)
	if _, err := coordinator.Load(ctx); err != nil {
		return fmt.Errorf("loading expenses: %w", err)
	}

	server := expense.NewServer(coordinator, spool, cfg.auth, spool.Dir(), files.Root())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(fmt.Sprintf(":%d", cfg.port))
	}()
	go sweepCaptures(ctx, spool, cfg.captureMaxAge)

	slog.Info("Server started", "address", cfg.publicURL, "platform", platform.Name())
	if cfg.auth.Username != "" || cfg.auth.Password != "" {
		slog.Info("Basic auth enabled", "user", cfg.auth.Username)
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newPlatform(name, publicURL string, spool *capture.Spool) (expense.Platform, error) {
	switch name {
	case "native":
		return expense.NewNative(publicURL, spool), nil
	case "web":
		web, err := expense.NewWeb(publicURL, spool)
		if err != nil {
			return nil, fmt.Errorf("initializing web platform: %w", err)
		}
		return web, nil
	default:
		return nil, fmt.Errorf("invalid platform %q: valid values are native or web", name)
	}
}

func newScanner(ctx context.Context, cfg config) (scanning.Scanner, error) {
	switch cfg.scanner {
	case "none", "":
		return nil, nil
	case "gemini":
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", cfg.geminiModel)
		gemini, err := scanning.NewGemini(ctx, apiKey, cfg.geminiModel)
		if err != nil {
			return nil, fmt.Errorf("initializing gemini: %w", err)
		}
		return gemini, nil
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		ollama, err := scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
		if err != nil {
			return nil, fmt.Errorf("initializing ollama: %w", err)
		}
		return ollama, nil
	default:
		return nil, fmt.Errorf("invalid scanner %q: valid values are none, gemini or ollama", cfg.scanner)
	}
}

// sweepCaptures removes abandoned captures once an hour
func sweepCaptures(ctx context.Context, spool *capture.Spool, maxAge time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := spool.Sweep(maxAge, now)
			if err != nil {
				slog.Warn("Failed to sweep captures", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("Swept stale captures", "count", removed)
			}
		}
	}
}
