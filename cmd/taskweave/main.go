package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskweave/internal/bus"
	"github.com/basket/taskweave/internal/config"
	"github.com/basket/taskweave/internal/dispatch"
	"github.com/basket/taskweave/internal/engine"
	otelPkg "github.com/basket/taskweave/internal/otel"
	"github.com/basket/taskweave/internal/persistence"
	"github.com/basket/taskweave/internal/sweeper"
	"github.com/basket/taskweave/internal/telemetry"
	"github.com/basket/taskweave/internal/tools"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Poll for pending sessions and drive them

ONE-SHOT MODE:
  %s -process <session-id>    Drive one session once, then exit
  %s -enqueue <session-id> -role user -text "..."
                              Append a pending message, then exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKWEAVE_HOME          Data directory (default: ~/.taskweave)
  TASKWEAVE_DB_PATH       SQLite database path override
  GEMINI_API_KEY          Required for the google provider
  ANTHROPIC_API_KEY       Required for the anthropic provider
  OPENAI_API_KEY          Required for the openai providers
`)
}

func main() {
	loadDotEnv(".env")

	configDir := flag.String("config", "", "config directory (default $TASKWEAVE_HOME or ~/.taskweave)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	processSession := flag.String("process", "", "drive one session once, then exit")
	enqueueSession := flag.String("enqueue", "", "append a pending message to the given session, then exit")
	enqueueRole := flag.String("role", "user", "message role for -enqueue (system, user, assistant, tool)")
	enqueueText := flag.String("text", "", "message text for -enqueue")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("taskweave", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config.Config
	var err error
	if *configDir != "" {
		cfg, err = config.LoadFrom(*configDir)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.OtelEnabled,
		Exporter: cfg.OtelExporter,
		Endpoint: cfg.OtelEndpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	if *enqueueSession != "" {
		os.Exit(runEnqueue(ctx, store, *enqueueSession, *enqueueRole, *enqueueText))
	}

	stuckTimeout := time.Duration(cfg.Sweeper.StuckTimeoutSeconds) * time.Second

	// Recovery scan: claims orphaned by a crashed process go back to
	// pending before any new run starts.
	requeued, err := store.RequeueStuck(ctx, stuckTimeout)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", requeued)

	pool, err := tools.NewPool(store)
	if err != nil {
		fatalStartup(logger, "E_TOOL_POOL", err)
	}

	provider, model, apiKey := cfg.ResolveLLMConfig()
	completer := engine.NewGenkitCompleter(ctx, pool, engine.CompleterConfig{
		Provider:                 provider,
		Model:                    model,
		APIKey:                   apiKey,
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
	})

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	processor := engine.NewProcessor(store, pool, completer, eventBus, logger, metrics, engine.ProcessorConfig{
		MaxRounds:      cfg.Engine.MaxRounds,
		PreviousWindow: cfg.Engine.PreviousWindow,
	})

	if *processSession != "" {
		os.Exit(runProcessOnce(ctx, logger, processor, *processSession))
	}

	swp, err := sweeper.New(sweeper.Config{
		Store:        store,
		Logger:       logger,
		Schedule:     cfg.Sweeper.Schedule,
		StuckTimeout: stuckTimeout,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	swp.Start(ctx)
	defer swp.Stop()

	dispatcher := dispatch.New(dispatch.Config{
		Store:  store,
		Logger: logger,
		Drive: func(ctx context.Context, sessionID string) error {
			_, err := processor.ProcessSession(ctx, sessionID)
			return err
		},
		PollInterval: time.Duration(cfg.Dispatch.PollIntervalSeconds) * time.Second,
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	// Log level applies hot on config edits; everything else takes
	// effect on restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					logger.Error("config changed but failed to load", "error", err)
					continue
				}
				telemetry.SetLevel(reloaded.LogLevel)
				logger.Info("config reloaded",
					"log_level", reloaded.LogLevel,
					"fingerprint", reloaded.Fingerprint())
			}
		}()
	}

	if isatty.IsTerminal(os.Stdout.Fd()) && !*quiet {
		fmt.Printf("taskweave %s running (provider %s, db %s)\n", Version, provider, cfg.DBPath)
	}
	logger.Info("startup phase", "phase", "ready", "provider", provider, "model", model)

	<-ctx.Done()
	logger.Info("shutting down")
}

func runProcessOnce(ctx context.Context, logger *slog.Logger, processor *engine.Processor, sessionID string) int {
	result, err := processor.ProcessSession(ctx, sessionID)
	if err != nil {
		logger.Error("run failed", "session_id", sessionID, "error", err)
		return 1
	}
	if result.NoOp {
		fmt.Println("nothing to do")
		return 0
	}
	fmt.Printf("processed %d message(s) in %d round(s), %d tool call(s)\n",
		result.Claimed, result.Rounds, len(result.Outcomes))
	return 0
}

func runEnqueue(ctx context.Context, store *persistence.Store, sessionID, role, text string) int {
	if strings.TrimSpace(text) == "" {
		fmt.Fprintln(os.Stderr, "-enqueue requires -text")
		return 2
	}
	if err := store.EnsureSession(ctx, sessionID); err != nil {
		fmt.Fprintln(os.Stderr, "ensure session:", err)
		return 1
	}
	id, err := store.AddMessage(ctx, sessionID, role, []persistence.MessagePart{{Type: "text", Text: text}})
	if err != nil {
		fmt.Fprintln(os.Stderr, "add message:", err)
		return 1
	}
	fmt.Printf("message %d queued for session %s\n", id, sessionID)
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"engine","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from a dotenv file without
// overriding variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
