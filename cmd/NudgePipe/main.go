package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/NudgePipe/internal/api"
	"github.com/BTreeMap/NudgePipe/internal/correlation"
	"github.com/BTreeMap/NudgePipe/internal/delivery"
	"github.com/BTreeMap/NudgePipe/internal/eligibility"
	"github.com/BTreeMap/NudgePipe/internal/genai"
	"github.com/BTreeMap/NudgePipe/internal/ledger"
	"github.com/BTreeMap/NudgePipe/internal/lockfile"
	"github.com/BTreeMap/NudgePipe/internal/orchestrator"
	"github.com/BTreeMap/NudgePipe/internal/platform"
	"github.com/BTreeMap/NudgePipe/internal/retry"
	"github.com/BTreeMap/NudgePipe/internal/scheduler"
	"github.com/BTreeMap/NudgePipe/internal/tone"
	"github.com/BTreeMap/NudgePipe/internal/util"
	"github.com/BTreeMap/NudgePipe/internal/whatsapp"
	"github.com/BTreeMap/NudgePipe/internal/worker"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for NudgePipe state data
	DefaultStateDir = "/var/lib/nudgepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "nudgepipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow SQLite database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultChannelName is the destination name used when none is configured
	DefaultChannelName = "whatsapp"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Guard the state directory against a second instance
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping NudgePipe with configured modules")
	if err := run(config, flags); err != nil {
		slog.Error("NudgePipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("NudgePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	WhatsAppDSN string
	OpenAIKey   string
	OpenAIModel string
	TargetUser  string
	ChannelName string
	Schedule    string
	APIAddr     string
	DebugTiming bool

	MinGapHours         float64
	JitterMinHours      float64
	JitterMaxHours      float64
	ResponseWindowHours float64

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	TypingRefreshInterval time.Duration
	TypingMaxDuration     time.Duration
	SendTimeout           time.Duration
	MaxTrackedUsers       int

	TwilioTo string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput    *string
	numeric     *bool
	stateDir    *string
	dbDSN       *string
	openaiKey   *string
	targetUser  *string
	channelName *string
	schedule    *string
	apiAddr     *string
	debugTiming *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    os.Getenv("NUDGEPIPE_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),
		TargetUser:  os.Getenv("TARGET_USER"),
		ChannelName: os.Getenv("TARGET_CHANNEL"),
		Schedule:    os.Getenv("SCHEDULE"),
		APIAddr:     os.Getenv("API_ADDR"),
		DebugTiming: util.ParseBoolEnv("DEBUG_TIMING", false),

		MinGapHours:         util.ParseFloatEnv("MIN_CONVERSATION_GAP_HOURS", eligibility.DefaultMinGapHours),
		JitterMinHours:      util.ParseFloatEnv("JITTER_MIN_HOURS", eligibility.DefaultJitterMinHours),
		JitterMaxHours:      util.ParseFloatEnv("JITTER_MAX_HOURS", eligibility.DefaultJitterMaxHours),
		ResponseWindowHours: util.ParseFloatEnv("RESPONSE_WINDOW_HOURS", 24),

		RetryMaxAttempts: util.ParseIntEnv("RETRY_MAX_ATTEMPTS", retry.DefaultMaxRetries),
		RetryBaseDelay:   util.ParseDurationEnv("RETRY_BASE_DELAY", retry.DefaultBaseDelay),
		RetryMaxDelay:    util.ParseDurationEnv("RETRY_MAX_DELAY", retry.DefaultMaxDelay),

		TypingRefreshInterval: util.ParseDurationEnv("TYPING_REFRESH_INTERVAL", delivery.DefaultTypingInterval),
		TypingMaxDuration:     util.ParseDurationEnv("TYPING_MAX_DURATION", delivery.DefaultTypingMaxDuration),
		SendTimeout:           util.ParseDurationEnv("SEND_TIMEOUT", delivery.DefaultSendTimeout),
		MaxTrackedUsers:       util.ParseIntEnv("MAX_TRACKED_USERS", correlation.DefaultMaxEntries),

		TwilioTo: os.Getenv("TWILIO_TO_NUMBER"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No NUDGEPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.ChannelName == "" {
		config.ChannelName = DefaultChannelName
	}
	if config.Schedule == "" {
		config.Schedule = scheduler.DefaultSchedule
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
		slog.Debug("No WHATSAPP_DB_DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	slog.Debug("environment variables loaded",
		"NUDGEPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TARGET_USER_SET", config.TargetUser != "",
		"TARGET_CHANNEL", config.ChannelName,
		"SCHEDULE", config.Schedule,
		"API_ADDR", config.APIAddr,
		"DEBUG_TIMING", config.DebugTiming)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:    flag.String("qr-output", "", "path to write login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for NudgePipe data (overrides $NUDGEPIPE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN for the conversation ledger (overrides $DATABASE_URL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		targetUser:  flag.String("target-user", config.TargetUser, "user ID to reach out to (overrides $TARGET_USER)"),
		channelName: flag.String("channel", config.ChannelName, "destination channel name (overrides $TARGET_CHANNEL)"),
		schedule:    flag.String("schedule", config.Schedule, "cron schedule for proactive checks (overrides $SCHEDULE)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "diagnostics API address, empty disables (overrides $API_ADDR)"),
		debugTiming: flag.Bool("debug-timing", config.DebugTiming, "compress hour-scale timing to minutes (overrides $DEBUG_TIMING)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"targetUser_set", *flags.targetUser != "",
		"channel", *flags.channelName,
		"schedule", *flags.schedule,
		"apiAddr", *flags.apiAddr,
		"debugTiming", *flags.debugTiming)

	// Update ledger DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		dbDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating directory for file-based database", "dir", dbDir)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dbDir)
			return err
		}
	}
	return nil
}

// buildLedgerOptions constructs ledger configuration options from the DSN.
func buildLedgerOptions(flags Flags) []ledger.Option {
	var opts []ledger.Option
	if *flags.dbDSN != "" {
		if ledger.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL ledger")
			opts = append(opts, ledger.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite ledger", "db_path", *flags.dbDSN)
			opts = append(opts, ledger.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory ledger")
	}
	return opts
}

// timeUnit maps one configured "hour" to a wall-clock duration.
func timeUnit(debugTiming bool) time.Duration {
	if debugTiming {
		return time.Minute
	}
	return time.Hour
}

// run wires the modules together and blocks until shutdown.
func run(config Config, flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Conversation ledger
	store, err := ledger.New(buildLedgerOptions(flags)...)
	if err != nil {
		return err
	}
	defer store.Close()

	// WhatsApp transport
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDSN)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	waClient, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return err
	}
	defer waClient.Disconnect()

	// Destination registry
	registry := platform.NewRegistry()
	registry.Register(platform.NewWhatsAppChannel(DefaultChannelName, *flags.targetUser, waClient))
	if config.TwilioTo != "" {
		twilioCh, err := platform.NewTwilioChannel("sms", config.TwilioTo)
		if err != nil {
			slog.Warn("Twilio destination not configured, skipping", "error", err)
		} else {
			registry.Register(twilioCh)
		}
	}

	// Content generator
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.OpenAIModel))
	}
	generator, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return err
	}

	retryPolicy := &retry.Policy{
		MaxRetries: config.RetryMaxAttempts,
		BaseDelay:  config.RetryBaseDelay,
		MaxDelay:   config.RetryMaxDelay,
		Retryable:  retry.IsTransient,
	}

	evaluator := eligibility.NewEvaluator(store,
		eligibility.WithChannelName(*flags.channelName),
		eligibility.WithMinGapHours(config.MinGapHours),
		eligibility.WithJitterRange(config.JitterMinHours, config.JitterMaxHours),
		eligibility.WithDebugTiming(*flags.debugTiming),
	)

	window := time.Duration(config.ResponseWindowHours * float64(timeUnit(*flags.debugTiming)))
	correlator := correlation.NewCorrelator(store,
		correlation.WithWindow(window),
		correlation.WithMaxEntries(config.MaxTrackedUsers),
	)

	deliverer := delivery.NewDeliverer(
		delivery.WithRetryPolicy(retryPolicy),
		delivery.WithSendTimeout(config.SendTimeout),
		delivery.WithTypingIndicator(config.TypingRefreshInterval, config.TypingMaxDuration),
	)

	toneManager := tone.NewManager()
	sideEffects := worker.NewQueue(worker.DefaultQueueSize)
	sideEffects.Start(ctx)
	defer sideEffects.Stop()

	targetUser := *flags.targetUser
	selectTarget := func(ctx context.Context) (string, error) {
		return targetUser, nil
	}

	orch := orchestrator.NewOrchestrator(
		evaluator, deliverer, correlator, store, generator, toneManager, sideEffects,
		selectTarget, registry.Resolve,
		orchestrator.WithRetryPolicy(retryPolicy),
	)

	// Inbound messages feed classification and the ledger.
	waClient.AddMessageHandler(func(msg whatsapp.InboundMessage) {
		orch.HandleInbound(context.Background(), msg.From, msg.Text, time.Unix(msg.Timestamp, 0))
	})

	if err := orch.Start(*flags.schedule); err != nil {
		return err
	}
	defer orch.Stop()

	// An empty address keeps the diagnostics server disabled.
	server := api.NewServer(orch, store, api.WithAddr(*flags.apiAddr))
	server.Start()

	slog.Info("NudgePipe running",
		"schedule", *flags.schedule, "channel", *flags.channelName,
		"targetUser_set", targetUser != "", "debugTiming", *flags.debugTiming)

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		slog.Warn("Diagnostics server shutdown failed", "error", err)
	}
	return nil
}
