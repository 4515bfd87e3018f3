package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/api"
	"github.com/BTreeMap/MsgRouter/internal/contacts"
	"github.com/BTreeMap/MsgRouter/internal/flow"
	"github.com/BTreeMap/MsgRouter/internal/genai"
	"github.com/BTreeMap/MsgRouter/internal/guard"
	"github.com/BTreeMap/MsgRouter/internal/i18n"
	"github.com/BTreeMap/MsgRouter/internal/inbound"
	"github.com/BTreeMap/MsgRouter/internal/lockfile"
	"github.com/BTreeMap/MsgRouter/internal/messaging"
	"github.com/BTreeMap/MsgRouter/internal/models"
	"github.com/BTreeMap/MsgRouter/internal/store"
	"github.com/BTreeMap/MsgRouter/internal/throttle"
	"github.com/BTreeMap/MsgRouter/internal/tone"
	"github.com/BTreeMap/MsgRouter/internal/twiliowhatsapp"
	"github.com/BTreeMap/MsgRouter/internal/util"
	"github.com/BTreeMap/MsgRouter/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for MsgRouter state data
	DefaultStateDir = "/var/lib/msgrouter"
	// DefaultAppDBFileName is the SQLite database of the application store
	DefaultAppDBFileName = "msgrouter.db"
	// DefaultWhatsAppDBFileName is the SQLite database of the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"

	ProviderWhatsApp = "whatsapp"
	ProviderTwilio   = "twilio"

	DefaultOutboundRateLimit = 60
	DefaultInboundRateLimit  = 20
	shutdownTimeout          = 15 * time.Second
)

// Config holds environment configuration, overridable by flags.
type Config struct {
	StateDir           string
	DatabaseURL        string
	WhatsAppDSN        string
	APIAddr            string
	Provider           string
	VerifyToken        string
	OpenAIKey          string
	DefaultLocale      string
	DefaultCountryCode string
	LogLevel           string
	OutboundRateLimit  int
	InboundRateLimit   int
	StateTTL           time.Duration
	DedupTTL           time.Duration
	ProcessTimeout     time.Duration
	SweepInterval      time.Duration
	ThrottleFailClosed bool

	QROutput    string
	NumericCode bool
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	config = config.withDefaults()
	initializeLogger(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping MsgRouter", "provider", config.Provider, "state_dir", config.StateDir, "api_addr", config.APIAddr)
	if err := run(ctx, config); err != nil {
		slog.Error("MsgRouter failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("MsgRouter exited successfully")
}

// parseLogLevel maps LOG_LEVEL to a slog level. Unknown values mean debug.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// initializeLogger sets up structured logging
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig reads configuration from environment variables.
func loadEnvironmentConfig() Config {
	config := Config{
		StateDir:           os.Getenv("MSGROUTER_STATE_DIR"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		WhatsAppDSN:        os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:            os.Getenv("API_ADDR"),
		Provider:           os.Getenv("MESSAGING_PROVIDER"),
		VerifyToken:        os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		DefaultLocale:      os.Getenv("DEFAULT_LOCALE"),
		DefaultCountryCode: os.Getenv("DEFAULT_COUNTRY_CODE"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		OutboundRateLimit:  util.ParseIntEnv("OUTBOUND_RATE_LIMIT", DefaultOutboundRateLimit),
		InboundRateLimit:   util.ParseIntEnv("INBOUND_RATE_LIMIT", DefaultInboundRateLimit),
		StateTTL:           util.ParseDurationEnv("STATE_TTL", flow.DefaultStateTTL),
		DedupTTL:           util.ParseDurationEnv("DEDUP_TTL", inbound.DefaultDedupTTL),
		ProcessTimeout:     util.ParseDurationEnv("PROCESS_TIMEOUT", inbound.DefaultProcessTimeout),
		SweepInterval:      util.ParseDurationEnv("SWEEP_INTERVAL", store.DefaultSweepInterval),
		ThrottleFailClosed: util.ParseBoolEnv("THROTTLE_FAIL_CLOSED", false),
	}
	slog.Debug("environment variables loaded",
		"MSGROUTER_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"MESSAGING_PROVIDER", config.Provider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr)
	return config
}

// parseCommandLineFlags applies flags on top of the environment config.
func parseCommandLineFlags(config Config, args []string) (Config, error) {
	fs := flag.NewFlagSet("msgrouter", flag.ContinueOnError)
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for MsgRouter data (overrides $MSGROUTER_STATE_DIR)")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "application database DSN (overrides $DATABASE_URL)")
	fs.StringVar(&config.WhatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "webhook server address (overrides $API_ADDR)")
	fs.StringVar(&config.Provider, "provider", config.Provider, "outbound provider: whatsapp or twilio (overrides $MESSAGING_PROVIDER)")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key for locale refinement (overrides $OPENAI_API_KEY)")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.StringVar(&config.QROutput, "qr-output", config.QROutput, "path to write login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "use numeric login code instead of QR code")
	if err := fs.Parse(args); err != nil {
		return config, err
	}
	return config, nil
}

// withDefaults fills unset values. Database paths derive from the final state
// directory so -state-dir moves them too.
func (c Config) withDefaults() Config {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultAppDBFileName)
	}
	if c.WhatsAppDSN == "" {
		c.WhatsAppDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if c.APIAddr == "" {
		c.APIAddr = api.DefaultAddr
	}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = ProviderWhatsApp
	}
	if c.DefaultLocale == "" {
		c.DefaultLocale = i18n.DefaultLocale
	}
	return c
}

// usesLocalFiles reports whether any configured database lives in the state directory.
func (c Config) usesLocalFiles() bool {
	if store.DetectDSNType(c.DatabaseURL) != "postgres" {
		return true
	}
	return c.Provider == ProviderWhatsApp && store.DetectDSNType(c.WhatsAppDSN) != "postgres"
}

// run wires every component and blocks until ctx is cancelled or the server fails.
func run(ctx context.Context, cfg Config) error {
	if cfg.usesLocalFiles() {
		lock, err := lockfile.Acquire(cfg.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	svc, cleanup, err := buildMessagingService(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	defer svc.Stop()

	intake, err := buildIntake(ctx, cfg, st, svc)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		store.NewSweeper(st, cfg.SweepInterval).Run(ctx)
	}()
	if src, ok := svc.(messaging.InboundSource); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumeInbound(ctx, src.Inbound(), intake)
		}()
	}

	server := api.NewServer(intake, api.WithAddr(cfg.APIAddr), api.WithVerifyToken(cfg.VerifyToken))
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err = <-errCh:
		if err != nil {
			err = fmt.Errorf("webhook server: %w", err)
		}
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			slog.Error("Webhook server shutdown failed", "error", serr)
		}
	}
	svc.Stop()
	wg.Wait()
	return err
}

// buildMessagingService connects the configured provider. cleanup closes the
// provider connection and is safe to call when nothing was opened.
func buildMessagingService(ctx context.Context, cfg Config) (messaging.Service, func(), error) {
	switch cfg.Provider {
	case ProviderTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, func() {}, fmt.Errorf("twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), func() {}, nil
	case ProviderWhatsApp:
		var opts []whatsapp.Option
		opts = append(opts, whatsapp.WithDBDSN(cfg.WhatsAppDSN))
		if cfg.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(cfg.QROutput))
		}
		if cfg.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, func() {}, fmt.Errorf("whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), client.Disconnect, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown messaging provider %q", cfg.Provider)
	}
}

// buildIntake assembles the inbound pipeline over st, replying through svc.
func buildIntake(ctx context.Context, cfg Config, st store.Store, svc messaging.Sender) (*inbound.Intake, error) {
	states := flow.NewStoreBasedStateManager(st, flow.WithStateTTL(cfg.StateTTL))
	throttles := throttle.NewStore(st, throttle.WithFailClosed(cfg.ThrottleFailClosed))

	sender := svc
	if cfg.OutboundRateLimit > 0 {
		sender = messaging.NewThrottledSender(svc, throttles, cfg.OutboundRateLimit)
	}

	catalog, err := flow.DefaultCatalog(states, sender)
	if err != nil {
		return nil, fmt.Errorf("route catalog: %w", err)
	}
	guards := guard.New(contacts.NewLedger(st), states, catalog, sender)

	builderOpts := []inbound.BuilderOption{
		inbound.WithDefaultCountryCode(cfg.DefaultCountryCode),
		inbound.WithDefaultLocale(cfg.DefaultLocale),
	}
	if cfg.OpenAIKey != "" {
		client, err := genai.NewClient(genai.WithAPIKey(cfg.OpenAIKey))
		if err != nil {
			slog.Warn("Locale refinement disabled", "error", err)
		} else {
			builderOpts = append(builderOpts, inbound.WithLocaleRefiner(genai.NewLocaleClassifier(client, tone.Candidates)))
		}
	}
	builder := inbound.NewBuilder(st, states, builderOpts...)

	intakeOpts := []inbound.Option{
		inbound.WithDedupTTL(cfg.DedupTTL),
		inbound.WithProcessTimeout(cfg.ProcessTimeout),
	}
	if cfg.InboundRateLimit > 0 {
		intakeOpts = append(intakeOpts, inbound.WithInboundThrottle(throttles, cfg.InboundRateLimit))
	}
	slog.Debug("Intake configured", "routes", len(catalog.Registry.Routes()), "inbound_limit", cfg.InboundRateLimit, "outbound_limit", cfg.OutboundRateLimit)
	return inbound.NewIntake(st, builder, guards, flow.NewDispatcher(catalog, sender), intakeOpts...), nil
}

// consumeInbound processes messages from a live connection until the channel
// closes, one goroutine per message. The intake serializes duplicates.
func consumeInbound(ctx context.Context, msgs <-chan models.InboundMessage, p api.Processor) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				processWithRetry(ctx, p, msg)
			}()
		}
	}
}

// Retry backoff for live messages whose processing failed. A failed message
// has its claim released, so a retry is a fresh attempt.
var (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
)

// processWithRetry runs p.Process until the message is settled or ctx ends.
// A live connection never redelivers, so giving up loses the message.
func processWithRetry(ctx context.Context, p api.Processor, msg models.InboundMessage) {
	delay := retryBaseDelay
	for attempt := 1; ; attempt++ {
		res := p.Process(context.WithoutCancel(ctx), msg)
		if !res.Failed() {
			return
		}
		slog.Error("Inbound message failed", "message_id", res.MessageID, "attempt", attempt, "retry_in", delay, "error", res.Err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Warn("Inbound message abandoned on shutdown", "message_id", res.MessageID, "attempts", attempt)
			return
		case <-timer.C:
		}
		delay = min(delay*2, retryMaxDelay)
	}
}
