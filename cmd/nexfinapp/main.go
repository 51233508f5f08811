package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lucasven/nexfinapp-sub008/internal/api"
	"github.com/lucasven/nexfinapp-sub008/internal/convo"
	"github.com/lucasven/nexfinapp-sub008/internal/engagement"
	"github.com/lucasven/nexfinapp-sub008/internal/lockfile"
	"github.com/lucasven/nexfinapp-sub008/internal/messaging"
	"github.com/lucasven/nexfinapp-sub008/internal/models"
	"github.com/lucasven/nexfinapp-sub008/internal/render"
	"github.com/lucasven/nexfinapp-sub008/internal/scheduler"
	"github.com/lucasven/nexfinapp-sub008/internal/store"
	"github.com/lucasven/nexfinapp-sub008/internal/sweep"
	"github.com/lucasven/nexfinapp-sub008/internal/twilio"
	"github.com/lucasven/nexfinapp-sub008/internal/util"
	"github.com/lucasven/nexfinapp-sub008/internal/whatsapp"
)

const (
	// DefaultStateDir is the default directory for service state data.
	DefaultStateDir = "/var/lib/nexfinapp"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "nexfinapp.db"
	// DefaultQueuePollInterval is how often the delivery worker wakes up.
	DefaultQueuePollInterval = 5 * time.Second
)

// Config holds environment configuration.
type Config struct {
	DatabaseURL      string
	WhatsAppDSN      string
	StateDir         string
	APIAddr          string
	MessagingBackend string
	DailyCron        string
	WeeklyCron       string
	Debug            bool
}

// Flags holds command line flag values.
type Flags struct {
	qrOutput  *string
	numeric   *bool
	stateDir  *string
	dbDSN     *string
	waDSN     *string
	apiAddr   *string
	backend   *string
	dailyCron *string
}

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.Debug)
	flags := parseCommandLineFlags(config)
	config.DailyCron = *flags.dailyCron

	if err := run(config, flags); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Service exited")
}

func run(config Config, flags Flags) error {
	// One instance per state directory; the engagement store tolerates
	// concurrent writers, but the whatsmeow session does not.
	lock, err := lockfile.Acquire(*flags.stateDir, "nexfinapp")
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.NewStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	msgService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()

	engine := engagement.NewEngine(st)
	tracker := engagement.NewTracker(st, engine)
	contexts := convo.NewContextStore(st)
	dispatcher := messaging.NewDispatcher(msgService, tracker, st)
	worker := store.NewQueueWorker(st, buildSendFunc(msgService), DefaultQueuePollInterval)

	// Messages stuck in sending from a previous crash go back to pending.
	if err := worker.RecoverStaleMessages(); err != nil {
		slog.Warn("Failed to recover stale messages", "error", err)
	}

	go contexts.Run(ctx)
	go dispatcher.Run(ctx)
	go worker.Run(ctx)

	if err := scheduleSweeps(ctx, st, engine, config); err != nil {
		return err
	}

	server := api.NewServer(st, tracker, contexts, msgService, api.WithAddr(*flags.apiAddr))
	return server.Run(ctx)
}

// buildSendFunc renders the queued message body from the catalog and sends it
// over the active channel.
func buildSendFunc(msgService messaging.Service) store.SendFunc {
	return func(ctx context.Context, msg models.QueuedMessage) error {
		body, err := render.Render(msg.MessageKey, msg.MessageParams)
		if err != nil {
			return err
		}
		return msgService.SendMessage(ctx, msg.Destination, body)
	}
}

func buildMessagingService(flags Flags) (messaging.Service, error) {
	if *flags.backend == "twilio" {
		client, err := twilio.NewClient()
		if err != nil {
			return nil, err
		}
		slog.Info("Using Twilio messaging backend")
		return messaging.NewTwilioService(client), nil
	}

	var waOpts []whatsapp.Option
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, err
	}
	slog.Info("Using Whatsmeow messaging backend")
	return messaging.NewWhatsAppService(client), nil
}

// scheduleSweeps registers in-process cron entries for the daily and weekly
// sweeps. Deployments that run the standalone sweep binaries under an external
// cron leave the expressions empty.
func scheduleSweeps(ctx context.Context, st store.Store, engine *engagement.Engine, config Config) error {
	if config.DailyCron == "" && config.WeeklyCron == "" {
		slog.Debug("No sweep cron expressions configured, relying on external scheduling")
		return nil
	}

	sched := scheduler.NewScheduler()
	go func() {
		<-ctx.Done()
		sched.Stop()
	}()

	if config.DailyCron != "" {
		daily := sweep.NewDailyJob(st, engine)
		if err := sched.AddJob(config.DailyCron, func() {
			if _, err := daily.Run(ctx, time.Now()); err != nil {
				slog.Error("Daily sweep failed", "error", err)
			}
		}); err != nil {
			return err
		}
		slog.Info("Daily sweep scheduled", "cron", config.DailyCron)
	}

	if config.WeeklyCron != "" {
		weekly := sweep.NewWeeklyJob(st)
		if err := sched.AddJob(config.WeeklyCron, func() {
			if _, err := weekly.Run(ctx, time.Now()); err != nil {
				slog.Error("Weekly sweep failed", "error", err)
			}
		}); err != nil {
			return err
		}
		slog.Info("Weekly sweep scheduled", "cron", config.WeeklyCron)
	}

	return nil
}

func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and an
// optional .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:         os.Getenv("NEXFINAPP_STATE_DIR"),
		APIAddr:          os.Getenv("API_ADDR"),
		MessagingBackend: os.Getenv("MESSAGING_BACKEND"),
		DailyCron:        os.Getenv("DAILY_SWEEP_CRON"),
		WeeklyCron:       os.Getenv("WEEKLY_SWEEP_CRON"),
		Debug:            util.ParseBoolEnv("NEXFINAPP_DEBUG", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, "whatsmeow.db")
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}

	return config
}

// parseCommandLineFlags parses command line arguments with environment
// defaults.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:  flag.String("qr-output", "", "path to write login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for service data (overrides $NEXFINAPP_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN for the engagement store (overrides $DATABASE_URL)"),
		waDSN:     flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow session (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backend:   flag.String("messaging-backend", config.MessagingBackend, "messaging backend: whatsmeow or twilio (overrides $MESSAGING_BACKEND)"),
		dailyCron: flag.String("daily-cron", config.DailyCron, "cron expression for the in-process daily sweep (overrides $DAILY_SWEEP_CRON)"),
	}
	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"backend", *flags.backend)

	return flags
}
