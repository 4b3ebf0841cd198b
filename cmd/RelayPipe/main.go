package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/RelayPipe/internal/delivery"
	"github.com/BTreeMap/RelayPipe/internal/lockfile"
	"github.com/BTreeMap/RelayPipe/internal/messaging"
	"github.com/BTreeMap/RelayPipe/internal/relay"
	"github.com/BTreeMap/RelayPipe/internal/store"
	"github.com/BTreeMap/RelayPipe/internal/telegram"
	"github.com/BTreeMap/RelayPipe/internal/transform"
	"github.com/BTreeMap/RelayPipe/internal/util"
	"github.com/BTreeMap/RelayPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for RelayPipe state data
	DefaultStateDir = "/var/lib/relaypipe"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultSQLiteFileName is the SQLite dedup store filename
	DefaultSQLiteFileName = "relaypipe.db"
	// DefaultPebbleDirName is the Pebble dedup store directory
	DefaultPebbleDirName = "marks.pebble"
	// DefaultSignaturePhrase is the promotional signature stripped by default
	DefaultSignaturePhrase = "کانال رسمی روزنامه دنیای اقتصاد"
)

// Destination platforms
const (
	PlatformTelegram = "telegram"
	PlatformWhatsApp = "whatsapp"
)

var logLevel = new(slog.LevelVar)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}
	setLogLevel(*flags.logLevel)

	if *flags.dumpMarks {
		if err := dumpMarks(context.Background(), flags, os.Stdout); err != nil {
			slog.Error("Failed to dump high-water marks", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping RelayPipe", "sources", *flags.sources, "target", *flags.target, "platform", *flags.platform, "dedupStore", *flags.dedupStore)
	if err := run(ctx, flags); err != nil {
		slog.Error("RelayPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("RelayPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	BotToken            string
	TelegramProxy       string
	Sources             []string
	Target              string
	ReplaceUsernames    []string
	NewUsername         string
	SignaturePhrase     string
	PollInterval        time.Duration
	SendInterval        time.Duration
	MessageDelay        time.Duration
	FetchWindow         int
	CaptionLimit        int
	MaxDownloadBytes    int
	StateDir            string
	DedupStore          string
	DatabaseURL         string
	DestinationPlatform string
	WhatsAppDBDSN       string
	AccessCheck         bool
	ReportSchedule      string
	LogLevel            string
}

// Flags holds command line flag values
type Flags struct {
	botToken      *string
	telegramProxy *string
	sources       *string
	target        *string
	replace       *string
	newUsername   *string
	signature     *string
	pollInterval  *time.Duration
	sendInterval  *time.Duration
	messageDelay  *time.Duration
	fetchWindow   *int
	captionLimit  *int
	maxDownload   *int64
	stateDir      *string
	dedupStore    *string
	dbDSN         *string
	platform      *string
	waDSN         *string
	qrOutput      *string
	numeric       *bool
	accessCheck   *bool
	report        *string
	logLevel      *string
	dumpMarks     *bool
}

// initializeLogger sets up structured logging; the level is adjusted once flags are parsed
func initializeLogger() {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// setLogLevel applies a textual level; unknown values keep the current level
func setLogLevel(level string) {
	if level == "" {
		return
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		slog.Warn("Unknown log level, keeping current", "level", level, "current", logLevel.Level())
		return
	}
	logLevel.Set(l)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		BotToken:            os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramProxy:       os.Getenv("TELEGRAM_PROXY"),
		Sources:             util.ParseListEnv("SOURCE_CHANNELS"),
		Target:              strings.TrimSpace(os.Getenv("TARGET_CHANNEL")),
		ReplaceUsernames:    util.ParseListEnv("REPLACE_USERNAME"),
		NewUsername:         strings.TrimLeft(strings.TrimSpace(os.Getenv("NEW_USERNAME")), "@"),
		SignaturePhrase:     os.Getenv("SIGNATURE_PHRASE"),
		PollInterval:        util.ParseDurationEnv("POLL_INTERVAL", relay.DefaultPollInterval),
		SendInterval:        util.ParseDurationEnv("SEND_INTERVAL", delivery.DefaultSendInterval),
		MessageDelay:        util.ParseDurationEnv("MESSAGE_DELAY", relay.DefaultMessageDelay),
		FetchWindow:         util.ParseIntEnv("FETCH_WINDOW", relay.DefaultFetchWindow),
		CaptionLimit:        util.ParseIntEnv("CAPTION_LIMIT", delivery.DefaultCaptionLimit),
		MaxDownloadBytes:    util.ParseIntEnv("MAX_DOWNLOAD_BYTES", telegram.DefaultMaxDownloadBytes),
		StateDir:            os.Getenv("RELAY_STATE_DIR"),
		DedupStore:          strings.ToLower(strings.TrimSpace(os.Getenv("DEDUP_STORE"))),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DestinationPlatform: strings.ToLower(strings.TrimSpace(os.Getenv("DESTINATION_PLATFORM"))),
		WhatsAppDBDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		AccessCheck:         util.ParseBoolEnv("ACCESS_CHECK", true),
		ReportSchedule:      os.Getenv("REPORT_SCHEDULE"),
		LogLevel:            os.Getenv("LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No RELAY_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.SignaturePhrase == "" {
		config.SignaturePhrase = DefaultSignaturePhrase
	}
	if config.ReportSchedule == "" {
		config.ReportSchedule = relay.DefaultReportSchedule
	}
	if config.DestinationPlatform == "" {
		config.DestinationPlatform = PlatformTelegram
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"TELEGRAM_BOT_TOKEN_SET", config.BotToken != "",
		"SOURCE_CHANNELS", config.Sources,
		"TARGET_CHANNEL", config.Target,
		"REPLACE_USERNAME", config.ReplaceUsernames,
		"NEW_USERNAME", config.NewUsername,
		"POLL_INTERVAL", config.PollInterval,
		"CAPTION_LIMIT", config.CaptionLimit,
		"MAX_DOWNLOAD_BYTES", config.MaxDownloadBytes,
		"RELAY_STATE_DIR", config.StateDir,
		"DEDUP_STORE", config.DedupStore,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"DESTINATION_PLATFORM", config.DestinationPlatform,
		"ACCESS_CHECK", config.AccessCheck,
		"REPORT_SCHEDULE", config.ReportSchedule)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		botToken:      fs.String("bot-token", config.BotToken, "Telegram bot token (overrides $TELEGRAM_BOT_TOKEN)"),
		telegramProxy: fs.String("telegram-proxy", config.TelegramProxy, "HTTP proxy for the Bot API (overrides $TELEGRAM_PROXY)"),
		sources:       fs.String("sources", strings.Join(config.Sources, ","), "comma separated source channels (overrides $SOURCE_CHANNELS)"),
		target:        fs.String("target", config.Target, "destination channel or WhatsApp recipient (overrides $TARGET_CHANNEL)"),
		replace:       fs.String("replace-usernames", strings.Join(config.ReplaceUsernames, ","), "comma separated usernames to rewrite (overrides $REPLACE_USERNAME)"),
		newUsername:   fs.String("new-username", config.NewUsername, "replacement username and tag (overrides $NEW_USERNAME)"),
		signature:     fs.String("signature", config.SignaturePhrase, "promotional signature to strip (overrides $SIGNATURE_PHRASE)"),
		pollInterval:  fs.Duration("poll-interval", config.PollInterval, "poll interval (overrides $POLL_INTERVAL)"),
		sendInterval:  fs.Duration("send-interval", config.SendInterval, "minimum spacing between sends (overrides $SEND_INTERVAL)"),
		messageDelay:  fs.Duration("message-delay", config.MessageDelay, "pause between messages of one poll (overrides $MESSAGE_DELAY)"),
		fetchWindow:   fs.Int("fetch-window", config.FetchWindow, "recent posts inspected per feed (overrides $FETCH_WINDOW)"),
		captionLimit:  fs.Int("caption-limit", config.CaptionLimit, "media caption limit of the destination, in characters (overrides $CAPTION_LIMIT)"),
		maxDownload:   fs.Int64("max-download-bytes", int64(config.MaxDownloadBytes), "largest source file re-uploaded to WhatsApp (overrides $MAX_DOWNLOAD_BYTES)"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for RelayPipe data (overrides $RELAY_STATE_DIR)"),
		dedupStore:    fs.String("dedup-store", config.DedupStore, "dedup backend: file, sqlite, postgres or pebble (overrides $DEDUP_STORE)"),
		dbDSN:         fs.String("db-dsn", config.DatabaseURL, "database DSN for the sqlite or postgres dedup store (overrides $DATABASE_URL)"),
		platform:      fs.String("destination-platform", config.DestinationPlatform, "telegram or whatsapp (overrides $DESTINATION_PLATFORM)"),
		waDSN:         fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)"),
		qrOutput:      fs.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		accessCheck:   fs.Bool("access-check", config.AccessCheck, "probe write access to the destination at startup (overrides $ACCESS_CHECK)"),
		report:        fs.String("report-schedule", config.ReportSchedule, "cron schedule of the totals report, \"off\" disables it (overrides $REPORT_SCHEDULE)"),
		logLevel:      fs.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)"),
		dumpMarks:     fs.Bool("dump-marks", false, "print the stored high-water marks as JSON and exit"),
	}

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	// Keep the whatsmeow database next to the state directory when only -state-dir moved
	if *flags.waDSN == defaultWhatsAppDSN(config.StateDir) && *flags.stateDir != config.StateDir {
		*flags.waDSN = defaultWhatsAppDSN(*flags.stateDir)
		slog.Debug("Updated whatsapp DSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"sources", *flags.sources,
		"target", *flags.target,
		"stateDir", *flags.stateDir,
		"dedupStore", *flags.dedupStore,
		"dbDSN_set", *flags.dbDSN != "",
		"platform", *flags.platform,
		"pollInterval", *flags.pollInterval,
		"accessCheck", *flags.accessCheck,
		"dumpMarks", *flags.dumpMarks)

	if *flags.dumpMarks {
		return flags, nil
	}
	return flags, validateFlags(flags)
}

// validateFlags checks the settings a relay cannot start without
func validateFlags(flags Flags) error {
	var errs []error
	if *flags.botToken == "" {
		errs = append(errs, errors.New("telegram bot token is required (TELEGRAM_BOT_TOKEN or -bot-token)"))
	}
	if len(splitList(*flags.sources)) == 0 {
		errs = append(errs, errors.New("at least one source channel is required (SOURCE_CHANNELS or -sources)"))
	}
	if *flags.target == "" {
		errs = append(errs, errors.New("a target is required (TARGET_CHANNEL or -target)"))
	}
	switch *flags.platform {
	case PlatformTelegram, PlatformWhatsApp:
	default:
		errs = append(errs, fmt.Errorf("unknown destination platform %q", *flags.platform))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' || r == '\t' })
}

// run wires the relay and blocks until ctx is cancelled
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	storeOpts, err := buildStoreOptions(flags)
	if err != nil {
		return err
	}
	backend, err := store.NewBackend(storeOpts...)
	if err != nil {
		return fmt.Errorf("open dedup store: %w", err)
	}
	marks := store.NewDedupStore(backend)
	defer marks.Close()

	tg, err := telegram.NewClient(buildTelegramOptions(flags)...)
	if err != nil {
		return err
	}
	source := messaging.NewTelegramService(tg, 0)
	// Only resolved chats are recorded, so resolve before updates start flowing.
	for _, handle := range splitList(*flags.sources) {
		if _, err := source.ResolveEntity(ctx, handle); err != nil {
			slog.Warn("Source feed not resolvable yet", "handle", handle, "error", err)
		}
	}
	if err := source.Start(ctx); err != nil {
		return err
	}

	var sink messaging.Sink
	if *flags.platform == PlatformWhatsApp {
		wa, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			source.Stop()
			return err
		}
		sink = messaging.NewWhatsAppService(wa, source)
	}

	r, err := relay.New(source, sink, marks, buildRelayOptions(flags)...)
	if err != nil {
		source.Stop()
		return err
	}
	return r.Run(ctx)
}

// dumpMarks prints the dedup snapshot without starting the relay
func dumpMarks(ctx context.Context, flags Flags, out io.Writer) error {
	storeOpts, err := buildStoreOptions(flags)
	if err != nil {
		return err
	}
	backend, err := store.NewBackend(storeOpts...)
	if err != nil {
		return fmt.Errorf("open dedup store: %w", err)
	}
	marks := store.NewDedupStore(backend)
	defer marks.Close()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(marks.Snapshot(ctx))
}

// buildStoreOptions constructs dedup store options from the selected backend kind
func buildStoreOptions(flags Flags) ([]store.Option, error) {
	stateDir := *flags.stateDir
	dsn := *flags.dbDSN
	kind := store.Kind(*flags.dedupStore)

	if kind == "" {
		if dsn != "" && store.DetectDSNType(dsn) == "postgres" {
			kind = store.KindPostgres
		} else {
			kind = store.KindFile
		}
		slog.Debug("No DEDUP_STORE set, selected backend", "kind", kind)
	}

	switch kind {
	case store.KindFile:
		return []store.Option{store.WithFilePath(filepath.Join(stateDir, store.DefaultSnapshotFileName))}, nil
	case store.KindSQLite:
		if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
			dsn = filepath.Join(stateDir, DefaultSQLiteFileName)
		}
		return []store.Option{store.WithSQLiteDSN(dsn)}, nil
	case store.KindPostgres:
		if dsn == "" || store.DetectDSNType(dsn) != "postgres" {
			return nil, errors.New("postgres dedup store requires a PostgreSQL DATABASE_URL or -db-dsn")
		}
		return []store.Option{store.WithPostgresDSN(dsn)}, nil
	case store.KindPebble:
		return []store.Option{store.WithPebbleDir(filepath.Join(stateDir, DefaultPebbleDirName))}, nil
	default:
		return nil, fmt.Errorf("unknown dedup store %q (want file, sqlite, postgres or pebble)", kind)
	}
}

// buildTelegramOptions constructs Telegram client options
func buildTelegramOptions(flags Flags) []telegram.Option {
	tgOpts := []telegram.Option{telegram.WithToken(*flags.botToken)}
	if *flags.telegramProxy != "" {
		tgOpts = append(tgOpts, telegram.WithProxy(*flags.telegramProxy))
	}
	if *flags.maxDownload > 0 {
		tgOpts = append(tgOpts, telegram.WithMaxDownloadBytes(*flags.maxDownload))
	}
	return tgOpts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}

// buildRelayOptions constructs relay options
func buildRelayOptions(flags Flags) []relay.Option {
	return []relay.Option{
		relay.WithSources(splitList(*flags.sources)...),
		relay.WithDestination(*flags.target),
		relay.WithPipeline(transform.Pipeline{
			Signature:    *flags.signature,
			Replacements: splitList(*flags.replace),
			NewUsername:  strings.TrimLeft(*flags.newUsername, "@"),
			MinTagLength: transform.DefaultMinTagLength,
		}),
		relay.WithPollInterval(*flags.pollInterval),
		relay.WithSendInterval(*flags.sendInterval),
		relay.WithMessageDelay(*flags.messageDelay),
		relay.WithFetchWindow(*flags.fetchWindow),
		relay.WithCaptionLimit(*flags.captionLimit),
		relay.WithAccessCheck(*flags.accessCheck),
		relay.WithReportSchedule(reportSchedule(*flags.report)),
	}
}

func reportSchedule(expr string) string {
	if strings.EqualFold(strings.TrimSpace(expr), "off") {
		return ""
	}
	return expr
}
