package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/reelcher/metering/internal/dispatch"
	"github.com/reelcher/metering/internal/httpapi"
	"github.com/reelcher/metering/internal/queue"
	"github.com/reelcher/metering/internal/store/gormstore"
	"github.com/reelcher/metering/internal/store/pgstore"
	"github.com/reelcher/metering/pkg/credit"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagExecutorURL    = "executor-url"
	flagAdminToken     = "admin-token"
	flagAllowedOrigins = "allowed-origins"
	flagConcurrency    = "concurrency"
	flagMaxRetries     = "max-retries"
	flagStaleAfter     = "stale-after"
	flagRetention      = "retention"
	flagPollInterval   = "poll-interval"
	flagRenewInterval  = "renew-interval"
	flagPGNative       = "pg-native"
	flagCarryOver      = "carry-over"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyExecutorURL    = "executor_url"
	configKeyAdminToken     = "admin_token"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyConcurrency    = "concurrency"
	configKeyMaxRetries     = "max_retries"
	configKeyStaleAfter     = "stale_after"
	configKeyRetention      = "retention"
	configKeyPollInterval   = "poll_interval"
	configKeyRenewInterval  = "renew_interval"
	configKeyPGNative       = "pg_native"
	configKeyCarryOver      = "carry_over"

	defaultDatabaseURL   = "sqlite:///tmp/metering.db"
	defaultListenAddr    = ":8080"
	defaultRenewInterval = time.Hour
	renewSweepBatchSize  = 200
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	ExecutorURL    string
	AdminToken     string
	AllowedOrigins []string
	Concurrency    int
	MaxRetries     int
	StaleAfter     time.Duration
	Retention      time.Duration
	PollInterval   time.Duration
	RenewInterval  time.Duration
	PGNative       bool
	CarryOver      bool
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meterd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "meterd",
		Short:         "Metered search credit ledger and job queue server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagExecutorURL, "", "base URL of the search executor service")
	cmd.Flags().String(flagAdminToken, "", "bearer token for admin and executor callbacks")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.Flags().Int(flagConcurrency, queue.DefaultConcurrency, "maximum jobs running at once")
	cmd.Flags().Int(flagMaxRetries, queue.DefaultMaxRetries, "attempts per job before it fails for good")
	cmd.Flags().Duration(flagStaleAfter, queue.DefaultStaleAfter, "active job age before it is considered stuck")
	cmd.Flags().Duration(flagRetention, queue.DefaultRetention, "how long finished jobs are kept")
	cmd.Flags().Duration(flagPollInterval, queue.DefaultPollInterval, "queue maintenance interval")
	cmd.Flags().Duration(flagRenewInterval, defaultRenewInterval, "grant renewal sweep interval")
	cmd.Flags().Bool(flagPGNative, false, "use the pgx-native credit store (Postgres only)")
	cmd.Flags().Bool(flagCarryOver, false, "stack unused credits across grant cycles")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyExecutorURL:    "EXECUTOR_URL",
		configKeyAdminToken:     "ADMIN_TOKEN",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
	}
	for key, envName := range envBindings {
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyExecutorURL:    flagExecutorURL,
		configKeyAdminToken:     flagAdminToken,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyConcurrency:    flagConcurrency,
		configKeyMaxRetries:     flagMaxRetries,
		configKeyStaleAfter:     flagStaleAfter,
		configKeyRetention:      flagRetention,
		configKeyPollInterval:   flagPollInterval,
		configKeyRenewInterval:  flagRenewInterval,
		configKeyPGNative:       flagPGNative,
		configKeyCarryOver:      flagCarryOver,
	}
	for key, flagName := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.ExecutorURL = viper.GetString(configKeyExecutorURL)
	cfg.AdminToken = viper.GetString(configKeyAdminToken)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.Concurrency = viper.GetInt(configKeyConcurrency)
	cfg.MaxRetries = viper.GetInt(configKeyMaxRetries)
	cfg.StaleAfter = viper.GetDuration(configKeyStaleAfter)
	cfg.Retention = viper.GetDuration(configKeyRetention)
	cfg.PollInterval = viper.GetDuration(configKeyPollInterval)
	cfg.RenewInterval = viper.GetDuration(configKeyRenewInterval)
	cfg.PGNative = viper.GetBool(configKeyPGNative)
	cfg.CarryOver = viper.GetBool(configKeyCarryOver)

	if cfg.ExecutorURL == "" {
		return fmt.Errorf("executor url is required")
	}
	if cfg.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	creditStore, closeCreditStore, err := buildCreditStore(ctx, cfg, driver, gormDB)
	if err != nil {
		return err
	}
	defer closeCreditStore()

	creditOptions := []credit.ServiceOption{
		credit.WithOperationLogger(&zapOperationLogger{logger: logger}),
	}
	if cfg.CarryOver {
		creditOptions = append(creditOptions, credit.WithCarryOver())
	}
	creditService, err := credit.NewService(creditStore, creditOptions...)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	dispatcher := dispatch.NewHTTPDispatcher(cfg.ExecutorURL, logger)
	manager, err := queue.NewManager(
		gormstore.NewQueueStore(gormDB),
		creditService,
		dispatcher,
		queue.WithConcurrency(cfg.Concurrency),
		queue.WithMaxRetries(cfg.MaxRetries),
		queue.WithStaleAfter(cfg.StaleAfter),
		queue.WithRetention(cfg.Retention),
		queue.WithPollInterval(cfg.PollInterval),
		queue.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("queue manager init: %w", err)
	}

	server := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		AdminToken:     cfg.AdminToken,
	}, manager, creditService, logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return manager.Run(groupCtx)
	})
	group.Go(func() error {
		return runRenewalSweep(groupCtx, creditService, logger, cfg.RenewInterval)
	})
	group.Go(func() error {
		return server.Run(groupCtx)
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runRenewalSweep(ctx context.Context, creditService *credit.Service, logger *zap.Logger, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultRenewInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			renewed, err := creditService.RenewDue(ctx, time.Now().UTC(), renewSweepBatchSize)
			if err != nil {
				logger.Warn("renewal sweep failed", zap.Error(err))
				continue
			}
			if renewed > 0 {
				logger.Info("renewal sweep applied grants", zap.Int("accounts", renewed))
			}
		}
	}
}

func buildCreditStore(ctx context.Context, cfg *runtimeConfig, driver string, gormDB *gorm.DB) (credit.Store, func(), error) {
	if !cfg.PGNative {
		return gormstore.NewCreditStore(gormDB), func() {}, nil
	}
	if driver != "postgres" {
		return nil, nil, fmt.Errorf("pg-native requires a postgres database url")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("pgx pool init: %w", err)
	}
	return pgstore.New(pool), pool.Close, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var (
		db  *gorm.DB
		cfg *gorm.Config
	)
	cfg = &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "metering.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// zapOperationLogger mirrors every ledger operation into structured logs.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (opLogger *zapOperationLogger) LogOperation(_ context.Context, record credit.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", record.Operation),
		zap.String("user_id", record.UserID.String()),
		zap.String("status", record.Status),
	}
	if record.TransactionID.String() != "" {
		fields = append(fields, zap.String("transaction_id", record.TransactionID.String()))
	}
	if record.Plan != "" {
		fields = append(fields, zap.String("plan", string(record.Plan)))
	}
	fields = append(fields,
		zap.Int64("amount", record.Amount.Int64()),
		zap.Int64("balance", record.Balance.Int64()),
	)
	if record.Error != nil {
		fields = append(fields, zap.Error(record.Error))
		opLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	opLogger.logger.Info("ledger operation", fields...)
}
