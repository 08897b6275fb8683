package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tavernhall/tablecore/internal/dlq"
	"github.com/tavernhall/tablecore/internal/engine"
	"github.com/tavernhall/tablecore/internal/httpapi"
	"github.com/tavernhall/tablecore/internal/kvstore"
	"github.com/tavernhall/tablecore/internal/lockmgr"
	"github.com/tavernhall/tablecore/internal/recovery"
	"github.com/tavernhall/tablecore/internal/reservation"
	"github.com/tavernhall/tablecore/internal/stats"
	"github.com/tavernhall/tablecore/internal/table"
	"github.com/tavernhall/tablecore/internal/wallet"
)

const (
	flagRedisURL            = "redis-url"
	flagDatabasePath        = "database-path"
	flagListenAddr          = "listen-addr"
	flagSmallBlind          = "small-blind"
	flagBigBlind            = "big-blind"
	flagBuyIn               = "buy-in"
	flagTurnTimeout         = "turn-timeout"
	flagFineGrainedPercent  = "fine-grained-percent"
	flagAllowedOrigins      = "allowed-origins"
	flagLockMaxAttempts     = "lock-max-attempts"
	flagLockBackoffDelays   = "lock-backoff-delays"
	flagLockQueueThreshold  = "lock-queue-depth-threshold"
	flagLockWaitThreshold   = "lock-wait-threshold"
	flagReservationTTL      = "reservation-ttl"
	flagReservationGrace    = "reservation-grace"
	configKeyRedisURL       = "redis_url"
	configKeyDatabasePath   = "database_path"
	configKeyListenAddr     = "listen_addr"
	configKeySmallBlind     = "small_blind"
	configKeyBigBlind       = "big_blind"
	configKeyBuyIn          = "buy_in"
	configKeyTurnTimeout    = "turn_timeout"
	configKeyRolloutPercent = "fine_grained_percent"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyMaxAttempts    = "lock_max_attempts"
	configKeyBackoffDelays  = "lock_backoff_delays"
	configKeyQueueThreshold = "lock_queue_depth_threshold"
	configKeyWaitThreshold  = "lock_wait_threshold"
	configKeyReservationTTL = "reservation_ttl"
	configKeyGraceBuffer    = "reservation_grace"
	defaultDatabasePath     = "/tmp/tablecore.db"
	defaultListenAddr       = ":8080"
)

type runtimeConfig struct {
	RedisURL           string
	DatabasePath       string
	ListenAddr         string
	SmallBlind         int64
	BigBlind           int64
	BuyIn              int64
	TurnTimeout        time.Duration
	FineGrainedPercent int
	AllowedOrigins     []string

	LockMaxAttempts    int
	LockBackoffDelays  []time.Duration
	LockQueueThreshold int
	LockWaitThreshold  time.Duration
	ReservationTTL     time.Duration
	ReservationGrace   time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tablecored: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "tablecored",
		Short:         "Multiplayer table session server",
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

	cmd.Flags().String(flagRedisURL, "", "Redis connection URL; empty runs on in-memory stores")
	cmd.Flags().String(flagDatabasePath, defaultDatabasePath, "SQLite database path for hand history and dead letters")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().Int64(flagSmallBlind, 5, "Small blind in chips")
	cmd.Flags().Int64(flagBigBlind, 10, "Big blind in chips")
	cmd.Flags().Int64(flagBuyIn, 1000, "Starting stack granted on first join")
	cmd.Flags().Duration(flagTurnTimeout, 30*time.Second, "Time a player has to act")
	cmd.Flags().Int(flagFineGrainedPercent, 0, "Percentage of sessions using fine-grained sub-locks")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS origins allowed to reach the API; empty disables CORS")
	cmd.Flags().Int(flagLockMaxAttempts, 3, "Lock acquisition attempts before giving up")
	cmd.Flags().StringSlice(flagLockBackoffDelays, []string{"1s", "2s", "4s", "8s"}, "Backoff delays between lock acquisition attempts")
	cmd.Flags().Int(flagLockQueueThreshold, 5, "Queue depth past which lock retries abort as busy")
	cmd.Flags().Duration(flagLockWaitThreshold, 25*time.Second, "Estimated wait past which lock retries abort as busy")
	cmd.Flags().Duration(flagReservationTTL, 5*time.Minute, "Time a pending reservation stays valid before the watchdog refunds it")
	cmd.Flags().Duration(flagReservationGrace, 30*time.Second, "Grace period past the reservation TTL before the watchdog fires")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyRedisURL:       "REDIS_URL",
		configKeyDatabasePath:   "DATABASE_PATH",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeySmallBlind:     "SMALL_BLIND",
		configKeyBigBlind:       "BIG_BLIND",
		configKeyBuyIn:          "BUY_IN",
		configKeyTurnTimeout:    "TURN_TIMEOUT",
		configKeyRolloutPercent: "FINE_GRAINED_PERCENT",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeyMaxAttempts:    "LOCK_MAX_ATTEMPTS",
		configKeyBackoffDelays:  "LOCK_BACKOFF_DELAYS",
		configKeyQueueThreshold: "LOCK_QUEUE_DEPTH_THRESHOLD",
		configKeyWaitThreshold:  "LOCK_WAIT_THRESHOLD",
		configKeyReservationTTL: "RESERVATION_TTL",
		configKeyGraceBuffer:    "RESERVATION_GRACE",
	}
	for configKey, envKey := range bindings {
		if err := viper.BindEnv(configKey, envKey); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyRedisURL:       flagRedisURL,
		configKeyDatabasePath:   flagDatabasePath,
		configKeyListenAddr:     flagListenAddr,
		configKeySmallBlind:     flagSmallBlind,
		configKeyBigBlind:       flagBigBlind,
		configKeyBuyIn:          flagBuyIn,
		configKeyTurnTimeout:    flagTurnTimeout,
		configKeyRolloutPercent: flagFineGrainedPercent,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyMaxAttempts:    flagLockMaxAttempts,
		configKeyBackoffDelays:  flagLockBackoffDelays,
		configKeyQueueThreshold: flagLockQueueThreshold,
		configKeyWaitThreshold:  flagLockWaitThreshold,
		configKeyReservationTTL: flagReservationTTL,
		configKeyGraceBuffer:    flagReservationGrace,
	}
	for configKey, flagName := range flags {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.RedisURL = viper.GetString(configKeyRedisURL)
	cfg.DatabasePath = viper.GetString(configKeyDatabasePath)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.SmallBlind = viper.GetInt64(configKeySmallBlind)
	cfg.BigBlind = viper.GetInt64(configKeyBigBlind)
	cfg.BuyIn = viper.GetInt64(configKeyBuyIn)
	cfg.TurnTimeout = viper.GetDuration(configKeyTurnTimeout)
	cfg.FineGrainedPercent = viper.GetInt(configKeyRolloutPercent)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.LockMaxAttempts = viper.GetInt(configKeyMaxAttempts)
	cfg.LockQueueThreshold = viper.GetInt(configKeyQueueThreshold)
	cfg.LockWaitThreshold = viper.GetDuration(configKeyWaitThreshold)
	cfg.ReservationTTL = viper.GetDuration(configKeyReservationTTL)
	cfg.ReservationGrace = viper.GetDuration(configKeyGraceBuffer)

	cfg.LockBackoffDelays = cfg.LockBackoffDelays[:0]
	for _, raw := range viper.GetStringSlice(configKeyBackoffDelays) {
		delay, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("lock backoff delay %q: %w", raw, err)
		}
		if delay <= 0 {
			return fmt.Errorf("lock backoff delays must be positive, got %q", raw)
		}
		cfg.LockBackoffDelays = append(cfg.LockBackoffDelays, delay)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaultDatabasePath
	}
	if cfg.SmallBlind <= 0 || cfg.BigBlind <= cfg.SmallBlind {
		return fmt.Errorf("blinds must satisfy 0 < small < big, got %d/%d", cfg.SmallBlind, cfg.BigBlind)
	}
	if cfg.FineGrainedPercent < 0 || cfg.FineGrainedPercent > 100 {
		return fmt.Errorf("fine-grained percent must be within [0,100], got %d", cfg.FineGrainedPercent)
	}
	if cfg.LockMaxAttempts < 1 {
		return fmt.Errorf("lock max attempts must be at least 1, got %d", cfg.LockMaxAttempts)
	}
	if len(cfg.LockBackoffDelays) == 0 {
		return fmt.Errorf("at least one lock backoff delay is required")
	}
	if cfg.LockQueueThreshold < 1 || cfg.LockWaitThreshold <= 0 {
		return fmt.Errorf("lock busy thresholds must be positive, got depth %d, wait %s", cfg.LockQueueThreshold, cfg.LockWaitThreshold)
	}
	if cfg.ReservationTTL <= 0 || cfg.ReservationGrace < 0 {
		return fmt.Errorf("reservation ttl must be positive and grace non-negative, got %s/%s", cfg.ReservationTTL, cfg.ReservationGrace)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	var redisClient *redis.Client
	var sessionStore kvstore.Store
	var lockBackend lockmgr.Backend
	var walletRepo wallet.Repository
	if cfg.RedisURL != "" {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		redisClient = redis.NewClient(redisOptions)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		sessionStore = kvstore.NewRedisStore(redisClient)
		lockBackend = lockmgr.NewRedisBackend(redisClient)
		walletRepo = wallet.NewRedisRepository(redisClient)
	} else {
		logger.Warn("no redis url configured, running on in-memory stores")
		sessionStore = kvstore.NewMemoryStore()
		lockBackend = lockmgr.NewMemoryBackend()
		walletRepo = wallet.NewMemoryRepository()
	}

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	deadLetters, err := dlq.NewGormQueue(gormDB)
	if err != nil {
		return fmt.Errorf("dead letter queue init: %w", err)
	}
	recorder, err := stats.NewRecorder(gormDB, logger)
	if err != nil {
		return fmt.Errorf("stats recorder init: %w", err)
	}

	locks, err := lockmgr.New(lockBackend, logger)
	if err != nil {
		return fmt.Errorf("lock manager init: %w", err)
	}
	tables, err := table.NewManager(sessionStore, logger)
	if err != nil {
		return fmt.Errorf("table manager init: %w", err)
	}
	ledger, err := reservation.New(sessionStore, walletRepo, deadLetters, logger, time.Now,
		reservation.WithPolicy(reservation.Policy{
			TTL:         cfg.ReservationTTL,
			GraceBuffer: cfg.ReservationGrace,
		}),
	)
	if err != nil {
		return fmt.Errorf("reservation coordinator init: %w", err)
	}
	defer ledger.Shutdown()

	retry := lockmgr.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.LockMaxAttempts
	retry.BackoffDelays = cfg.LockBackoffDelays
	retry.QueueDepthThreshold = cfg.LockQueueThreshold
	retry.EstimatedWaitThreshold = cfg.LockWaitThreshold

	engineConfig := engine.DefaultConfig()
	engineConfig.SmallBlind = cfg.SmallBlind
	engineConfig.BigBlind = cfg.BigBlind
	engineConfig.BuyIn = cfg.BuyIn
	engineConfig.TurnTimeout = cfg.TurnTimeout
	engineConfig.Retry = retry
	engineConfig.FineGrainedRolloutPercent = cfg.FineGrainedPercent
	tableEngine, err := engine.New(tables, locks, ledger, walletRepo, deadLetters, logger, time.Now,
		engine.WithStats(recorder),
		engine.WithConfig(engineConfig),
	)
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}

	recoveryService, err := recovery.NewService(tables, locks, logger)
	if err != nil {
		return fmt.Errorf("recovery service init: %w", err)
	}
	if _, err := recoveryService.RunStartupRecovery(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	server, err := httpapi.NewServer(tableEngine, locks, recorder, redisClient, gormDB, logger, httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}
	return server.Run(ctx)
}

func openDatabase(ctx context.Context, databasePath string) (*gorm.DB, func() error, error) {
	if databasePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(databasePath), 0o755); err != nil {
			return nil, nil, err
		}
	}
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}
