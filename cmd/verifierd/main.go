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

	"github.com/arcanalabs/credits/internal/store/gormstore"
	"github.com/arcanalabs/credits/internal/verifyapi"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagRPCURL         = "rpc-url"
	flagAllowedOrigins = "allowed-origins"
	flagRetryAttempts  = "retry-attempts"
	flagRetryBaseDelay = "retry-base-delay"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyRPCURL         = "rpc_url"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyRetryAttempts  = "retry_attempts"
	configKeyRetryBaseDelay = "retry_base_delay"

	defaultDatabaseURL = "sqlite:///tmp/verifier.db"
	defaultListenAddr  = ":8080"
	defaultRPCURL      = "https://api.mainnet-beta.solana.com"
)

type runtimeConfig struct {
	DatabaseURL string
	API         verifyapi.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "verifierd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "verifierd",
		Short:         "Payment verification HTTP server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "Database connection string (sqlite:// or postgres://)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagRPCURL, defaultRPCURL, "Solana RPC node URL")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-delimited CORS origins")
	cmd.Flags().Int(flagRetryAttempts, 5, "Verification retry attempts")
	cmd.Flags().Duration(flagRetryBaseDelay, 500*time.Millisecond, "Verification retry base delay")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	environmentBindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "VERIFIER_LISTEN_ADDR",
		configKeyRPCURL:         "SOLANA_RPC_URL",
		configKeyAllowedOrigins: "VERIFIER_ALLOWED_ORIGINS",
		configKeyRetryAttempts:  "VERIFIER_RETRY_ATTEMPTS",
		configKeyRetryBaseDelay: "VERIFIER_RETRY_BASE_DELAY",
	}
	for configKey, environmentVariable := range environmentBindings {
		if err := viper.BindEnv(configKey, environmentVariable); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyRPCURL:         flagRPCURL,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyRetryAttempts:  flagRetryAttempts,
		configKeyRetryBaseDelay: flagRetryBaseDelay,
	}
	for configKey, flagName := range flagBindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.API = verifyapi.Config{
		ListenAddr:     viper.GetString(configKeyListenAddr),
		RPCURL:         viper.GetString(configKeyRPCURL),
		AllowedOrigins: verifyapi.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins)),
		RetryAttempts:  viper.GetInt(configKeyRetryAttempts),
		RetryBaseDelay: viper.GetDuration(configKeyRetryBaseDelay),
	}
	return cfg.API.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := gormstore.Migrate(gormDB); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	return verifyapi.Run(ctx, cfg.API, gormDB)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
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

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "verifier.db"
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
