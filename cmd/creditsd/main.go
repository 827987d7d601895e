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
	"github.com/pawmorph/credits/internal/auth"
	"github.com/pawmorph/credits/internal/httpapi"
	"github.com/pawmorph/credits/internal/oplog"
	"github.com/pawmorph/credits/internal/store/gormstore"
	"github.com/pawmorph/credits/internal/store/pgstore"
	"github.com/pawmorph/credits/pkg/credits"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL          = "database-url"
	flagListenAddr           = "listen-addr"
	flagSessionSigningKey    = "session-signing-key"
	flagSessionIssuer        = "session-issuer"
	flagSessionCookieName    = "session-cookie-name"
	flagAllowedOrigins       = "allowed-origins"
	flagSpendTimeout         = "spend-timeout"
	configKeyDatabaseURL     = "database_url"
	configKeyListenAddr      = "listen_addr"
	configKeySigningKey      = "session_signing_key"
	configKeySessionIssuer   = "session_issuer"
	configKeySessionCookie   = "session_cookie_name"
	configKeyAllowedOrigins  = "allowed_origins"
	configKeySpendTimeout    = "spend_timeout"
	defaultDatabaseURL       = "sqlite:///tmp/credits.db"
	defaultListenAddr        = ":9090"
	defaultSessionIssuer     = "tauth"
	defaultSessionCookieName = "app_session"
	defaultSpendTimeout      = 5 * time.Second
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AllowedOrigins    string
	SpendTimeout      time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditsd",
		Short:         "Picture-credits ledger HTTP server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres://, pgx://, or a sqlite path)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagSessionSigningKey, "", "HS256 key validating session cookies")
	cmd.Flags().String(flagSessionIssuer, defaultSessionIssuer, "expected session token issuer")
	cmd.Flags().String(flagSessionCookieName, defaultSessionCookieName, "session cookie name")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().Duration(flagSpendTimeout, defaultSpendTimeout, "per-spend operation timeout")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeySigningKey:     "SESSION_SIGNING_KEY",
		configKeySessionIssuer:  "SESSION_ISSUER",
		configKeySessionCookie:  "SESSION_COOKIE_NAME",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeySpendTimeout:   "SPEND_TIMEOUT",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}
	flagBindings := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeySigningKey:     flagSessionSigningKey,
		configKeySessionIssuer:  flagSessionIssuer,
		configKeySessionCookie:  flagSessionCookieName,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeySpendTimeout:   flagSpendTimeout,
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
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.SessionSigningKey = viper.GetString(configKeySigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionCookieName = viper.GetString(configKeySessionCookie)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.SpendTimeout = viper.GetDuration(configKeySpendTimeout)

	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	clock := func() time.Time { return time.Now().UTC() }
	service, err := credits.NewService(store, auth.ContextProvider{}, clock,
		credits.WithOperationLogger(oplog.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("credits service init: %w", err)
	}

	apiConfig := httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
		SpendTimeout:      cfg.SpendTimeout,
	}
	return httpapi.Run(ctx, apiConfig, service, logger)
}

// openStore resolves the backend from the DSN: pgx:// selects the raw pgx
// adapter, postgres:// the GORM postgres driver, anything else a sqlite path.
func openStore(ctx context.Context, dsn string) (credits.Store, func() error, error) {
	if strings.HasPrefix(dsn, "pgx://") {
		pool, err := pgxpool.New(ctx, "postgres://"+strings.TrimPrefix(dsn, "pgx://"))
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() error { pool.Close(); return nil }, nil
	}

	var (
		db  *gorm.DB
		err error
	)
	migrate := false
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	default:
		var sqlitePath string
		sqlitePath, err = resolveSQLitePath(dsn)
		if err != nil {
			return nil, nil, err
		}
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
		migrate = true
	}
	if err != nil {
		return nil, nil, err
	}
	if migrate {
		if err := gormstore.Migrate(db); err != nil {
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return gormstore.New(db.WithContext(ctx)), sqlDB.Close, nil
}

func resolveSQLitePath(dsn string) (string, error) {
	path := dsn
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Path
		if path == "" {
			path = parsed.Host
		}
	}
	if path == "" || path == "/" {
		path = "credits.db"
	}
	if path == ":memory:" {
		return path, nil
	}
	if !strings.HasPrefix(path, "/") {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
