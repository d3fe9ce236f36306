package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/draftsafe/internal/auth"
	"github.com/MarcoPoloResearchLab/draftsafe/internal/autosave"
	"github.com/MarcoPoloResearchLab/draftsafe/internal/config"
	"github.com/MarcoPoloResearchLab/draftsafe/internal/database"
	"github.com/MarcoPoloResearchLab/draftsafe/internal/drafts"
	"github.com/MarcoPoloResearchLab/draftsafe/internal/logging"
	"github.com/MarcoPoloResearchLab/draftsafe/internal/metrics"
	"github.com/MarcoPoloResearchLab/draftsafe/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "draftsafe-api",
		Short: "Draft autosave and snapshot service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString(config.KeyHTTPAddress), "HTTP listen address")
	flags.String("database-path", defaults.GetString(config.KeyDatabasePath), "SQLite database path")
	flags.String("log-level", defaults.GetString(config.KeyLogLevel), "Log level (debug, info, warn, error)")
	flags.Int("autosave-delay-ms", defaults.GetInt(config.KeyAutosaveDelayMs), "Quiet period before buffered edits are flushed")
	flags.Int("snapshot-limit", defaults.GetInt(config.KeySnapshotLimit), "Snapshots retained per draft")
	flags.Int("forced-flush-timeout-ms", defaults.GetInt(config.KeyForcedFlushTimeoutMs), "Wait bound for lifecycle-forced flushes")
	flags.Int("shutdown-timeout-ms", defaults.GetInt(config.KeyShutdownTimeoutMs), "Graceful shutdown bound")
	flags.String("signing-secret", "", "Bearer token signing secret; enables auth when set")
	flags.String("auth-issuer", defaults.GetString(config.KeyAuthIssuer), "Expected token issuer")
	flags.String("auth-audience", defaults.GetString(config.KeyAuthAudience), "Expected token audience")
	flags.Int("token-ttl-minutes", defaults.GetInt(config.KeyAuthTokenTTLMinutes), "Lifetime of issued tokens in minutes")

	bindFlag(cmd, config.KeyHTTPAddress, "http-address")
	bindFlag(cmd, config.KeyDatabasePath, "database-path")
	bindFlag(cmd, config.KeyLogLevel, "log-level")
	bindFlag(cmd, config.KeyAutosaveDelayMs, "autosave-delay-ms")
	bindFlag(cmd, config.KeySnapshotLimit, "snapshot-limit")
	bindFlag(cmd, config.KeyForcedFlushTimeoutMs, "forced-flush-timeout-ms")
	bindFlag(cmd, config.KeyShutdownTimeoutMs, "shutdown-timeout-ms")
	bindFlag(cmd, config.KeyAuthSigningSecret, "signing-secret")
	bindFlag(cmd, config.KeyAuthIssuer, "auth-issuer")
	bindFlag(cmd, config.KeyAuthAudience, "auth-audience")
	bindFlag(cmd, config.KeyAuthTokenTTLMinutes, "token-ttl-minutes")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the draft API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			tokens, err := newTokenManager(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := tokens.IssueToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject")
	return cmd
}

func newTokenManager(appConfig config.AppConfig) (*auth.TokenManager, error) {
	return auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.AuthTokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			logger.Warn("database close failed", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector()

	repository, err := drafts.NewRepository(drafts.RepositoryConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	coordinator, err := autosave.NewCoordinator(autosave.CoordinatorConfig{
		Repository:    repository,
		Clock:         autosave.SystemClock{},
		SnapshotLimit: appConfig.SnapshotLimit,
		Logger:        logger,
		Metrics:       collector,
	})
	if err != nil {
		return err
	}
	manager, err := autosave.NewManager(autosave.ManagerConfig{
		Coordinator:        coordinator,
		Delay:              appConfig.AutosaveDelay,
		ForcedFlushTimeout: appConfig.ForcedFlushTimeout,
		Lifecycle:          autosave.NewLifecycleHub(),
		Status:             autosave.NewStatusDispatcher(),
		Logger:             logger,
		Metrics:            collector,
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Manager: manager,
		Metrics: collector,
		Logger:  logger,
	}
	if appConfig.AuthEnabled() {
		tokens, err := newTokenManager(appConfig)
		if err != nil {
			return err
		}
		deps.Tokens = tokens
	} else {
		logger.Warn("auth.signing_secret not set; draft API is unauthenticated")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Duration("autosave_delay", appConfig.AutosaveDelay),
			zap.Int("snapshot_limit", appConfig.SnapshotLimit))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
	defer cancel()

	// Status streams hold their requests open until the base context ends.
	cancelBase()
	httpErr := httpServer.Shutdown(shutdownCtx)
	flushErr := manager.Shutdown(shutdownCtx)
	return errors.Join(httpErr, flushErr)
}
