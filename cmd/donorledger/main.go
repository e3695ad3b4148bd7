package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/donorledger/internal/accounts"
	"github.com/MarcoPoloResearchLab/donorledger/internal/auth"
	"github.com/MarcoPoloResearchLab/donorledger/internal/config"
	"github.com/MarcoPoloResearchLab/donorledger/internal/database"
	"github.com/MarcoPoloResearchLab/donorledger/internal/identity"
	"github.com/MarcoPoloResearchLab/donorledger/internal/ledger"
	"github.com/MarcoPoloResearchLab/donorledger/internal/logging"
	"github.com/MarcoPoloResearchLab/donorledger/internal/migration"
	"github.com/MarcoPoloResearchLab/donorledger/internal/monitor"
	"github.com/MarcoPoloResearchLab/donorledger/internal/outbox"
	"github.com/MarcoPoloResearchLab/donorledger/internal/projects"
	"github.com/MarcoPoloResearchLab/donorledger/internal/records"
	"github.com/MarcoPoloResearchLab/donorledger/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "donorledger",
		Short: "Identity-scoped donation ledger service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("environment", defaults.GetString("environment"), "Runtime environment (development, production)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("store.driver"), "Key/value store driver (sqlite, bolt, memory)")
	cmd.PersistentFlags().String("store-path", defaults.GetString("store.path"), "Key/value store path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("identity-secret", "", "Identifier derivation secret (overrides env)")
	cmd.PersistentFlags().Bool("allow-rejoin", defaults.GetBool("accounts.allow_rejoin"), "Allow deleted emails to register again")
	cmd.PersistentFlags().Duration("poll-interval", defaults.GetDuration("monitor.poll_interval"), "Identity pointer poll interval (0 disables polling)")
	cmd.PersistentFlags().Bool("remote-enabled", defaults.GetBool("remote.enabled"), "Mirror ledger events to the remote backend")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote backend base URL")

	bindFlag(cmd, "environment", "environment")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "store.path", "store-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "identity.secret", "identity-secret")
	bindFlag(cmd, "accounts.allow_rejoin", "allow-rejoin")
	bindFlag(cmd, "monitor.poll_interval", "poll-interval")
	bindFlag(cmd, "remote.enabled", "remote-enabled")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.Environment)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, closeStore, err := database.OpenStore(appConfig.StoreDriver, appConfig.StorePath, logger)
	if err != nil {
		return err
	}
	defer closeStore() //nolint:errcheck

	deriver, err := identity.NewDeriver([]byte(appConfig.IdentitySecret))
	if err != nil {
		return err
	}
	registry, err := identity.NewRegistry(identity.RegistryConfig{
		Store:   store,
		Deriver: deriver,
		Logger:  logger.Named("identity"),
	})
	if err != nil {
		return err
	}
	repository, err := records.NewRepository(store)
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "donorledger",
		Audience:      "donorledger-client",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Store:       store,
		Registry:    registry,
		Repository:  repository,
		Tokens:      tokenIssuer,
		Hasher:      accounts.NewPasswordHasher(appConfig.PasswordCost),
		IDProvider:  accounts.NewUUIDProvider(),
		AllowRejoin: appConfig.AllowRejoin,
		Clock:       time.Now,
		Logger:      logger.Named("accounts"),
	})
	if err != nil {
		return err
	}

	migrationEngine, err := migration.NewEngine(migration.Config{
		Store:      store,
		Registry:   registry,
		Repository: repository,
		Logger:     logger.Named("migration"),
	})
	if err != nil {
		return err
	}
	migrationEngine.CleanupGlobal(ctx)

	aggregator, err := projects.NewAggregator(projects.Config{
		Store:  store,
		Logger: logger.Named("projects"),
	})
	if err != nil {
		return err
	}

	remotePolicy := outbox.Policy{
		Enabled:     appConfig.RemoteEnabled,
		Environment: appConfig.Environment,
		BaseURL:     appConfig.RemoteBaseURL,
		AllowLocal:  appConfig.RemoteAllowLocal,
	}
	if allowed, reason := remotePolicy.Allows(); !allowed {
		logger.Info("remote mirroring disabled", zap.String("reason", reason))
	}
	remote := outbox.New(outbox.Config{
		Policy:      remotePolicy,
		Timeout:     appConfig.RemoteTimeout,
		MaxAttempts: appConfig.RemoteMaxAttempts,
		QueueSize:   appConfig.RemoteQueueSize,
		Logger:      logger.Named("outbox"),
	})

	donationLedger, err := ledger.New(ledger.Config{
		Registry:   registry,
		Repository: repository,
		Aggregator: aggregator,
		Publisher:  remote,
		Logger:     logger.Named("ledger"),
	})
	if err != nil {
		return err
	}

	pollInterval := appConfig.PollInterval
	if pollInterval == 0 {
		pollInterval = -1
	}
	identityMonitor, err := monitor.New(monitor.Config{
		Registry:     registry,
		Ledger:       donationLedger,
		Migrator:     migrationEngine,
		PollInterval: pollInterval,
		Logger:       logger.Named("monitor"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts:   accountService,
		Ledger:     donationLedger,
		Aggregator: aggregator,
		Monitor:    identityMonitor,
		Events:     registry,
		Logger:     logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return identityMonitor.Run(groupCtx)
	})
	group.Go(func() error {
		return remote.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return err
	}
	delivered, dropped := remote.Stats()
	logger.Info("server stopped", zap.Int64("outbox_delivered", delivered), zap.Int64("outbox_dropped", dropped))
	return nil
}
