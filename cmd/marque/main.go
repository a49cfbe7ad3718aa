package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/marque/internal/auth"
	"github.com/MarcoPoloResearchLab/marque/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/marque/internal/client"
	"github.com/MarcoPoloResearchLab/marque/internal/config"
	"github.com/MarcoPoloResearchLab/marque/internal/database"
	"github.com/MarcoPoloResearchLab/marque/internal/logging"
	"github.com/MarcoPoloResearchLab/marque/internal/server"
	"github.com/MarcoPoloResearchLab/marque/internal/sync"
	"github.com/MarcoPoloResearchLab/marque/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "marque",
		Short: "Marque bookmark synchronization service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bookmark API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a user's bookmark collection from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, watchCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "API base URL for the watch client")
	cmd.PersistentFlags().String("google-id-token", "", "Google ID token for the watch client")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "google.id_token", "google-id-token")
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

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        "marque-auth",
		Audience:      "marque-api",
		TokenTTL:      time.Duration(appConfig.TokenTTLMinutes) * time.Minute,
	})
	if err != nil {
		return err
	}

	googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
		Audience: appConfig.GoogleClientID,
		JWKSURL:  appConfig.GoogleJWKSURL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	bookmarkService, err := bookmarks.NewService(bookmarks.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: bookmarks.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier:  googleVerifier,
		TokenManager:    tokenManager,
		Users:           userService,
		BookmarkService: bookmarkService,
		Logger:          logger,
		AllowedOrigins:  appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWatch(ctx context.Context) error {
	watchConfig, err := config.LoadWatch(viper.GetViper())
	if err != nil {
		return err
	}
	idToken := viper.GetString("google.id_token")
	if idToken == "" {
		return errors.New("google.id_token is required for watch")
	}

	logger, err := logging.NewLogger(watchConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	provider, err := client.NewProvider(client.ProviderConfig{
		BaseURL: watchConfig.APIBaseURL,
		IDTokenSource: func(context.Context) (string, error) {
			return idToken, nil
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	store, err := client.NewStore(client.StoreConfig{
		BaseURL: watchConfig.APIBaseURL,
		Tokens:  provider,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	feed, err := client.NewFeed(client.FeedConfig{
		BaseURL: watchConfig.APIBaseURL,
		Tokens:  provider,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	sessions, err := sync.NewSessionController(sync.SessionControllerConfig{
		Provider: provider,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	collection, err := sync.NewCollectionSynchronizer(sync.CollectionSynchronizerConfig{
		Store:  store,
		Logger: logger,
		OnUpdate: func(items []sync.Bookmark) {
			fmt.Printf("-- %d bookmarks --\n", len(items))
			for _, item := range items {
				fmt.Printf("%s  %s  %s\n", item.CreatedAt.Format(time.RFC3339), item.Title, item.URL)
			}
		},
	})
	if err != nil {
		return err
	}
	bridge, err := sync.NewChangeNotificationBridge(sync.ChangeNotificationBridgeConfig{
		Feed:   feed,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	manager, err := sync.NewManager(sync.ManagerConfig{
		Sessions:   sessions,
		Collection: collection,
		Bridge:     bridge,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		errCh <- sessions.Run(signalCtx)
	}()
	go func() {
		errCh <- manager.Run(signalCtx)
	}()

	if err := sessions.SignIn(signalCtx); err != nil {
		stop()
		return err
	}

	<-signalCtx.Done()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}
