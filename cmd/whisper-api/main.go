package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/whisper/internal/auth"
	"github.com/MarcoPoloResearchLab/whisper/internal/config"
	"github.com/MarcoPoloResearchLab/whisper/internal/database"
	"github.com/MarcoPoloResearchLab/whisper/internal/logging"
	"github.com/MarcoPoloResearchLab/whisper/internal/server"
	"github.com/MarcoPoloResearchLab/whisper/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const sessionPurgeInterval = time.Hour

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "whisper-api",
		Short: "Whisper secrets backend service",
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("session-cookie-name", defaults.GetString("session.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("session.ttl_minutes"), "Session TTL in minutes")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-redirect-url", defaults.GetString("google.redirect_url"), "Google OAuth callback URL")
	cmd.PersistentFlags().String("facebook-client-id", defaults.GetString("facebook.client_id"), "Facebook OAuth app ID")
	cmd.PersistentFlags().String("facebook-redirect-url", defaults.GetString("facebook.redirect_url"), "Facebook OAuth callback URL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "session.cookie_name", "session-cookie-name")
	bindFlag(cmd, "session.ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.redirect_url", "google-redirect-url")
	bindFlag(cmd, "facebook.client_id", "facebook-client-id")
	bindFlag(cmd, "facebook.redirect_url", "facebook-redirect-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
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

	usersService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: users.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessionManager, err := auth.NewSessionManager(auth.SessionManagerConfig{
		Database: db,
		TTL:      appConfig.SessionTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	stateIssuer := auth.NewStateIssuer(auth.StateIssuerConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        "whisper-api",
	})

	providers, err := buildProviders(appConfig, logger)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Users:      usersService,
		Sessions:   sessionManager,
		States:     stateIssuer,
		Providers:  providers,
		CookieName: appConfig.SessionCookieName,
		Logger:     logger,
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

	go purgeSessionsLoop(signalCtx, sessionManager, logger)

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

func buildProviders(appConfig config.AppConfig, logger *zap.Logger) ([]server.IdentityProvider, error) {
	providers := make([]server.IdentityProvider, 0, 2)
	if appConfig.Google.Enabled() {
		google, err := auth.NewGoogleProvider(
			appConfig.Google.ClientID,
			appConfig.Google.ClientSecret,
			appConfig.Google.RedirectURL,
			logger,
		)
		if err != nil {
			return nil, err
		}
		providers = append(providers, google)
	}
	if appConfig.Facebook.Enabled() {
		facebook, err := auth.NewFacebookProvider(
			appConfig.Facebook.ClientID,
			appConfig.Facebook.ClientSecret,
			appConfig.Facebook.RedirectURL,
			logger,
		)
		if err != nil {
			return nil, err
		}
		providers = append(providers, facebook)
	}
	if len(providers) == 0 {
		logger.Warn("no oauth providers configured, only local login is available")
	}
	return providers, nil
}

func purgeSessionsLoop(ctx context.Context, sessions *auth.SessionManager, logger *zap.Logger) {
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sessions.PurgeExpired(ctx); err != nil {
				logger.Warn("session purge failed", zap.Error(err))
			}
		}
	}
}
