package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"go.uber.org/zap"

	"github.com/tractionhq/traction-engine/pkg/auth"
	"github.com/tractionhq/traction-engine/pkg/config"
	"github.com/tractionhq/traction-engine/pkg/connectors"
	"github.com/tractionhq/traction-engine/pkg/crypto"
	"github.com/tractionhq/traction-engine/pkg/database"
	"github.com/tractionhq/traction-engine/pkg/handlers"
	"github.com/tractionhq/traction-engine/pkg/middleware"
	"github.com/tractionhq/traction-engine/pkg/models"
	"github.com/tractionhq/traction-engine/pkg/repositories"
	"github.com/tractionhq/traction-engine/pkg/services"
	"github.com/tractionhq/traction-engine/pkg/synclock"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck // stderr sync failure at exit is harmless

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", cfg.Database.Database),
		zap.Bool("redis", cfg.Redis.Host != ""),
		zap.Bool("hubspot_configured", cfg.HubSpot.IsConfigured()))

	ctx := context.Background()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// golang-migrate drives database/sql, not pgx pools; open a throwaway
	// connection just for the migration run.
	sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal("Failed to open migration connection", zap.Error(err))
	}
	if err := database.RunMigrations(sqlDB, "migrations", logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	sqlDB.Close() //nolint:errcheck // connection already served its purpose

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	var locker synclock.Locker
	if redisClient != nil {
		locker = synclock.NewRedisLocker(redisClient,
			time.Duration(cfg.Sync.LockTTLMinutes)*time.Minute, logger)
	} else {
		locker = synclock.NewLocalLocker()
	}

	vault, err := crypto.NewTokenVault(cfg.TokenEncryptionKey)
	if err != nil {
		logger.Fatal("Failed to initialize token vault", zap.Error(err))
	}

	// Repositories
	integrationRepo := repositories.NewIntegrationRepository(db)
	stateRepo := repositories.NewOAuthStateRepository(db)
	dataSourceRepo := repositories.NewDataSourceRepository(db)
	runRepo := repositories.NewSyncRunRepository(db)
	recordRepo := repositories.NewRecordRepository(db)

	// Provider apps
	httpTimeout := time.Duration(cfg.Sync.HTTPTimeoutSeconds) * time.Second
	hubspotApp := connectors.NewHubSpotApp(
		cfg.HubSpot.ClientID, cfg.HubSpot.ClientSecret,
		cfg.HubSpot.Scopes, cfg.HubSpot.BaseURL, httpTimeout)

	endpoints := map[string]services.TokenEndpoint{}
	oauthProviders := map[string]services.OAuthProvider{}
	if cfg.HubSpot.IsConfigured() {
		endpoints[models.ProviderHubSpot] = hubspotApp
		oauthProviders[models.ProviderHubSpot] = hubspotApp
	} else {
		logger.Warn("HubSpot client credentials not set; the connect flow is disabled")
	}

	// Services
	tokenManager := services.NewTokenRefreshManager(integrationRepo, vault, endpoints, logger)
	oauthFlow := services.NewOAuthFlowService(stateRepo, integrationRepo, vault, oauthProviders, logger)

	factory := services.ConnectorFactory(func(integration *models.Integration, properties map[string][]string) connectors.Connector {
		return connectors.NewHubSpotConnector(hubspotApp, tokenManager.Source(integration.ID),
			connectors.ConnectorOptions{
				PageSize:   cfg.Sync.PageSize,
				Properties: properties,
			}, logger)
	})

	orchestrator := services.NewSyncOrchestrator(
		dataSourceRepo, runRepo, recordRepo, integrationRepo,
		tokenManager, locker, factory, logger)
	integrationService := services.NewIntegrationService(integrationRepo, factory, logger)

	// Authentication
	validator, err := auth.NewJWKSValidator(&auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		Issuer:             cfg.Auth.Issuer,
		JWKSURL:            cfg.Auth.JWKSURL,
	})
	if err != nil {
		logger.Fatal("Failed to initialize token validator", zap.Error(err))
	}
	authMiddleware := auth.NewMiddleware(validator, logger)

	mux := http.NewServeMux()

	// Register handlers
	handlers.NewHealthHandler(cfg, db, logger).RegisterRoutes(mux)
	handlers.NewOAuthHandler(cfg, oauthFlow, tokenManager, integrationRepo, cfg.SessionKey, logger).
		RegisterRoutes(mux, authMiddleware)
	handlers.NewIntegrationsHandler(integrationService, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewDataSourcesHandler(dataSourceRepo, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewSyncHandler(orchestrator, dataSourceRepo, runRepo, logger).RegisterRoutes(mux, authMiddleware)

	handler := middleware.Chain(mux, middleware.RequestLogger(logger))

	addr := cfg.BindAddr + ":" + cfg.Port
	logger.Info("Starting traction-engine",
		zap.String("addr", addr),
		zap.String("version", cfg.Version))
	if err := http.ListenAndServe(addr, handler); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
