package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/username/cryptofolio/backend/src/assets"
	"github.com/username/cryptofolio/backend/src/config"
	"github.com/username/cryptofolio/backend/src/database"
	"github.com/username/cryptofolio/backend/src/handlers"
	"github.com/username/cryptofolio/backend/src/logger"
	"github.com/username/cryptofolio/backend/src/model"
	"github.com/username/cryptofolio/backend/src/processors"
	"github.com/username/cryptofolio/backend/src/security"
	"github.com/username/cryptofolio/backend/src/services"
	"golang.org/x/time/rate"
)

func proxyHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-Proto") == "https" {
			r.URL.Scheme = "https"
			r.TLS = &tls.ConnectionState{}
		}
		next.ServeHTTP(w, r)
	})
}

var limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 30)

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			logger.L.Warn("Rate limit exceeded", "path", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func enableCORS(allowedOrigins map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Authorization, X-Requested-With")
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loadRegistry(path string) *assets.Registry {
	if path == "" {
		return assets.MustDefault()
	}
	registry, err := assets.LoadFile(path)
	if err != nil {
		logger.L.Error("Failed to load asset registry", "path", path, "error", err)
		os.Exit(1)
	}
	return registry
}

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)

	logger.L.Info("Cryptofolio backend server starting...")

	if len(config.Cfg.JWTSecret) < 32 {
		logger.L.Error("JWT_SECRET configuration invalid.")
		os.Exit(1)
	}

	dialect, err := database.ParseDialect(config.Cfg.DatabaseDriver)
	if err != nil {
		logger.L.Error("Invalid database configuration", "error", err)
		os.Exit(1)
	}
	logger.L.Info("Initializing database...", "dialect", string(dialect))
	database.InitDB(dialect, config.Cfg.DatabaseDSN())
	if err := database.RunMigrations(database.DB, dialect); err != nil {
		logger.L.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	registry := loadRegistry(config.Cfg.AssetRegistryPath)

	secretBox, err := security.NewSecretBox(config.Cfg.CredentialsKey)
	if err != nil {
		logger.L.Error("Invalid credentials key", "error", err)
		os.Exit(1)
	}
	tokenVerifier := security.NewTokenVerifier(config.Cfg.JWTSecret)

	transactionStore := model.NewTransactionStore(database.DB, dialect)
	connectionStore := model.NewConnectionStore(database.DB, dialect)
	priceStore := model.NewPriceStore(database.DB, dialect)

	priceService := services.NewPriceService(priceStore,
		services.PriceServiceWithBaseURL(config.Cfg.PriceBaseURL),
		services.PriceServiceWithRequestDelay(config.Cfg.PriceRequestDelay),
		services.PriceServiceWithCacheExpiry(config.Cfg.PriceCacheExpiry),
		services.PriceServiceWithHTTPTimeout(config.Cfg.PriceHTTPTimeout),
	)
	enricher := processors.NewPriceEnricher(priceService, registry)
	importService := services.NewImportService(transactionStore, enricher)
	connectionService := services.NewConnectionService(connectionStore, secretBox)
	fetcher := services.NewExchangeFetcher(registry, services.ExchangeSettings{
		KrakenBaseURL:    config.Cfg.KrakenBaseURL,
		CryptoComBaseURL: config.Cfg.CryptoComBaseURL,
		PageDelay:        config.Cfg.ExchangePageDelay,
		MaxPages:         config.Cfg.ExchangeMaxPages,
		HTTPTimeout:      config.Cfg.ExchangeHTTPTimeout,
	})
	ingestionService := services.NewIngestionService(registry, importService, connectionService, fetcher)

	importHandler := handlers.NewImportHandler(ingestionService, config.Cfg.MaxUploadSizeBytes)
	connectionHandler := handlers.NewConnectionHandler(connectionService)
	txHandler := handlers.NewTransactionHandler(importService, transactionStore)
	pfManagerHandler := handlers.NewPortfolioManagerHandler(transactionStore)

	allowedOrigins := map[string]bool{"http://localhost:3000": true}
	if config.Cfg.FrontendBaseURL != "" {
		allowedOrigins[strings.TrimRight(config.Cfg.FrontendBaseURL, "/")] = true
	}

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(handlers.ContextualLoggerMiddleware)
	r.Use(proxyHeadersMiddleware)
	r.Use(enableCORS(allowedOrigins))
	r.Use(rateLimitMiddleware)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": "Cryptofolio Backend is running"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(handlers.AuthMiddleware(tokenVerifier))

			r.Get("/portfolios", pfManagerHandler.ListPortfolios)
			r.Post("/portfolios", pfManagerHandler.CreatePortfolio)
			r.Get("/portfolios/{portfolioID}/transactions", txHandler.HandleListTransactions)
			r.Post("/portfolios/{portfolioID}/imports/csv", importHandler.HandleCSVImport)
			// Exchange pulls page through rate-limited APIs and can run for minutes.
			r.With(middleware.Timeout(10*time.Minute)).
				Post("/portfolios/{portfolioID}/imports/exchange", importHandler.HandleExchangeSync)

			r.Get("/connections", connectionHandler.HandleListConnections)
			r.Put("/connections/{source}", connectionHandler.HandleSaveConnection)
		})
	})

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 11 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.L.Info("Server starting", "address", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stdlog.Fatalf("Failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.L.Error("Graceful shutdown failed", "error", err)
	}
	database.DB.Close()
	logger.L.Info("Server stopped")
}
