package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/jantungin/screening-api/internal/config"
	"github.com/jantungin/screening-api/internal/es"
	"github.com/jantungin/screening-api/internal/handlers"
	"github.com/jantungin/screening-api/internal/identity"
	"github.com/jantungin/screening-api/internal/logging"
	authmw "github.com/jantungin/screening-api/internal/middleware/auth"
	loggingmw "github.com/jantungin/screening-api/internal/middleware/logging"
	"github.com/jantungin/screening-api/internal/mykafka"
	"github.com/jantungin/screening-api/internal/nikcipher"
	"github.com/jantungin/screening-api/internal/ratelimit"
	"github.com/jantungin/screening-api/internal/tokens"
	httpserver "github.com/jantungin/screening-api/internal/transport/http"
)

func main() {
	configuration, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.New(configuration.LOG_LEVEL)

	db, err := config.InitDB(configuration)
	if err != nil {
		log.Fatalf("database init failed: %v", err)
	}

	var producer *mykafka.Producer
	if configuration.KAFKA_ADDRESS != "" {
		producer = mykafka.NewProducer([]string{configuration.KAFKA_ADDRESS})
		defer producer.Close()
	}

	esClient, err := es.NewClient(configuration)
	if err != nil {
		logger.Warn("elasticsearch unavailable, account search disabled", "error", err)
		esClient = nil
	}

	tokenSvc := tokens.NewService([]byte(configuration.JWT_SECRET), configuration.JWT_TTL)

	directory := identity.NewDirectory(db, nikcipher.NormalizeKey(configuration.ENCRYPTION_KEY))

	guard := authmw.NewGuard(tokenSvc, db)
	guard.FreshWindow = configuration.FreshWindow

	generalLimiter := ratelimit.New(configuration.RateMax, configuration.RateWindow)
	authLimiter := ratelimit.New(configuration.AuthRateMax, configuration.RateWindow)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	generalLimiter.StartSweeper(ctx, configuration.SweepEvery, logger)
	authLimiter.StartSweeper(ctx, configuration.SweepEvery, logger)

	e := echo.New()
	e.HideBanner = true
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover(), middleware.RequestID(), loggingmw.RequestLogger(logger))

	deps := httpserver.Deps{
		AuthHandler: &handlers.AuthHandler{
			DB:        db,
			Directory: directory,
			Tokens:    tokenSvc,
			Producer:  producer,
			ES:        esClient,
			ESIndex:   "accounts",
		},
		AdminHandler: &handlers.AdminHandler{
			DB:        db,
			Directory: directory,
			Producer:  producer,
			ES:        esClient,
			ESIndex:   "accounts",
		},
		Guard:          guard,
		GeneralLimiter: generalLimiter,
		AuthLimiter:    authLimiter,
	}
	httpserver.Register(e, &deps)

	srv := &http.Server{
		Addr:         ":" + configuration.PORT,
		Handler:      e,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()
	logger.Info("server started", "port", configuration.PORT, "env", configuration.APP_ENV)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
