package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cryptoquiz/backend/internal/audit"
	"github.com/cryptoquiz/backend/internal/config"
	"github.com/cryptoquiz/backend/internal/database"
	"github.com/cryptoquiz/backend/internal/events"
	"github.com/cryptoquiz/backend/internal/handlers"
	"github.com/cryptoquiz/backend/internal/logger"
	mW "github.com/cryptoquiz/backend/internal/middleware"
	"github.com/cryptoquiz/backend/internal/services"
	"github.com/cryptoquiz/backend/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(config.Load())
	},
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := database.OpenStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer s.Close()

	redisClient := database.InitRedis(cfg.Redis)
	if redisClient != nil {
		defer redisClient.Close()
	}

	auditLog := audit.NewLogger(logger.Log)
	notifier := events.NewNotifier()
	publisher, closeEvents, err := eventPublisher(ctx, cfg.Events, redisClient, notifier)
	if err != nil {
		return err
	}
	defer closeEvents()

	accounts := services.NewAccountStore(s, cfg.Ledger, auditLog)
	txlog := services.NewTransactionLog(s, accounts, publisher, auditLog)
	feed := services.NewActivityFeed(txlog, redisClient)
	txlog.AddPublisher(feed)

	bonus := services.NewBonusEngine(s, accounts, txlog, auditLog, cfg.Ledger)
	limiter := services.NewRateLimiter(redisClient, cfg.Ledger.RequestRateLimit, cfg.Ledger.RequestRateWindow)

	var uploader services.ProofUploader
	if u, err := storage.NewFromConfig(ctx, cfg.Storage); err == nil {
		uploader = u
	} else if !errors.Is(err, storage.ErrStorageDisabled) {
		return err
	} else {
		logger.Log.Info("proof uploads disabled, deposits need a proof URL")
	}
	workflow := services.NewApprovalWorkflow(txlog, accounts, uploader, limiter, auditLog, cfg.Ledger)
	sessions := services.NewSessionService(accounts, bonus, redisClient, cfg)
	qrService := services.NewQRService(cfg.Deposit.Addresses, cfg.Ledger.MinDeposit, redisClient)

	sweeper := services.NewSweeper(txlog, cfg.Ledger)
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	sessionHandler := handlers.NewSessionHandler(sessions)
	walletHandler := handlers.NewWalletHandler(accounts, txlog, workflow, bonus)
	qrHandler := handlers.NewQRHandler(qrService)
	activityHandler := handlers.NewActivityHandler(feed, notifier)
	adminHandler := handlers.NewAdminHandler(txlog, workflow, accounts, bonus, feed)
	internalHandler := handlers.NewInternalHandler(bonus)
	auth := mW.NewAuth(cfg.JWT.SecretKey, sessions)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(mW.StripQueryToken)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Service-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// the websocket stream must not sit behind the request timeout
	r.Group(func(r chi.Router) {
		r.Use(auth.WebSocketMiddleware)
		r.Get("/api/v1/activity/ws", activityHandler.Stream)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/api/v1", func(r chi.Router) {
			sessionHandler.PublicRoutes(r)

			r.Group(func(r chi.Router) {
				r.Use(auth.Middleware)

				sessionHandler.Routes(r)
				walletHandler.Routes(r)
				qrHandler.Routes(r)
				r.Get("/activity", activityHandler.List)

				r.Route("/admin", func(r chi.Router) {
					r.Use(mW.RequireAdmin)
					adminHandler.Routes(r)
				})
			})
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(mW.ServiceToken(cfg.Server.ServiceToken))
			internalHandler.Routes(r)
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 70 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Log.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Log.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Log.Info("server stopped")
	return nil
}

// eventPublisher picks the sink for transaction events. With Redis the
// local notifier is fed through the subscription so every instance sees
// every event.
func eventPublisher(ctx context.Context, cfg config.EventsConfig, rdb *redis.Client, notifier *events.Notifier) (events.Publisher, func(), error) {
	switch cfg.Backend {
	case "redis":
		if rdb == nil {
			logger.Log.Warn("events backend is redis but redis is unavailable, delivering locally")
			return notifier, func() {}, nil
		}
		if err := events.NewRedisSubscriber(rdb, cfg.Channel, notifier).Start(ctx); err != nil {
			return nil, nil, err
		}
		return events.NewRedisPublisher(rdb, cfg.Channel), func() {}, nil
	case "kafka":
		kp := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		closer := func() {
			if err := kp.Close(); err != nil {
				logger.Log.Warn("closing kafka writer", zap.Error(err))
			}
		}
		return events.Fanout{kp, notifier}, closer, nil
	case "", "none":
		return notifier, func() {}, nil
	}
	return nil, nil, errors.New("unknown events backend " + cfg.Backend)
}
