package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/melodyforge/backend/internal/auth"
	"github.com/melodyforge/backend/internal/catalog"
	"github.com/melodyforge/backend/internal/config"
	"github.com/melodyforge/backend/internal/dashboard"
	"github.com/melodyforge/backend/internal/delivery"
	"github.com/melodyforge/backend/internal/handlers"
	"github.com/melodyforge/backend/internal/ledger"
	"github.com/melodyforge/backend/internal/middleware"
	"github.com/melodyforge/backend/internal/payments"
	"github.com/melodyforge/backend/internal/repository"
	"github.com/melodyforge/backend/internal/router"
	"github.com/melodyforge/backend/internal/services"
)

// appHandlers are the chat-facing surfaces, built only for roles that run the bot.
type appHandlers struct {
	bot     *handlers.Bot
	webhook http.Handler
	admin   http.Handler
}

func newAppHandlers(
	cfg *config.Config,
	pipeline *services.Pipeline,
	ledgerSvc *ledger.Service,
	accounts *repository.AccountRepo,
	tasks *repository.TaskRepo,
	notifier *delivery.Notifier,
	presets *catalog.Catalog,
	logger *slog.Logger,
) (*appHandlers, error) {
	checkout := payments.NewClient(payments.Config{
		ShopID:    cfg.YooKassaShopID,
		SecretKey: cfg.YooKassaSecretKey,
		ReturnURL: cfg.YooKassaReturnURL,
	}, logger)
	if !checkout.Configured() {
		logger.Warn("YooKassa credentials missing, top-ups disabled")
	}

	bot := handlers.NewBot(pipeline, ledgerSvc, checkout, notifier, presets, handlers.BotConfig{
		WelcomeBonus: cfg.WelcomeBonus,
		TextPrice:    cfg.TextPrice,
	}, logger)

	parser, err := payments.NewWebhookParser()
	if err != nil {
		return nil, err
	}
	var networks []string
	if cfg.WebhookCheckIP {
		networks = middleware.YooKassaNetworks
	}
	guard, err := middleware.WebhookGuard(networks, 64<<10, cfg.TrustProxy, logger)
	if err != nil {
		return nil, err
	}
	wh := &handlers.WebhookHandler{Parser: parser, Ledger: ledgerSvc, Chat: notifier, Logger: logger}
	if checkout.Configured() {
		wh.Verifier = checkout
	}
	webhook := guard(wh)

	authSvc := auth.NewService(auth.Config{
		Username:     cfg.AdminUsername,
		PasswordHash: cfg.AdminPasswordHash,
		Secret:       []byte(cfg.JWTSecret),
	})
	admin := router.New(
		auth.NewHandler(authSvc, logger),
		dashboard.NewHandler(accounts, tasks, ledgerSvc, logger),
		middleware.AdminAuth(authSvc, auth.RoleAdmin),
	)
	return &appHandlers{bot: bot, webhook: webhook, admin: admin}, nil
}

// newHTTPHandler serves health and metrics for every role, plus the admin API
// and payment webhook when app is set.
func newHTTPHandler(cfg *config.Config, pool *pgxpool.Pool, app *appHandlers) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, `{"status":"db unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	if app != nil {
		mux.Handle("/api/", app.admin)
		mux.Handle("/yookassa/webhook", app.webhook)
	}

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)
}
