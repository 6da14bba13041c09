package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/kirmas/dealradar/internal/config"
	"github.com/kirmas/dealradar/internal/logging"
	"github.com/kirmas/dealradar/internal/notify"
	"github.com/kirmas/dealradar/internal/reconcile"
	"github.com/kirmas/dealradar/internal/scheduler"
	"github.com/kirmas/dealradar/internal/store"
	"github.com/kirmas/dealradar/pkg/fetch"
	"github.com/kirmas/dealradar/pkg/server"
	"github.com/kirmas/dealradar/pkg/telegram"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	return store.Open(cfg.Database.Path, cfg.Database.ConnectAttempts, 500*time.Millisecond)
}

// buildRegistry seeds configured retailers into the store and binds an
// adapter to each enabled one. Adapters share the transport policy of
// their retailer.
func buildRegistry(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) (*fetch.Registry, error) {
	registry := fetch.NewRegistry()

	for _, rc := range cfg.Retailers {
		retailer := store.Retailer{
			Slug:            rc.Slug,
			Name:            rc.Name,
			BaseURL:         rc.BaseURL,
			RotatingProxy:   rc.RotatingProxy,
			RandomUserAgent: rc.RandomUserAgent,
			Active:          rc.Enabled,
		}
		if err := st.UpsertRetailer(ctx, &retailer); err != nil {
			return nil, fmt.Errorf("seed retailer %s: %w", rc.Slug, err)
		}
		if !rc.Enabled {
			continue
		}

		opts := fetch.TransportOpts{
			Timeout:         cfg.HTTP.Timeout(),
			RandomUserAgent: rc.RandomUserAgent,
		}
		if rc.RotatingProxy {
			opts.ProxyURLs = rc.ProxyURLs
		}
		client := fetch.NewClient(opts)

		var adapter fetch.Adapter
		switch rc.Slug {
		case "kufar":
			adapter = fetch.NewKufar(client, rc.BaseURL)
		case "craigslist":
			adapter = fetch.NewCraigslist(client, rc.BaseURL)
		case "olx":
			adapter = fetch.NewOLX(client, rc.BaseURL)
		default:
			logger.Warn("no adapter for retailer, skipping", "slug", rc.Slug)
			continue
		}

		registry.Register(retailer.ID, adapter)
		logger.Info("retailer registered", "slug", rc.Slug, "retailer_id", retailer.ID)
	}

	return registry, nil
}

// telegramTransport adapts the Telegram bot to the dispatcher's
// Transport interface.
type telegramTransport struct {
	bot *telegram.Bot
}

func (t telegramTransport) Deliver(ctx context.Context, chatID int64, msg notify.Message) error {
	return t.bot.Deliver(ctx, chatID, msg.Text, msg.ImageURL)
}

func buildTransport(cfg *config.Config, logger *slog.Logger) (notify.Transport, error) {
	if !cfg.Telegram.Enabled || cfg.Telegram.Token == "" {
		logger.Warn("telegram disabled, notifications are persisted only")
		return nil, nil
	}

	bot, err := telegram.New(cfg.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram transport: %w", err)
	}
	logger.Info("telegram transport ready", "bot", bot.Username())
	return telegramTransport{bot: bot}, nil
}

func runDaemon(port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.JSON)

	if port == 0 {
		port = cfg.Server.Port
	}

	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry, err := buildRegistry(ctx, cfg, db, logger)
	if err != nil {
		return err
	}

	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return err
	}

	reconciler := reconcile.New(db, logger)
	dispatcher := notify.NewDispatcher(db, transport, logger)
	sched := scheduler.New(db, registry, reconciler, dispatcher, logger)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := server.New(db, sched, logger, cfg.Server.JWTSecret, port)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Error("admin api stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Timers stop before the store closes so no firing hits a closed DB.
	sched.CancelAll()
	return nil
}

func runServe(port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.JSON)

	if port == 0 {
		port = cfg.Server.Port
	}

	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	srv := server.New(db, nil, logger, cfg.Server.JWTSecret, port)
	return srv.ListenAndServe()
}

func runQueries() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	queries, err := db.ListActiveQueries(context.Background())
	if err != nil {
		return fmt.Errorf("list queries: %w", err)
	}

	if len(queries) == 0 {
		fmt.Println("no active queries")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tRETAILER\tINTERVAL\tLAST RUN\tQUERY")
	for _, q := range queries {
		lastRun := "never"
		if q.LastRunAt != nil {
			lastRun = q.LastRunAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%dm\t%s\t%s\n",
			q.ID, q.UserID, q.RetailerID, q.IntervalMinutes, lastRun, q.Query)
	}
	return w.Flush()
}

func runCheck(userID int64) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.JSON)

	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	ctx := context.Background()

	registry, err := buildRegistry(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return err
	}

	reconciler := reconcile.New(db, logger)
	dispatcher := notify.NewDispatcher(db, transport, logger)
	sched := scheduler.New(db, registry, reconciler, dispatcher, logger)

	ran, err := sched.ForceRunUser(ctx, userID)
	if err != nil {
		return err
	}

	fmt.Printf("ran %d queries for user %d\n", ran, userID)
	return nil
}

func runToken(userID int64, admin bool, ttl string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("no jwt secret configured (set server.jwt_secret or DEALRADAR_JWT_SECRET)")
	}

	lifetime, err := time.ParseDuration(ttl)
	if err != nil {
		return fmt.Errorf("parse ttl: %w", err)
	}

	token, err := server.NewToken(cfg.Server.JWTSecret, userID, admin, lifetime)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
