// Command pairsvc runs the pairing engine: it consumes user actions from
// NATS, owns the waiting queue and live sessions, and serves the admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/pairchat/internal/admin"
	"github.com/whisper/pairchat/internal/auth"
	"github.com/whisper/pairchat/internal/ban"
	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/database"
	"github.com/whisper/pairchat/internal/database/migrate"
	"github.com/whisper/pairchat/internal/engine"
	"github.com/whisper/pairchat/internal/feedback"
	"github.com/whisper/pairchat/internal/logging"
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/messaging"
	"github.com/whisper/pairchat/internal/notify"
	"github.com/whisper/pairchat/internal/profile"
	"github.com/whisper/pairchat/internal/recency"
	"github.com/whisper/pairchat/internal/service"
	"github.com/whisper/pairchat/internal/session"
	"github.com/whisper/pairchat/internal/settings"
	"github.com/whisper/pairchat/internal/watchdog"
)

func main() {
	configPath := flag.String("config", os.Getenv("PAIRCHAT_CONFIG"), "path to YAML config")
	flag.Parse()

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("info", false)
		l := logging.Component("pairsvc")
		l.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	log := logging.Component("pairsvc")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// --- PostgreSQL ---
	db, err := database.Open(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer db.Close()

	if cfg.Engine.RunMigrations {
		if err := migrate.Run(db); err != nil {
			log.Fatal().Err(err).Msg("migrate")
		}
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("connect redis")
	}
	defer rdb.Close()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "pairsvc"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("connect nats")
	}

	// --- Stores ---
	settingsStore := settings.NewStore(db, settings.Values{
		InactivitySeconds: cfg.Engine.InactivitySeconds,
		WarningSeconds:    cfg.Engine.WarningSeconds,
		BlockRounds:       cfg.Engine.BlockRounds,
	})
	values, err := settingsStore.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load settings")
	}

	profiles := profile.NewStore(db)
	ledger := recency.NewLedger(db)
	sessions := session.NewStore(db)
	persisted, err := sessions.CountActive(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("count active sessions")
	}
	bans := ban.NewStore(rdb)
	fb := feedback.NewStore(db)
	notifier := notify.NewNATSNotifier(natsClient)

	// --- Engine ---
	eng := engine.New(engine.Config{
		Watchdog:   watchdog.Config{Tick: cfg.Engine.Tick},
		StaleAfter: cfg.Engine.StaleAfter,
	}, engine.Deps{
		Queue:    matching.NewQueue(rdb),
		Blocks:   ledger,
		Sessions: sessions,
		Profiles: profiles,
		Bans:     bans,
		Feedback: fb,
		Settings: settingsStore,
		Notifier: notifier,
	})
	settingsStore.OnChange(eng.ApplySettings)

	svc := service.New(service.Config{
		SweepInterval: cfg.Engine.SweepInterval,
	}, eng, profiles, natsClient, notifier)
	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("start service")
	}

	// --- Admin API ---
	adminServer := &http.Server{
		Addr: cfg.Admin.Addr,
		Handler: admin.NewRouter(admin.Deps{
			Settings:   settingsStore,
			Sessions:   eng,
			Recency:    ledger,
			Complaints: fb,
			Bans:       bans,
			Points:     profiles,
			Verifier:   auth.NewIssuer(cfg.Auth.JWTSecret),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("admin server")
		}
	}()

	log.Info().
		Str("admin_addr", cfg.Admin.Addr).
		Str("nats_url", cfg.NATS.URL).
		Str("redis_addr", cfg.Redis.Addr).
		Int("inactivity_seconds", values.InactivitySeconds).
		Int("warning_seconds", values.WarningSeconds).
		Int("block_rounds", values.BlockRounds).
		Int("active_sessions", persisted).
		Msg("pairsvc started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("admin shutdown")
	}

	// Stop consuming before the engine goes away; persisted sessions stay
	// active and are rebuilt lazily by the next process.
	natsClient.Close()
	svc.Stop()
	eng.Close()

	log.Info().Msg("pairsvc stopped")
}
