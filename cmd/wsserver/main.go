// Command wsserver runs the client gateway: it terminates WebSocket
// connections, forwards user actions to pairsvc over NATS and writes the
// engine's notices back to each user's socket.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/pairchat/internal/auth"
	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/logging"
	"github.com/whisper/pairchat/internal/messaging"
	"github.com/whisper/pairchat/internal/ratelimit"
	"github.com/whisper/pairchat/internal/ws"
)

func main() {
	configPath := flag.String("config", os.Getenv("PAIRCHAT_CONFIG"), "path to YAML config")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("info", false)
		l := logging.Component("wsserver")
		l.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	log := logging.Component("wsserver")

	serverName := cfg.Gateway.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "ws-1"
	}

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.Gateway.ListenAddr
	wsConfig.WorkerPoolSize = cfg.Gateway.WorkerPoolSize
	wsConfig.MaxConnections = cfg.Gateway.MaxConnections
	wsConfig.ReadTimeout = cfg.Gateway.ReadTimeout
	wsConfig.WriteTimeout = cfg.Gateway.WriteTimeout
	wsConfig.ServerName = serverName

	// --- Redis (rate limits) ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("connect redis")
	}
	cancel()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "wsserver-" + serverName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("connect nats")
	}

	gateway := ws.NewGateway(wsConfig, natsClient, ratelimit.NewLimiter(rdb), auth.NewIssuer(cfg.Auth.JWTSecret))

	log.Info().
		Str("listen_addr", wsConfig.ListenAddr).
		Int("worker_pool", wsConfig.WorkerPoolSize).
		Int("max_connections", wsConfig.MaxConnections).
		Dur("read_timeout", wsConfig.ReadTimeout).
		Dur("write_timeout", wsConfig.WriteTimeout).
		Str("nats_url", natsConfig.URL).
		Str("redis_addr", cfg.Redis.Addr).
		Str("server_name", serverName).
		Msg("gateway starting")

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		// Connections go first so their disconnects still reach NATS.
		if err := gateway.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("gateway shutdown")
		}
		natsClient.Close()
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close")
		}
	}()

	if err := gateway.Start(); err != nil {
		log.Fatal().Err(err).Msg("gateway")
	}
	<-stopped
	log.Info().Msg("gateway stopped")
}
