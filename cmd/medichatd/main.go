// Command medichatd runs the telemedicine chat server: the HTTP API, the
// websocket coordinator, and the supporting stores and caches.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/telavida/medichat-go/config"
	"github.com/telavida/medichat-go/core/ai"
	"github.com/telavida/medichat-go/core/artifact"
	"github.com/telavida/medichat-go/core/coord"
	"github.com/telavida/medichat-go/core/session"
	"github.com/telavida/medichat-go/core/store"
	"github.com/telavida/medichat-go/core/token"
	"github.com/telavida/medichat-go/httpapi"
	"github.com/telavida/medichat-go/metrics"
	"github.com/telavida/medichat-go/transport/ws"
)

func main() {
	root := &cobra.Command{
		Use:           "medichatd",
		Short:         "Anonymous telemedicine chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required for migrate")
			}
			pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			defer pool.Close()
			if err := store.NewPostgres(pool).Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("applying schema: %w", err)
			}
			fmt.Println("schema applied")
			return nil
		},
	}
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if cfg.TokenSecret == "" {
		return errors.New("TOKEN_SECRET is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	// Stores: PostgreSQL when configured, in-memory otherwise.
	var (
		rooms    store.RoomStore
		messages store.MessageStore
		accounts store.AccountStore
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("pinging database: %w", err)
		}
		pg := store.NewPostgres(pool)
		rooms, messages, accounts = pg, pg, pg
		logger.Info("using postgresql store")
	} else {
		mem := store.NewMemory()
		rooms, messages, accounts = mem, mem, mem
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	// Artifact cache: Redis when configured, in-process otherwise.
	var cache artifact.Cache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("pinging redis: %w", err)
		}
		cache = artifact.NewRedisCache(client, logger)
		logger.Info("using redis artifact cache")
	} else {
		cache = artifact.NewMemoryCache()
		logger.Warn("REDIS_URL not set, using in-process artifact cache")
	}

	gateway := ai.NewGateway(ai.NewClient(ai.ClientConfig{
		BaseURL:   cfg.ProviderBaseURL,
		APIKey:    cfg.ProviderAPIKey,
		ChatModel: cfg.ChatModel,
		STTModel:  cfg.STTModel,
		TTSModel:  cfg.TTSModel,
	}), cache, logger)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	tokens := token.NewVerifier(cfg.TokenSecret, cfg.TokenTTL)
	queue := session.NewQueue(cfg.OfflineQueueCap, func(roomID string) {
		logger.Warn("offline queue overflow, dropped oldest", "room", roomID)
	})

	coordinator := coord.New(coord.Config{
		Rooms:       rooms,
		Messages:    messages,
		Tokens:      tokens,
		Translator:  gateway,
		Transcriber: gateway,
		Synthesizer: gateway,
		Queue:       queue,
		Logger:      logger,
		Metrics:     m,
	})

	socket := ws.New(ws.Config{
		AllowedOrigin: cfg.CORSOrigin,
		Logger:        logger,
	})
	socket.SetEventHandler(coordinator.HandleEvent)
	socket.SetDisconnectHandler(coordinator.HandleDisconnect)

	api := httpapi.New(httpapi.Config{
		Rooms:      rooms,
		Messages:   messages,
		Accounts:   accounts,
		Tokens:     tokens,
		Socket:     socket,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		CORSOrigin: cfg.CORSOrigin,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
