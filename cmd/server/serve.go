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

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/cache"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/config"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/connection"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database/migrations"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/events"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/hub"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/metadata"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/multiplayer"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/version"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/snowflake"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	useMemory   bool
	skipMigrate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the websocket and HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg, log)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&useMemory, "memory", false, "use the in-memory store instead of PostgreSQL")
	serveCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply migrations on startup")
}

// closers 依註冊的反向順序關閉資源
type closers []func()

func (c *closers) add(fn func()) {
	*c = append(*c, fn)
}

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serve(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()

	var cleanup closers
	defer cleanup.run()

	// 資料庫
	store, err := openStore(ctx, cfg, log, &cleanup)
	if err != nil {
		return err
	}

	// 版本檢查快取：本地 LRU，開啟 Redis 時再加一層共享快取
	local := cache.NewLocal(cfg.VersionCheck.LocalCacheSize)
	var buildCache cache.Cache = local
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return fmt.Errorf("connect to redis: %w", err)
		}
		cleanup.add(func() {
			if err := redisClient.Close(); err != nil {
				log.Warn("failed to close redis client", "error", err)
			}
		})
		buildCache = cache.NewLayered(local, cache.NewRedis(redisClient, "multiplayer:"), log)
	}

	// NATS：房間事件鏡像與跨節點斷線通道
	var (
		natsConn  *nats.Conn
		publisher events.Publisher
		history   hub.EventHistory
	)
	if cfg.NATS.Enabled {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.Name(fmt.Sprintf("multiplayer-%d", cfg.Server.NodeID)),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		cleanup.add(natsConn.Close)

		stream, err := events.NewStream(natsConn, events.StreamConfig{
			StreamName:    cfg.NATS.StreamName,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxEvents:     cfg.NATS.MaxEvents,
			MaxAge:        cfg.NATS.MaxAge,
		})
		if err != nil {
			return fmt.Errorf("create event stream: %w", err)
		}
		publisher = stream
		history = stream
	}

	ids, err := snowflake.New(cfg.Server.NodeID)
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}

	// 連線層
	var checker hub.VersionChecker
	if cfg.VersionCheck.Enabled {
		checker = version.NewChecker(version.Config{
			Enabled:  true,
			CacheTTL: cfg.VersionCheck.CacheTTL,
		}, store, buildCache, log)
	}

	registry := connection.NewRegistry(nil, log)
	h := hub.New(hub.Config{InvocationTimeout: cfg.Multiplayer.InvocationTimeout}, registry, checker, nil, log)
	registry.SetDisconnector(h)

	if natsConn != nil {
		if err := h.AttachBackplane(hub.NewNATSBackplane(natsConn, cfg.NATS.SubjectPrefix, log)); err != nil {
			return fmt.Errorf("attach backplane: %w", err)
		}
	}

	// 服務
	coordinator := multiplayer.NewCoordinator(store, h.Notifier(connection.ServiceMultiplayer),
		multiplayer.NewEventLogger(store, publisher, log), ids, log)

	poller := metadata.NewPoller(store, h.Notifier(connection.ServiceMetadata), cfg.Metadata.BeatmapOfTheDayInterval, log)
	meta := metadata.NewService(h.Notifier(connection.ServiceMetadata), poller, log)

	h.Handle(connection.ServiceMultiplayer, hub.MultiplayerEndpoint(coordinator))
	h.Handle(connection.ServiceMetadata, hub.MetadataEndpoint(meta))

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	go poller.Run(pollCtx)

	// HTTP 伺服器
	// websocket 連線是長連線，WriteTimeout 只作用在升級前
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     hub.NewHandler(h, coordinator, meta, history, log).Routes(),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: 120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server",
			"port", cfg.Server.Port,
			"node_id", cfg.Server.NodeID,
			"memory_store", useMemory,
			"nats", cfg.NATS.Enabled,
			"redis", cfg.Redis.Enabled)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		stopPolling()

		// 先停止接受新請求，再關閉所有 websocket 連線
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}

		if err := h.Stop(ctx); err != nil {
			log.Error("failed to stop hub", "error", err)
		}
	}

	log.Info("server stopped", "rooms", coordinator.Stats().Rooms)
	return nil
}

// openStore 開啟資料庫，必要時先執行遷移
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger, cleanup *closers) (database.Store, error) {
	if useMemory {
		log.Warn("using in-memory store, state is lost on restart")
		return database.NewMemory(), nil
	}

	if !skipMigrate {
		m, err := migrations.New(cfg.MigrationURL(), log)
		if err != nil {
			return nil, fmt.Errorf("create migrator: %w", err)
		}
		upErr := m.Up()
		if closeErr := m.Close(); closeErr != nil {
			log.Warn("failed to close migrator", "error", closeErr)
		}
		if upErr != nil {
			return nil, fmt.Errorf("run migrations: %w", upErr)
		}
	}

	pool, err := database.Connect(ctx, cfg.DSN(), cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	cleanup.add(pool.Close)

	return database.NewPostgres(pool), nil
}
