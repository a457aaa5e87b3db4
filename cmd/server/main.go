// Room Sync 服務
//
// 房間狀態以版本號做樂觀鎖，WebSocket 推送，可選 NATS 跨節點轉送
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-room-sync/internal/auth"
	"github.com/koopa0/system-design/14-room-sync/internal/broadcast"
	"github.com/koopa0/system-design/14-room-sync/internal/chat"
	"github.com/koopa0/system-design/14-room-sync/internal/config"
	"github.com/koopa0/system-design/14-room-sync/internal/game"
	"github.com/koopa0/system-design/14-room-sync/internal/game/gomoku"
	"github.com/koopa0/system-design/14-room-sync/internal/handler"
	"github.com/koopa0/system-design/14-room-sync/internal/migrations"
	"github.com/koopa0/system-design/14-room-sync/internal/relay"
	"github.com/koopa0/system-design/14-room-sync/internal/room"
	"github.com/koopa0/system-design/14-room-sync/internal/session"
	"github.com/koopa0/system-design/14-room-sync/internal/storage"
	"github.com/koopa0/system-design/14-room-sync/internal/transport"
	"github.com/koopa0/system-design/14-room-sync/pkg/logger"
)

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "配置檔路徑")
		migrateOnly = flag.Bool("migrate-only", false, "只執行資料庫遷移後退出")
		migrateDown = flag.Bool("migrate-down", false, "回滾一個資料庫遷移版本後退出")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(log)

	if *migrateDown {
		if err := rollback(cfg, log); err != nil {
			log.Error("rollback failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, *migrateOnly, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

// rollback 回滾一個遷移版本（僅 postgres 後端）
func rollback(cfg *config.Config, log *slog.Logger) error {
	if cfg.Store.Driver != config.DriverPostgres {
		return fmt.Errorf("migrate-down requires store driver %q, got %q", config.DriverPostgres, cfg.Store.Driver)
	}

	m, err := migrations.New(cfg.PostgresDSN(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("關閉遷移器失敗", "error", err)
		}
	}()

	if err := m.Down(); err != nil {
		return err
	}
	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	log.Info("schema rolled back", "version", version, "dirty", dirty)
	return nil
}

// backend 儲存後端與其清理函數
type backend struct {
	rooms    room.Store
	registry room.Registry
	chat     chat.Store
	reapers  []storage.Reaper
	closers  []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func run(cfg *config.Config, migrateOnly bool, log *slog.Logger) error {
	ctx := context.Background()

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()
	if migrateOnly {
		return nil
	}

	// 記憶體與 PostgreSQL 需要主動清除過期資料，Redis 依靠鍵過期
	var janitor *storage.Janitor
	if len(b.reapers) > 0 {
		janitor = storage.NewJanitor(cfg.Store.CleanupInterval, log, b.reapers...)
		janitor.Start()
		defer janitor.Stop()
	}

	var authenticator *auth.HMACAuthenticator
	if cfg.Auth.Secret != "" {
		authenticator = auth.NewHMAC(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	}

	hubOpts := transport.Options{
		RequireAuth:    cfg.Auth.Required,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	if authenticator != nil {
		hubOpts.Auth = authenticator
	}

	// 單節點：推送直接寫入本機連線；多節點：本機找不到的連線經 NATS 轉送
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = relay.Connect(cfg.NATS.URL, "room-sync")
		if err != nil {
			return err
		}
		defer natsConn.Close()
		hubOpts.Node = relay.NewNode(natsConn, log)
		log.Info("跨節點轉送已啟用", "url", cfg.NATS.URL)
	}

	hub := transport.NewHub(hubOpts, log)
	var sender broadcast.Sender = hub
	if natsConn != nil {
		sender = relay.NewSender(natsConn, hub, cfg.NATS.Timeout, log)
	}
	fanout := broadcast.NewFanout(sender, log, cfg.Server.FanoutParallel)

	games := game.NewRegistry()
	games.Register(gomoku.New(cfg.GomokuConfig()), gomoku.Alias)
	svc, err := session.NewService(session.Deps{
		Rooms:    b.rooms,
		Registry: b.registry,
		Fanout:   fanout,
		Games:    games,
		Chat:     b.chat,
		Logger:   log,
	}, cfg.SessionOptions())
	if err != nil {
		return err
	}

	deps := handler.Deps{
		Rooms:  room.NewService(b.rooms, cfg.RoomOptions(), log).WithTypeChecker(games.Check),
		Chat:   b.chat,
		Fanout: fanout,
		Stats: func() map[string]any {
			return map[string]any{"connections": hub.Count(), "store": cfg.Store.Driver}
		},
		Logger: log,
	}
	if authenticator != nil {
		deps.Auth = authenticator
	}
	api := handler.New(deps)

	mux := http.NewServeMux()
	mux.Handle("/", api.Routes())
	mux.HandleFunc("GET /ws", hub.Handler(svc))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server",
			"port", cfg.Server.Port,
			"store", cfg.Store.Driver,
			"games", games.Types())
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
		// 關閉 WebSocket 連線，等待斷線處理寫回儲存
		hub.Stop()
	}
	return nil
}

// openBackend 依 store.driver 建立儲存後端
func openBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backend, error) {
	b := &backend{}

	switch cfg.Store.Driver {
	case config.DriverMemory:
		rooms, registry := storage.NewMemoryStore(), storage.NewMemoryRegistry()
		b.rooms, b.registry = rooms, registry
		b.chat = chat.NewMemoryStore()
		b.reapers = []storage.Reaper{rooms, registry}

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.rooms = storage.NewRedisStore(client)
		b.registry = storage.NewRedisRegistry(client)
		b.chat = chat.NewMemoryStore()
		log.Warn("redis 後端的聊天紀錄只保存在本節點記憶體")

	case config.DriverPostgres:
		m, err := migrations.New(cfg.PostgresDSN(), log)
		if err != nil {
			return nil, err
		}
		err = m.Up()
		if closeErr := m.Close(); closeErr != nil {
			log.Warn("關閉遷移器失敗", "error", closeErr)
		}
		if err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}

		pgConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN())
		if err != nil {
			return nil, fmt.Errorf("parse postgres config: %w", err)
		}
		pgConfig.MaxConns = cfg.Postgres.MaxConns
		pgConfig.MinConns = cfg.Postgres.MinConns

		pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		b.closers = append(b.closers, pool.Close)

		rooms, registry := storage.NewPostgresStore(pool), storage.NewPostgresRegistry(pool)
		b.rooms, b.registry = rooms, registry
		b.chat = storage.NewPostgresMessages(pool)
		b.reapers = []storage.Reaper{rooms, registry}

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	log.Info("儲存後端已就緒", "driver", cfg.Store.Driver)
	return b, nil
}
