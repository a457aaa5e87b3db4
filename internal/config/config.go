// Package config 服務配置
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/koopa0/system-design/14-room-sync/internal/game/gomoku"
	"github.com/koopa0/system-design/14-room-sync/internal/lobby"
	"github.com/koopa0/system-design/14-room-sync/internal/room"
	"github.com/koopa0/system-design/14-room-sync/internal/session"
)

// 儲存後端
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		FanoutParallel  int           `yaml:"fanout_parallel"`
		AllowedOrigins  []string      `yaml:"allowed_origins"` // 空表示不檢查
	} `yaml:"server"`

	Store struct {
		Driver          string        `yaml:"driver"` // memory | redis | postgres
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
	} `yaml:"store"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	NATS struct {
		URL     string        `yaml:"url"` // 空字串表示單節點
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"nats"`

	Room struct {
		IDLength        int           `yaml:"id_length"`
		CreateRetries   int           `yaml:"create_retries"`
		MaxMembers      int           `yaml:"max_members"`
		DefaultPosLimit int           `yaml:"default_pos_limit"`
		TTL             time.Duration `yaml:"ttl"`
		ConnectionTTL   time.Duration `yaml:"connection_ttl"`
		ConflictRetries int           `yaml:"conflict_retries"`
	} `yaml:"room"`

	Gomoku struct {
		Rows      int `yaml:"rows"`
		Cols      int `yaml:"cols"`
		WinLength int `yaml:"win_length"`
	} `yaml:"gomoku"`

	Auth struct {
		Secret   string        `yaml:"secret"`
		Required bool          `yaml:"required"`
		TokenTTL time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 預設配置
func Default() *Config {
	var c Config

	c.Server.Port = 8080
	c.Server.ReadTimeout = 15 * time.Second
	c.Server.WriteTimeout = 15 * time.Second
	c.Server.ShutdownTimeout = 30 * time.Second

	c.Store.Driver = DriverMemory
	c.Store.CleanupInterval = time.Minute

	c.Redis.Addr = "localhost:6379"
	c.Redis.PoolSize = 20
	c.Redis.MinIdleConns = 5
	c.Redis.MaxRetries = 3
	c.Redis.ReadTimeout = 3 * time.Second
	c.Redis.WriteTimeout = 3 * time.Second

	c.Postgres.Host = "localhost"
	c.Postgres.Port = 5432
	c.Postgres.User = "postgres"
	c.Postgres.DBName = "roomsync"
	c.Postgres.MaxConns = 20
	c.Postgres.MinConns = 2

	c.NATS.Timeout = 2 * time.Second

	rooms := room.DefaultOptions()
	c.Room.IDLength = rooms.IDLength
	c.Room.CreateRetries = rooms.CreateRetries
	c.Room.DefaultPosLimit = rooms.DefaultPosLimit
	c.Room.TTL = rooms.TTL
	c.Room.MaxMembers = lobby.DefaultMaxMembers
	c.Room.ConnectionTTL = session.DefaultConnectionTTL
	c.Room.ConflictRetries = session.DefaultMaxAttempts

	board := gomoku.DefaultConfig()
	c.Gomoku.Rows = board.Rows
	c.Gomoku.Cols = board.Cols
	c.Gomoku.WinLength = board.WinLength

	c.Auth.TokenTTL = 24 * time.Hour

	c.Log.Level = "info"
	c.Log.Format = "text"
	return &c
}

// Load 讀取配置檔：以預設值為底，檔案覆蓋預設，環境變數覆蓋檔案
//
// path 為空或檔案不存在時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Store.Driver {
	case DriverMemory, DriverRedis, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("store.driver must be memory, redis or postgres: %q", c.Store.Driver))
	}
	if c.Room.IDLength <= 0 {
		errs = append(errs, errors.New("room.id_length must be positive"))
	}
	if c.Room.CreateRetries <= 0 {
		errs = append(errs, errors.New("room.create_retries must be positive"))
	}
	if c.Room.ConflictRetries <= 0 {
		errs = append(errs, errors.New("room.conflict_retries must be positive"))
	}
	if c.Room.DefaultPosLimit <= 0 || c.Room.DefaultPosLimit > c.Room.MaxMembers {
		errs = append(errs, fmt.Errorf("room.default_pos_limit must be in 1..%d", c.Room.MaxMembers))
	}
	if c.Room.TTL <= 0 || c.Room.ConnectionTTL <= 0 {
		errs = append(errs, errors.New("room.ttl and room.connection_ttl must be positive"))
	}
	if c.Gomoku.WinLength <= 0 || c.Gomoku.WinLength > max(c.Gomoku.Rows, c.Gomoku.Cols) {
		errs = append(errs, errors.New("gomoku.win_length must fit on the board"))
	}
	if c.Auth.Required && c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required when auth.required is set"))
	}

	return errors.Join(errs...)
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}

// RoomOptions 房間服務參數
func (c *Config) RoomOptions() room.Options {
	return room.Options{
		IDLength:        c.Room.IDLength,
		CreateRetries:   c.Room.CreateRetries,
		DefaultPosLimit: c.Room.DefaultPosLimit,
		TTL:             c.Room.TTL,
	}
}

// SessionOptions 會話服務參數
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		MaxMembers:    c.Room.MaxMembers,
		MaxAttempts:   c.Room.ConflictRetries,
		ConnectionTTL: c.Room.ConnectionTTL,
	}
}

// GomokuConfig 棋盤參數
func (c *Config) GomokuConfig() gomoku.Config {
	return gomoku.Config{
		Rows:      c.Gomoku.Rows,
		Cols:      c.Gomoku.Cols,
		WinLength: c.Gomoku.WinLength,
	}
}
