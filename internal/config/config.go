// ============================================================================
// 設定檔載入
// ============================================================================
//
// 預設讀取 YAML（configs/default.yaml）；副檔名為 .toml 時改用 TOML 解析。
// 檔案不存在時使用預設值，之後套用環境變數覆寫：
//   CI_DISPATCH_DSN           storage.dsn（同時把 driver 切到 postgres）
//   CI_DISPATCH_HTTP_ADDR     http.addr
//   CI_DISPATCH_GITHUB_TOKEN  hosting.token
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// 儲存後端
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// HTTP 對外 REST 介面
type HTTP struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// GRPC build client 使用的 gRPC 介面；Addr 留空表示不啟用
type GRPC struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// Storage 儲存後端設定
type Storage struct {
	Driver           string        `yaml:"driver" toml:"driver"`
	WALPath          string        `yaml:"wal_path" toml:"wal_path"`
	SnapshotPath     string        `yaml:"snapshot_path" toml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" toml:"snapshot_interval"`
	SyncOnAppend     bool          `yaml:"sync_on_append" toml:"sync_on_append"`
	SnapshotBackups  int           `yaml:"snapshot_backups" toml:"snapshot_backups"` // 保留的舊快照份數
	DSN              string        `yaml:"dsn" toml:"dsn"`
}

// Metrics Prometheus 設定
type Metrics struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// Hosting 代管服務（GitHub）設定
type Hosting struct {
	BaseURL       string        `yaml:"base_url" toml:"base_url"`
	Token         string        `yaml:"token" toml:"token"`
	Timeout       time.Duration `yaml:"timeout" toml:"timeout"`
	RemoteUpdate  bool          `yaml:"remote_update" toml:"remote_update"`
	StatusContext string        `yaml:"status_context" toml:"status_context"`
	StatusURL     string        `yaml:"status_url" toml:"status_url"` // commit status 的 target_url 前綴
}

// Client build client 設定
type Client struct {
	Server       string        `yaml:"server" toml:"server"` // dispatcher 的 gRPC 位址
	BuildKey     string        `yaml:"build_key" toml:"build_key"`
	Name         string        `yaml:"name" toml:"name"`
	Configs      []string      `yaml:"configs" toml:"configs"`
	Workers      int           `yaml:"workers" toml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	JobTimeout   time.Duration `yaml:"job_timeout" toml:"job_timeout"`
}

// Config 完整設定
type Config struct {
	HTTP     HTTP    `yaml:"http" toml:"http"`
	GRPC     GRPC    `yaml:"grpc" toml:"grpc"`
	Storage  Storage `yaml:"storage" toml:"storage"`
	Metrics  Metrics `yaml:"metrics" toml:"metrics"`
	Hosting  Hosting `yaml:"hosting" toml:"hosting"`
	Client   Client  `yaml:"client" toml:"client"`
	SeedFile string  `yaml:"seed_file" toml:"seed_file"`
}

// Default 預設設定
func Default() Config {
	return Config{
		HTTP: HTTP{Addr: ":8080"},
		GRPC: GRPC{Addr: ":50051"},
		Storage: Storage{
			Driver:           DriverMemory,
			WALPath:          "data/ci-dispatch.wal",
			SnapshotPath:     "data/ci-dispatch.snapshot",
			SnapshotInterval: time.Minute,
		},
		Metrics: Metrics{Enabled: true},
		Hosting: Hosting{
			BaseURL: "https://api.github.com",
			Timeout: 10 * time.Second,
		},
		Client: Client{
			Server:       "localhost:50051",
			Workers:      1,
			PollInterval: 10 * time.Second,
		},
	}
}

// Load 讀取 path；檔案不存在時回傳預設值（仍套用環境變數）
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := decode(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CI_DISPATCH_DSN"); v != "" {
		cfg.Storage.DSN = v
		cfg.Storage.Driver = DriverPostgres
	}
	if v := os.Getenv("CI_DISPATCH_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("CI_DISPATCH_GITHUB_TOKEN"); v != "" {
		cfg.Hosting.Token = v
	}
}

// Validate 檢查設定是否可用
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.SnapshotBackups < 0 {
		return errors.New("storage.snapshot_backups must not be negative")
	}
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	return nil
}
