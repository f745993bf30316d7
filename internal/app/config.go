package app

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"roomdrop/internal/cleanup"
	"roomdrop/internal/server"
	"roomdrop/internal/transfer"
)

// Configuration keys. Each is also a flag name and, upper-cased with the
// ROOMDROP_ prefix and dashes as underscores, an environment variable.
const (
	KeyAddr             = "addr"
	KeyDataDir          = "data-dir"
	KeyDB               = "db"
	KeyStore            = "store"
	KeyIdentitySecret   = "identity-secret"
	KeyChunkReadTimeout = "chunk-read-timeout"
	KeyUploadTTL        = "upload-ttl"
	KeyUploadSweep      = "upload-sweep"
	KeyRoomSweep        = "room-sweep"
	KeyMaxFileSize      = "max-file-size"
	KeyRateLimit        = "rate-limit"
	KeyLogLevel         = "log-level"
	KeyLogFormat        = "log-format"

	KeyServer      = "server"
	KeyUser        = "user"
	KeyConcurrency = "concurrency"
	KeyChunkRate   = "chunk-rate"
)

const envPrefix = "ROOMDROP"

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// ServerConfig defines how the HTTP backend should run.
type ServerConfig struct {
	Addr             string
	DataDir          string
	DBPath           string
	Store            string
	IdentitySecret   string
	ChunkReadTimeout time.Duration
	MaxFileSize      int64
	RateLimit        int
	Cleanup          cleanup.Config
}

// ClientConfig defines what the CLI client needs.
type ClientConfig struct {
	ServerURL       string
	Identity        string
	Concurrency     int
	ChunksPerSecond int
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyAddr, ":8080")
	v.SetDefault(KeyDataDir, DefaultDataDir())
	v.SetDefault(KeyStore, StoreSQLite)
	v.SetDefault(KeyChunkReadTimeout, server.DefaultChunkReadTimeout)
	v.SetDefault(KeyUploadTTL, cleanup.DefaultUploadTTL)
	v.SetDefault(KeyUploadSweep, cleanup.DefaultUploadInterval)
	v.SetDefault(KeyRoomSweep, cleanup.DefaultRoomInterval)
	v.SetDefault(KeyMaxFileSize, int64(transfer.DefaultMaxFileSize))
	v.SetDefault(KeyRateLimit, 600)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")

	v.SetDefault(KeyServer, "http://localhost:8080")
	v.SetDefault(KeyConcurrency, 3)
	return v
}

// LoadServerConfig reads a ServerConfig out of v.
func LoadServerConfig(v *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		Addr:             v.GetString(KeyAddr),
		DataDir:          v.GetString(KeyDataDir),
		DBPath:           v.GetString(KeyDB),
		Store:            strings.ToLower(v.GetString(KeyStore)),
		IdentitySecret:   v.GetString(KeyIdentitySecret),
		ChunkReadTimeout: v.GetDuration(KeyChunkReadTimeout),
		MaxFileSize:      v.GetInt64(KeyMaxFileSize),
		RateLimit:        v.GetInt(KeyRateLimit),
		Cleanup: cleanup.Config{
			UploadTTL:      v.GetDuration(KeyUploadTTL),
			UploadInterval: v.GetDuration(KeyUploadSweep),
			RoomInterval:   v.GetDuration(KeyRoomSweep),
		},
	}
	if cfg.DataDir == "" {
		return cfg, errors.New("data directory is required")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "roomdrop.db")
	}
	switch cfg.Store {
	case StoreSQLite, StoreMemory:
	default:
		return cfg, errors.Errorf("unknown store %q, want %s or %s", cfg.Store, StoreSQLite, StoreMemory)
	}
	if cfg.MaxFileSize <= 0 {
		return cfg, errors.Errorf("max file size must be positive, got %d", cfg.MaxFileSize)
	}
	return cfg, nil
}

// LoadClientConfig reads a ClientConfig out of v.
func LoadClientConfig(v *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:       v.GetString(KeyServer),
		Identity:        v.GetString(KeyUser),
		Concurrency:     v.GetInt(KeyConcurrency),
		ChunksPerSecond: v.GetInt(KeyChunkRate),
	}
	if cfg.ServerURL == "" {
		return cfg, errors.New("server URL is required")
	}
	if cfg.Identity == "" {
		return cfg, errors.New("user is required (--user or ROOMDROP_USER)")
	}
	return cfg, nil
}

// DefaultDataDir returns a per-user directory for the database and the
// artifact tree.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "roomdrop")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Roomdrop")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Roomdrop")
		}
		return filepath.Join(home, ".local", "share", "roomdrop")
	}
	return filepath.Join(".", ".roomdrop")
}
