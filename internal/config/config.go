package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the development server settings.
type Config struct {
	ServerAddress  string   `yaml:"server_address"`
	DatabaseDriver string   `yaml:"database_driver"` // sqlite3 or postgres
	DatabaseURL    string   `yaml:"database_url"`
	JWTSecret      string   `yaml:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// ClientConfig holds what the synchronization core needs to reach the backend.
type ClientConfig struct {
	APIURL        string `yaml:"api_url"`
	SocketURL     string `yaml:"socket_url"`
	TokenFile     string `yaml:"token_file"`
	DedupCapacity int    `yaml:"dedup_capacity"`
}

type fileConfig struct {
	Server Config       `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

const (
	DefaultDedupCapacity = 10000
	configEnv            = "RENTCHAT_CONFIG"
)

func init() {
	_ = godotenv.Load(".env")
}

// Load returns the server configuration. Values come from the optional YAML
// file first and are then overridden by environment variables.
func Load() (*Config, error) {
	fc, err := readFile()
	if err != nil {
		return nil, err
	}
	cfg := fc.Server

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	dbPath := filepath.Join(cwd, "data", "rentchat.db")

	cfg.ServerAddress = getEnv("SERVER_ADDRESS", orDefault(cfg.ServerAddress, ":8080"))
	cfg.DatabaseDriver = getEnv("DATABASE_DRIVER", orDefault(cfg.DatabaseDriver, "sqlite3"))
	cfg.DatabaseURL = getEnv("DATABASE_URL", orDefault(cfg.DatabaseURL, "sqlite://"+dbPath))
	cfg.JWTSecret = getEnv("JWT_SECRET", orDefault(cfg.JWTSecret, "your-secret-key"))
	if v, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = splitList(v)
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if cfg.RateLimitRPS, err = getEnvFloat("RATE_LIMIT_RPS", cfg.RateLimitRPS, 5); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimitBurst, 10); err != nil {
		return nil, err
	}
	if cfg.DatabaseDriver != "sqlite3" && cfg.DatabaseDriver != "postgres" {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
	return &cfg, nil
}

// LoadClient returns the client configuration.
func LoadClient() (*ClientConfig, error) {
	fc, err := readFile()
	if err != nil {
		return nil, err
	}
	cfg := fc.Client

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get user home dir: %w", err)
	}

	cfg.APIURL = strings.TrimRight(getEnv("RENTCHAT_API_URL", orDefault(cfg.APIURL, "http://localhost:8080")), "/")
	cfg.SocketURL = getEnv("RENTCHAT_SOCKET_URL", orDefault(cfg.SocketURL, socketURLFor(cfg.APIURL)))
	cfg.TokenFile = getEnv("RENTCHAT_TOKEN_FILE", orDefault(cfg.TokenFile, filepath.Join(home, ".rentchat", "token")))
	if cfg.DedupCapacity, err = getEnvInt("RENTCHAT_DEDUP_CAPACITY", cfg.DedupCapacity, DefaultDedupCapacity); err != nil {
		return nil, err
	}
	if cfg.DedupCapacity < 1 {
		return nil, fmt.Errorf("invalid dedup capacity %d", cfg.DedupCapacity)
	}
	return &cfg, nil
}

// ReadToken returns the stored session token, or "" when none is stored.
func (c *ClientConfig) ReadToken() (string, error) {
	b, err := os.ReadFile(c.TokenFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read token file %s: %w", c.TokenFile, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// WriteToken stores the session token with restrictive permissions.
func (c *ClientConfig) WriteToken(token string) error {
	if err := os.MkdirAll(filepath.Dir(c.TokenFile), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(c.TokenFile, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token file %s: %w", c.TokenFile, err)
	}
	return nil
}

// CleanDatabasePath returns a clean filesystem path from a database URL
func (c *Config) CleanDatabasePath() string {
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")
	if dbPath == ":memory:" || c.DatabaseDriver == "postgres" {
		return dbPath
	}

	if !filepath.IsAbs(dbPath) {
		cwd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		dbPath = filepath.Join(cwd, dbPath)
	}

	return dbPath
}

// UpdateDatabasePath updates the database path, maintaining the sqlite:// prefix if it was present
func (c *Config) UpdateDatabasePath(newPath string) {
	if strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		c.DatabaseURL = "sqlite://" + newPath
	} else {
		c.DatabaseURL = newPath
	}
}

func configPath() (string, error) {
	if p := os.Getenv(configEnv); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get user home dir: %w", err)
	}
	return filepath.Join(home, ".rentchat", "config.yaml"), nil
}

// readFile parses the YAML config. A missing file yields an empty config.
func readFile() (*fileConfig, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	fc := &fileConfig{}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fc, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, fc); err != nil {
		return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
	}
	return fc, nil
}

func socketURLFor(apiURL string) string {
	base := strings.TrimRight(orDefault(apiURL, "http://localhost:8080"), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, current, fallback int) (int, error) {
	if value, exists := os.LookupEnv(key); exists {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		return n, nil
	}
	if current != 0 {
		return current, nil
	}
	return fallback, nil
}

func getEnvFloat(key string, current, fallback float64) (float64, error) {
	if value, exists := os.LookupEnv(key); exists {
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		return f, nil
	}
	if current != 0 {
		return current, nil
	}
	return fallback, nil
}
