package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SERVER_ADDRESS", "DATABASE_DRIVER", "DATABASE_URL", "JWT_SECRET",
		"ALLOWED_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"RENTCHAT_API_URL", "RENTCHAT_SOCKET_URL", "RENTCHAT_TOKEN_FILE", "RENTCHAT_DEDUP_CAPACITY",
	} {
		if v, ok := os.LookupEnv(k); ok {
			os.Unsetenv(k)
			t.Cleanup(func() { os.Setenv(k, v) })
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv(configEnv, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerAddress != ":8080" {
		t.Fatalf("ServerAddress = %q, want %q", cfg.ServerAddress, ":8080")
	}
	if cfg.DatabaseDriver != "sqlite3" {
		t.Fatalf("DatabaseDriver = %q, want sqlite3", cfg.DatabaseDriver)
	}
	if cfg.RateLimitRPS != 5 || cfg.RateLimitBurst != 10 {
		t.Fatalf("rate limit = %v/%d, want 5/10", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://localhost:3000" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := filepath.Join(dir, "rentchat.yaml")
	body := "server:\n  server_address: \":9090\"\n  jwt_secret: from-file\n  rate_limit_burst: 3\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(configEnv, path)
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerAddress != ":9090" {
		t.Fatalf("ServerAddress = %q, want %q", cfg.ServerAddress, ":9090")
	}
	if cfg.JWTSecret != "from-env" {
		t.Fatalf("JWTSecret = %q, want %q", cfg.JWTSecret, "from-env")
	}
	if cfg.RateLimitBurst != 3 {
		t.Fatalf("RateLimitBurst = %d, want 3", cfg.RateLimitBurst)
	}
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv(configEnv, "")
	t.Setenv("DATABASE_DRIVER", "oracle")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestLoadClient_DerivesSocketURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv(configEnv, "")
	t.Setenv("RENTCHAT_API_URL", "https://rent.example.com/")

	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.APIURL != "https://rent.example.com" {
		t.Fatalf("APIURL = %q", cfg.APIURL)
	}
	if cfg.SocketURL != "wss://rent.example.com/ws" {
		t.Fatalf("SocketURL = %q, want %q", cfg.SocketURL, "wss://rent.example.com/ws")
	}
	if cfg.DedupCapacity != DefaultDedupCapacity {
		t.Fatalf("DedupCapacity = %d, want %d", cfg.DedupCapacity, DefaultDedupCapacity)
	}
}

func TestClientConfig_TokenRoundTrip(t *testing.T) {
	cfg := &ClientConfig{TokenFile: filepath.Join(t.TempDir(), "nested", "token")}

	got, err := cfg.ReadToken()
	if err != nil {
		t.Fatalf("ReadToken() on missing file error = %v", err)
	}
	if got != "" {
		t.Fatalf("ReadToken() = %q, want empty", got)
	}

	if err := cfg.WriteToken("abc.def"); err != nil {
		t.Fatalf("WriteToken() error = %v", err)
	}
	got, err = cfg.ReadToken()
	if err != nil {
		t.Fatalf("ReadToken() error = %v", err)
	}
	if got != "abc.def" {
		t.Fatalf("ReadToken() = %q, want %q", got, "abc.def")
	}
}

func TestCleanDatabasePath(t *testing.T) {
	cfg := &Config{DatabaseDriver: "sqlite3", DatabaseURL: "sqlite://:memory:"}
	if got := cfg.CleanDatabasePath(); got != ":memory:" {
		t.Fatalf("CleanDatabasePath() = %q, want :memory:", got)
	}

	cfg.UpdateDatabasePath("/tmp/x.db")
	if cfg.DatabaseURL != "sqlite:///tmp/x.db" {
		t.Fatalf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if got := cfg.CleanDatabasePath(); got != "/tmp/x.db" {
		t.Fatalf("CleanDatabasePath() = %q, want /tmp/x.db", got)
	}
}
