package syncconfig

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// SyncConfig holds engine settings stored in config.json.
type SyncConfig struct {
	ServerURL    string `json:"server_url,omitempty"`
	RealtimeURL  string `json:"realtime_url,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"` // duration string, default "20s"
	MaxAttempts  *int   `json:"max_attempts,omitempty"`  // nil = default 6
	Workers      *int   `json:"workers,omitempty"`       // nil = default 4
}

// Config is the global lumesync config stored at ~/.config/lumesync/config.json.
type Config struct {
	Sync SyncConfig `json:"sync"`
}

// AuthCredentials stores session state at ~/.config/lumesync/auth.json.
type AuthCredentials struct {
	APIKey   string `json:"api_key"`
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

const (
	defaultServerURL   = "https://fit-iq-backend.fly.dev"
	defaultRealtimeURL = "wss://fit-iq-backend.fly.dev/api/v1/sync/ws"
)

// LoadDotenv loads a .env file from the working directory when present.
// Missing files are fine; real environment variables always win.
func LoadDotenv() {
	_ = godotenv.Load()
}

// ConfigDir returns ~/.config/lumesync, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "lumesync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the global config, returning defaults when absent.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the global config.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// LoadAuth reads auth credentials; nil when not logged in.
func LoadAuth() (*AuthCredentials, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveAuth writes auth credentials (0600 perms).
func SaveAuth(creds *AuthCredentials) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth.json"), data, 0600)
}

// GetServerURL returns the backend base URL.
// Priority: LUMESYNC_SERVER_URL env > config.json > default.
func GetServerURL() string {
	if v := os.Getenv("LUMESYNC_SERVER_URL"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.ServerURL != "" {
		return cfg.Sync.ServerURL
	}
	return defaultServerURL
}

// GetRealtimeURL returns the websocket endpoint, empty string meaning
// "run without a realtime channel".
// Priority: LUMESYNC_REALTIME_URL env > config.json > default.
func GetRealtimeURL() string {
	if v := os.Getenv("LUMESYNC_REALTIME_URL"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.RealtimeURL != "" {
		return cfg.Sync.RealtimeURL
	}
	return defaultRealtimeURL
}

// GetAPIKey returns the API key.
// Priority: LUMESYNC_API_KEY env > auth.json.
func GetAPIKey() string {
	if v := os.Getenv("LUMESYNC_API_KEY"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.APIKey
	}
	return ""
}

// GetToken returns the session token.
// Priority: LUMESYNC_TOKEN env > auth.json.
func GetToken() string {
	if v := os.Getenv("LUMESYNC_TOKEN"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.Token
	}
	return ""
}

// GetPollInterval returns the fallback poll interval.
// Priority: LUMESYNC_POLL_INTERVAL env > config.json > 20s.
func GetPollInterval() time.Duration {
	if v := os.Getenv("LUMESYNC_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.PollInterval != "" {
		if d, err := time.ParseDuration(cfg.Sync.PollInterval); err == nil {
			return d
		}
	}
	return 20 * time.Second
}

// GetMaxAttempts returns the delivery attempt limit.
// Priority: LUMESYNC_MAX_ATTEMPTS env > config.json > 6.
func GetMaxAttempts() int {
	if v := os.Getenv("LUMESYNC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.MaxAttempts != nil && *cfg.Sync.MaxAttempts > 0 {
		return *cfg.Sync.MaxAttempts
	}
	return 6
}

// GetWorkers returns the processor worker-pool size.
// Priority: LUMESYNC_WORKERS env > config.json > 4.
func GetWorkers() int {
	if v := os.Getenv("LUMESYNC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.Workers != nil && *cfg.Sync.Workers > 0 {
		return *cfg.Sync.Workers
	}
	return 4
}

// GetDeviceID returns the device ID from auth.json, generating and persisting
// one if needed.
func GetDeviceID() (string, error) {
	creds, err := LoadAuth()
	if err != nil {
		return "", err
	}
	if creds != nil && creds.DeviceID != "" {
		return creds.DeviceID, nil
	}
	id, err := GenerateDeviceID()
	if err != nil {
		return "", err
	}
	if creds == nil {
		creds = &AuthCredentials{}
	}
	creds.DeviceID = id
	if err := SaveAuth(creds); err != nil {
		return "", err
	}
	return id, nil
}

// GenerateDeviceID creates a new random device ID (16 bytes hex).
func GenerateDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
