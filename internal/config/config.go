package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Default public STUN endpoints. ICE gathering uses fixed well-known servers;
// there is no TURN relay in this design, so symmetric-NAT pairings may fail
// to connect. Known limitation, not a bug.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type Config struct {
	HTTPPort  string
	HTTPSPort string
	Domain    string
	JWTSecret string
	DBPath    string
	LogLevel  string

	// STUNServers feed the ICE config handed to clients.
	STUNServers []string

	// RingTimeout is how long a waiting call rings before it flips to
	// missed. RingSweepInterval is how often the sweeper checks.
	RingTimeout       time.Duration
	RingSweepInterval time.Duration

	// RedisAddr enables the cross-instance ring bridge when non-empty.
	RedisAddr     string
	RedisPassword string

	VAPIDKeys *VAPIDKeys

	HTTPOnly    bool
	FrontendURI string
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

type fileConfig struct {
	HTTPPort       string   `json:"http_port"`
	HTTPSPort      string   `json:"https_port"`
	Domain         string   `json:"domain"`
	DBPath         string   `json:"db_path"`
	LogLevel       string   `json:"log_level"`
	STUNServers    []string `json:"stun_servers"`
	RingTimeoutSec int      `json:"ring_timeout_seconds"`
	RingSweepSec   int      `json:"ring_sweep_seconds"`
	RedisAddr      string   `json:"redis_addr"`
	RedisPassword  string   `json:"redis_password"`
	FrontendURI    string   `json:"frontend_uri"`
}

// Load reads config.json next to the executable (if present), then fills the
// gaps from the environment. A .env file beside the process is honored.
func Load(httpOnly *bool) *Config {
	_ = godotenv.Load()

	cfg := &Config{}
	if fc, err := loadConfigFile(); err == nil {
		cfg.HTTPPort = fc.HTTPPort
		cfg.HTTPSPort = fc.HTTPSPort
		cfg.Domain = fc.Domain
		cfg.DBPath = fc.DBPath
		cfg.LogLevel = fc.LogLevel
		cfg.STUNServers = fc.STUNServers
		cfg.RedisAddr = fc.RedisAddr
		cfg.RedisPassword = fc.RedisPassword
		cfg.FrontendURI = fc.FrontendURI
		if fc.RingTimeoutSec > 0 {
			cfg.RingTimeout = time.Duration(fc.RingTimeoutSec) * time.Second
		}
		if fc.RingSweepSec > 0 {
			cfg.RingSweepInterval = time.Duration(fc.RingSweepSec) * time.Second
		}
		fmt.Println("NOTE: Custom configuration loaded from config.json")
	}

	if cfg.HTTPPort == "" {
		cfg.HTTPPort = getEnv("HTTP_PORT", "8080")
	}
	if cfg.HTTPSPort == "" {
		cfg.HTTPSPort = getEnv("HTTPS_PORT", "8443")
	}
	if cfg.Domain == "" {
		cfg.Domain = getEnv("DOMAIN", "localhost")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = getEnv("DB_PATH", "clustercall.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	}
	if len(cfg.STUNServers) == 0 {
		if raw := os.Getenv("STUN_SERVERS"); raw != "" {
			cfg.STUNServers = splitAndTrim(raw)
		} else {
			cfg.STUNServers = defaultSTUNServers
		}
	}
	if cfg.RingTimeout == 0 {
		cfg.RingTimeout = time.Duration(getEnvInt("RING_TIMEOUT_SECONDS", 45)) * time.Second
	}
	if cfg.RingSweepInterval == 0 {
		cfg.RingSweepInterval = time.Duration(getEnvInt("RING_SWEEP_SECONDS", 10)) * time.Second
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	}
	if cfg.RedisPassword == "" {
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}
	if cfg.FrontendURI == "" {
		cfg.FrontendURI = os.Getenv("FRONTEND_URI")
	}

	if httpOnly != nil {
		cfg.HTTPOnly = *httpOnly
	}

	cfg.JWTSecret = loadOrGenerateJWTSecret()
	cfg.VAPIDKeys = loadVAPIDKeys()

	return cfg
}

func loadConfigFile() (*fileConfig, error) {
	data, err := os.ReadFile(configFilePath())
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config.json: %w", err)
	}
	return &fc, nil
}

func configFilePath() string {
	execPath, err := os.Executable()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(filepath.Dir(execPath), "config.json")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := keysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")

	if secretData, err := os.ReadFile(secretFile); err == nil {
		secret := strings.TrimSpace(string(secretData))
		if secret != "" {
			return secret
		}
	}

	secret := generateRandomSecret()
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			fmt.Printf("Warning: failed to save JWT secret to disk: %v\n", err)
			fmt.Println("Secret will be regenerated on next restart unless set via JWT_SECRET")
		}
	}
	return secret
}

func keysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

func loadVAPIDKeys() *VAPIDKeys {
	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{
			PublicKey:  publicKey,
			PrivateKey: privateKey,
			Subject:    getEnv("VAPID_SUBJECT", "mailto:admin@clustercall.app"),
		}
	}

	keysDir := keysDirectory()
	publicKeyFile := filepath.Join(keysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(keysDir, "vapid-private.key")

	if publicKeyData, err := os.ReadFile(publicKeyFile); err == nil {
		if privateKeyData, err := os.ReadFile(privateKeyFile); err == nil {
			return &VAPIDKeys{
				PublicKey:  strings.TrimSpace(string(publicKeyData)),
				PrivateKey: strings.TrimSpace(string(privateKeyData)),
				Subject:    getEnv("VAPID_SUBJECT", "mailto:admin@clustercall.app"),
			}
		}
	}

	keys := generateVAPIDKeys()
	keys.Subject = getEnv("VAPID_SUBJECT", "mailto:admin@clustercall.app")

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(publicKeyFile, []byte(keys.PublicKey), 0600); err == nil {
			_ = os.WriteFile(privateKeyFile, []byte(keys.PrivateKey), 0600)
		}
	}
	return keys
}
