// Package config loads daemon configuration the way the rest of this
// codebase's services do: a cascade of .env files, environment
// variables, and an optional Vault-backed secret for the value that
// must never sit in a plaintext env file — the local master-key
// wrapping secret.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/joho/godotenv"

	"github.com/sealedline/e2ee-core/internal/obslog"
)

// Protocol constants from the configurable-constants table. These are
// not meant to be overridden per-deployment; they are wire contract,
// so they are typed constants rather than env-tunable values.
const (
	OneTimePrekeyTarget = 100
	MinPool             = 20
	MaxUploadBatch      = 50
	SignedPrekeyTTL     = 7 * 24 * time.Hour
	MaxSkip             = 1000
	FingerprintLength   = 60
)

// Config holds the daemon's runtime configuration.
type Config struct {
	// StoragePath is the path to the local SQLite at-rest store.
	StoragePath string
	// ListenAddr is the address apiserver binds to.
	ListenAddr string
	// RedisAddr backs the bundlecache, empty disables it.
	RedisAddr string
	// ConsulAddr backs service discovery, empty disables it.
	ConsulAddr string
	// ServerID identifies this daemon instance to Consul.
	ServerID string
	// PeerServerBaseURL is the default remote bundle-server base URL,
	// used when Consul discovery is disabled.
	PeerServerBaseURL string
	// JWTSecret authenticates the bearer token on all three prekey
	// endpoints (publish, status and fetch).
	JWTSecret string
	// MasterKeyPassphrase, if set, derives the storage master key via
	// Argon2id instead of using a random key (see the master-key note
	// under internal/storage in DESIGN.md).
	MasterKeyPassphrase string
	// FetchTimeout bounds remote prekey-bundle fetches.
	FetchTimeout time.Duration
}

var logger = obslog.New("CONFIG")

func loadEnvFiles() {
	_ = godotenv.Load()
	if env := os.Getenv("NODE_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load(".env.local")
}

// Load resolves configuration from the cascading env files, then
// environment variables, then (for the master-key passphrase only) an
// optional Vault KV secret.
func Load() (*Config, error) {
	loadEnvFiles()

	cfg := &Config{
		StoragePath:       getEnv("E2EE_STORAGE_PATH", "./e2ee-core.db"),
		ListenAddr:        getEnv("E2EE_LISTEN_ADDR", ":8443"),
		RedisAddr:         os.Getenv("E2EE_REDIS_ADDR"),
		ConsulAddr:        os.Getenv("E2EE_CONSUL_ADDR"),
		ServerID:          getEnv("E2EE_SERVER_ID", "e2eed-1"),
		PeerServerBaseURL: os.Getenv("E2EE_PEER_SERVER_URL"),
		JWTSecret:         os.Getenv("E2EE_JWT_SECRET"),
		FetchTimeout:      getEnvDuration("E2EE_FETCH_TIMEOUT", 5*time.Second),
	}

	passphrase, err := resolveMasterKeyPassphrase()
	if err != nil {
		logger.Printf("warning: master key passphrase not resolved from Vault: %v", err)
	}
	cfg.MasterKeyPassphrase = passphrase

	return cfg, nil
}

// resolveMasterKeyPassphrase prefers Vault when VAULT_ADDR is set,
// falling back to the plain environment variable otherwise — the same
// fallback shape the rest of this codebase uses for its JWT secret.
func resolveMasterKeyPassphrase() (string, error) {
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		v, err := newVaultClient(addr, os.Getenv("VAULT_TOKEN"))
		if err == nil {
			secret, err := getSecretFromVault(v, getEnv("VAULT_MASTER_KEY_PATH", "secret/data/e2ee/master-key"), "passphrase")
			if err == nil && secret != "" {
				return secret, nil
			}
			if err != nil {
				logger.Printf("vault lookup failed, falling back to environment: %v", err)
			}
		} else {
			logger.Printf("vault client init failed, falling back to environment: %v", err)
		}
	}
	return os.Getenv("E2EE_MASTER_KEY_PASSPHRASE"), nil
}

func newVaultClient(addr, token string) (*vaultapi.Client, error) {
	vc := vaultapi.DefaultConfig()
	vc.Address = addr
	client, err := vaultapi.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("vault health check: %w", err)
	}
	return client, nil
}

func getSecretFromVault(client *vaultapi.Client, path, key string) (string, error) {
	secret, err := client.Logical().ReadWithContext(context.Background(), path)
	if err != nil {
		return "", fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault secret %s not found", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}
	val, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("vault secret %s missing key %s", path, key)
	}
	return val, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
