// Package config persists the daemon's and client's settings as JSON under
// an OS-aware data directory, with CHATRELAY_* environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatrelay"
	// DefaultListenAddr is the relay's TCP listen address.
	DefaultListenAddr = ":7070"

	serverConfigFileName = "server.json"
	clientConfigFileName = "client.json"
)

// ServerConfig contains persistent relay daemon settings.
type ServerConfig struct {
	ServerID   string `json:"server_id"`
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	TokensPath string `json:"tokens_path"`
	EnableMDNS bool   `json:"enable_mdns"`
}

// ClientConfig contains persistent client settings.
type ClientConfig struct {
	ServerAddr     string `json:"server_addr"`
	Token          string `json:"token"`
	PrivateKeyPath string `json:"private_key_path"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATRELAY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("CHATRELAY_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ServerConfigPath returns the full path to server.json for a data directory.
func ServerConfigPath(dataDir string) string {
	return filepath.Join(dataDir, serverConfigFileName)
}

// ClientConfigPath returns the full path to client.json for a data directory.
func ClientConfigPath(dataDir string) string {
	return filepath.Join(dataDir, clientConfigFileName)
}

// LoadOrCreateServer ensures directories and server config exist, applies
// environment overrides, and returns the result with its data directory.
func LoadOrCreateServer() (*ServerConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	path := ServerConfigPath(dataDir)
	cfg := &ServerConfig{}
	if err := readJSON(path, cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		cfg = defaultServerConfig(dataDir)
		if err := writeJSON(path, cfg); err != nil {
			return nil, "", err
		}
	}

	if normalizeServerDefaults(cfg, dataDir) {
		if err := writeJSON(path, cfg); err != nil {
			return nil, "", err
		}
	}
	applyServerEnv(cfg)

	return cfg, dataDir, nil
}

// LoadOrCreateClient ensures directories and client config exist, applies
// environment overrides, and returns the result with its data directory.
func LoadOrCreateClient() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	path := ClientConfigPath(dataDir)
	cfg := &ClientConfig{}
	if err := readJSON(path, cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		cfg = defaultClientConfig(dataDir)
		if err := writeJSON(path, cfg); err != nil {
			return nil, "", err
		}
	}

	if normalizeClientDefaults(cfg, dataDir) {
		if err := writeJSON(path, cfg); err != nil {
			return nil, "", err
		}
	}
	applyClientEnv(cfg)

	return cfg, dataDir, nil
}

func defaultServerConfig(dataDir string) *ServerConfig {
	return &ServerConfig{
		ServerID:   uuid.NewString(),
		ListenAddr: DefaultListenAddr,
		DBPath:     filepath.Join(dataDir, "mailbox.db"),
		TokensPath: filepath.Join(dataDir, "tokens.json"),
		EnableMDNS: true,
	}
}

func defaultClientConfig(dataDir string) *ClientConfig {
	return &ClientConfig{
		ServerAddr:     "",
		Token:          "",
		PrivateKeyPath: filepath.Join(dataDir, "keys", "x25519_private.pem"),
	}
}

func normalizeServerDefaults(cfg *ServerConfig, dataDir string) bool {
	updated := false
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
		updated = true
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
		updated = true
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(dataDir, "mailbox.db")
		updated = true
	}
	if cfg.TokensPath == "" {
		cfg.TokensPath = filepath.Join(dataDir, "tokens.json")
		updated = true
	}
	return updated
}

func normalizeClientDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false
	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(dataDir, "keys", "x25519_private.pem")
		updated = true
	}
	return updated
}

// Environment overrides take precedence over the persisted file but are
// never written back to it.
func applyServerEnv(cfg *ServerConfig) {
	if v := os.Getenv("CHATRELAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CHATRELAY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CHATRELAY_TOKENS_PATH"); v != "" {
		cfg.TokensPath = v
	}
	if v := os.Getenv("CHATRELAY_ENABLE_MDNS"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.EnableMDNS = parsed
		}
	}
}

func applyClientEnv(cfg *ClientConfig) {
	if v := os.Getenv("CHATRELAY_SERVER_ADDR"); v != "" {
		cfg.ServerAddr = v
	}
	if v := os.Getenv("CHATRELAY_TOKEN"); v != "" {
		cfg.Token = v
	}
}

// LoadTokens reads a token-to-identity map from a JSON file. A missing file
// yields an empty map so a fresh daemon still starts.
func LoadTokens(path string) (map[string]string, error) {
	tokens := make(map[string]string)
	if err := readJSON(path, &tokens); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return tokens, nil
		}
		return nil, err
	}
	return tokens, nil
}

func readJSON(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func writeJSON(path string, in any) error {
	raw, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
