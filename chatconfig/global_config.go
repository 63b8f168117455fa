// Package chatconfig loads and saves the chat widget's YAML configuration
// and the durable visitor identity.
package chatconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type GlobalConfig struct {
	Servers       map[string]Server `yaml:"servers,omitempty"`
	DefaultServer string            `yaml:"default_server,omitempty"`
	Visitor       Visitor           `yaml:"visitor,omitempty"`
	Page          Page              `yaml:"page,omitempty"`
	Transport     Transport         `yaml:"transport,omitempty"`
	Typing        Typing            `yaml:"typing,omitempty"`
	Identity      IdentityConfig    `yaml:"identity,omitempty"`
}

type Server struct {
	URL    string `yaml:"url,omitempty"`
	WSURL  string `yaml:"ws_url,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
}

// Visitor holds profile defaults sent when a chat starts.
type Visitor struct {
	Name       string `yaml:"name,omitempty"`
	Email      string `yaml:"email,omitempty"`
	Department string `yaml:"department,omitempty"`
}

type Page struct {
	URL   string `yaml:"url,omitempty"`
	Title string `yaml:"title,omitempty"`
}

type Transport struct {
	ReconnectDelay time.Duration `yaml:"reconnect_delay,omitempty"`
	HeartBeat      time.Duration `yaml:"heartbeat,omitempty"`
}

type Typing struct {
	Debounce    time.Duration `yaml:"debounce,omitempty"`
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`
}

const (
	IdentityBackendFile  = "file"
	IdentityBackendRedis = "redis"
)

// IdentityConfig selects where the visitor identity lives. The file backend
// is the default.
type IdentityConfig struct {
	Backend  string `yaml:"backend,omitempty"`
	Path     string `yaml:"path,omitempty"`
	RedisURL string `yaml:"redis_url,omitempty"`
	RedisKey string `yaml:"redis_key,omitempty"`
}

func DefaultGlobalConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv("LIVECHAT_CONFIG_PATH")); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "livechat", "config.yaml"), nil
}

// LoadGlobalFrom reads path. A missing file yields an empty config.
func LoadGlobalFrom(path string) (*GlobalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &GlobalConfig{Servers: map[string]Server{}}, nil
		}
		return nil, err
	}

	var cfg GlobalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Servers == nil {
		cfg.Servers = map[string]Server{}
	}
	return &cfg, nil
}

func (c *GlobalConfig) SaveGlobalTo(path string) error {
	if c.Servers == nil {
		c.Servers = map[string]Server{}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// UpdateGlobalAt applies fn to the config at path under an exclusive lock.
func UpdateGlobalAt(path string, fn func(cfg *GlobalConfig) error) error {
	if fn == nil {
		return errors.New("nil update function")
	}

	lock, err := LockExclusive(path + ".lock")
	if err != nil {
		return fmt.Errorf("lock config: %w", err)
	}
	defer func() { _ = lock.Close() }()

	cfg, err := LoadGlobalFrom(path)
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	return cfg.SaveGlobalTo(path)
}

// IdentityPath returns where the file identity backend stores the visitor,
// next to the config file unless overridden.
func (c *GlobalConfig) IdentityPath(configPath string) string {
	if p := strings.TrimSpace(c.Identity.Path); p != "" {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), "identity.yaml")
}

// writeFileAtomic replaces path with data (mode 0600) via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
