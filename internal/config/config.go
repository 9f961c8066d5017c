// Package config loads the node configuration.
//
// Config is stored at ~/.homie/config.yaml. A missing file yields Default()
// with a freshly generated group secret.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	units "github.com/docker/go-units"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const (
	SandboxDocker  = "docker"
	SandboxProcess = "process"
)

type Config struct {
	Name        string `yaml:"name"`
	GroupSecret string `yaml:"group_secret"`

	DiscoveryPort    int      `yaml:"discovery_port"`
	WorkerPort       int      `yaml:"worker_port"`
	BroadcastAddress string   `yaml:"broadcast_address"`
	DirectPeers      []string `yaml:"direct_peers,omitempty"`

	Sandbox     string  `yaml:"sandbox"`
	Image       string  `yaml:"image"`
	CPULimit    float64 `yaml:"cpu_limit"`
	MemoryLimit string  `yaml:"memory_limit"`
	PidsLimit   int64   `yaml:"pids_limit"`

	ExecutionTimeout  time.Duration `yaml:"execution_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PeerTimeout       time.Duration `yaml:"peer_timeout"`
	ConcurrencyCap    int           `yaml:"concurrency_cap"`
	MaxFrameBytes     string        `yaml:"max_frame_bytes"`
	ResultGlobs       []string      `yaml:"result_globs,omitempty"`

	HistoryPath   string   `yaml:"history_path"`
	EtcdEndpoints []string `yaml:"etcd_endpoints,omitempty"`
	NTPServer     string   `yaml:"ntp_server,omitempty"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file,omitempty"`
}

// Dir returns ~/.homie.
func Dir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ".homie"
	}
	return filepath.Join(home, ".homie")
}

// Path returns the config file location.
func Path() string {
	return filepath.Join(Dir(), "config.yaml")
}

func Default() *Config {
	name := os.Getenv("USER")
	if name == "" {
		name, _ = os.Hostname()
	}
	if name == "" {
		name = "homie"
	}
	return &Config{
		Name:              name,
		DiscoveryPort:     5555,
		WorkerPort:        5556,
		BroadcastAddress:  "255.255.255.255",
		Sandbox:           SandboxDocker,
		Image:             "python:3.11-slim",
		CPULimit:          2.0,
		MemoryLimit:       "4g",
		PidsLimit:         100,
		ExecutionTimeout:  600 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		PeerTimeout:       10 * time.Second,
		ConcurrencyCap:    2,
		MaxFrameBytes:     "100MiB",
		HistoryPath:       filepath.Join(Dir(), "history.db"),
		NTPServer:         "pool.ntp.org",
		LogLevel:          "info",
	}
}

// Load reads path (Path() when empty). Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			secret, err := NewSecret()
			if err != nil {
				return nil, err
			}
			cfg.GroupSecret = secret
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config, creating the directory as needed. The file holds the
// group secret so it is written owner-only.
func (c *Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.GroupSecret == "" {
		errs = append(errs, errors.New("group_secret is required"))
	}
	if !validPort(c.DiscoveryPort) || !validPort(c.WorkerPort) {
		errs = append(errs, fmt.Errorf("ports must be in 1..65535 (discovery %d, worker %d)", c.DiscoveryPort, c.WorkerPort))
	}
	if c.Sandbox != SandboxDocker && c.Sandbox != SandboxProcess {
		errs = append(errs, fmt.Errorf("sandbox must be %q or %q, got %q", SandboxDocker, SandboxProcess, c.Sandbox))
	}
	if c.CPULimit <= 0 {
		errs = append(errs, fmt.Errorf("cpu_limit must be positive, got %v", c.CPULimit))
	}
	if _, err := c.MemoryBytes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.MaxFrame(); err != nil {
		errs = append(errs, err)
	}
	if c.ExecutionTimeout <= 0 || c.HeartbeatInterval <= 0 || c.PeerTimeout <= 0 {
		errs = append(errs, errors.New("execution_timeout, heartbeat_interval and peer_timeout must be positive"))
	}
	if c.PeerTimeout <= c.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("peer_timeout (%s) must exceed heartbeat_interval (%s)", c.PeerTimeout, c.HeartbeatInterval))
	}
	if c.ConcurrencyCap < 1 {
		errs = append(errs, fmt.Errorf("concurrency_cap must be at least 1, got %d", c.ConcurrencyCap))
	}
	for _, g := range c.ResultGlobs {
		if _, err := filepath.Match(g, ""); err != nil {
			errs = append(errs, fmt.Errorf("result_globs %q: %w", g, err))
		}
	}
	return errors.Join(errs...)
}

// MemoryBytes parses MemoryLimit ("4g", "512m") into bytes.
func (c *Config) MemoryBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("memory_limit %q: %w", c.MemoryLimit, err)
	}
	return n, nil
}

// MaxFrame parses MaxFrameBytes ("100MiB").
func (c *Config) MaxFrame() (int, error) {
	n, err := units.RAMInBytes(c.MaxFrameBytes)
	if err != nil {
		return 0, fmt.Errorf("max_frame_bytes %q: %w", c.MaxFrameBytes, err)
	}
	if n <= 0 || n > 1<<31-1 {
		return 0, fmt.Errorf("max_frame_bytes %q out of range", c.MaxFrameBytes)
	}
	return int(n), nil
}

// NewSecret returns a random URL-safe group secret.
func NewSecret() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}
