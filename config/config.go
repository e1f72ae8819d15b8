package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Concurrency strategies.
const (
	ModeThreaded  = "threaded"
	ModeEventLoop = "eventloop"
)

var (
	ErrUnknownMode     = errors.New("unknown server mode")
	ErrUnknownVerifier = errors.New("unknown secret verifier")
	ErrInvalidPort     = errors.New("port out of range")
)

// Older deployments named the strategies after their server classes.
var modeAliases = map[string]string{
	"persist socket server": ModeThreaded,
	"selector server":       ModeEventLoop,
	"thread":                ModeThreaded,
	"epoll":                 ModeEventLoop,
}

type Config struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Mode          string `yaml:"mode"`
	DBPath        string `yaml:"db_path"`
	MaxSessions   int    `yaml:"max_sessions"`
	WriteTimeout  int    `yaml:"write_timeout"` // seconds
	Verifier      string `yaml:"verifier"`
	MetricsAddr   string `yaml:"metrics_addr"`
	ControlSocket string `yaml:"control_socket"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
}

func Default() *Config {
	return &Config{
		Host:          "0.0.0.0",
		Port:          3215,
		Mode:          ModeThreaded,
		DBPath:        "chatrelay.db",
		WriteTimeout:  30,
		Verifier:      "fingerprint",
		ControlSocket: "/tmp/chatrelay.sock",
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then CHAT_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.Mode = NormalizeMode(cfg.Mode)
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	if host := os.Getenv("CHAT_HOST"); host != "" {
		cfg.Host = host
	}

	if portStr := os.Getenv("CHAT_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if mode := os.Getenv("CHAT_MODE"); mode != "" {
		cfg.Mode = mode
	}

	if dbPath := os.Getenv("CHAT_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if maxStr := os.Getenv("CHAT_MAX_SESSIONS"); maxStr != "" {
		if n, err := strconv.Atoi(maxStr); err == nil {
			cfg.MaxSessions = n
		}
	}

	if timeoutStr := os.Getenv("CHAT_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	if verifier := os.Getenv("CHAT_VERIFIER"); verifier != "" {
		cfg.Verifier = verifier
	}

	if addr, ok := os.LookupEnv("CHAT_METRICS_ADDR"); ok {
		cfg.MetricsAddr = addr
	}

	if path, ok := os.LookupEnv("CHAT_CONTROL_SOCKET"); ok {
		cfg.ControlSocket = path
	}

	if level := os.Getenv("CHAT_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if format := os.Getenv("CHAT_LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
}

// NormalizeMode maps legacy and shorthand names onto ModeThreaded or
// ModeEventLoop. Unknown names are returned lowercased for Validate to reject.
func NormalizeMode(mode string) string {
	m := strings.ToLower(strings.TrimSpace(mode))
	if canonical, ok := modeAliases[m]; ok {
		return canonical
	}
	return m
}

func (cfg *Config) Validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, cfg.Port)
	}
	switch cfg.Mode {
	case ModeThreaded, ModeEventLoop:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
	switch cfg.Verifier {
	case "fingerprint", "bcrypt":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownVerifier, cfg.Verifier)
	}
	if cfg.MaxSessions < 0 {
		return fmt.Errorf("max sessions must not be negative: %d", cfg.MaxSessions)
	}
	return nil
}
