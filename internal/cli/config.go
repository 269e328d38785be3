package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"gopkg.in/yaml.v3"
)

// LoadConfig builds the process configuration. The tier preset comes first
// (HARRIER_TIER, else the file's tier), then the YAML file at path, then
// HARRIER_* environment overrides. An empty path skips the file.
func LoadConfig(path string, getenv func(string) string) (*domain.Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	var raw []byte
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		raw = data
	}

	tier := domain.Tier(getenv("HARRIER_TIER"))
	if tier == "" && len(raw) > 0 {
		var probe struct {
			Tier domain.Tier `yaml:"tier"`
		}
		if err := yaml.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		tier = probe.Tier
	}

	cfg := domain.DefaultConfig()
	if tier == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if len(raw) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}

	cfg.Engine.ConflictResolutionStrategy = cfg.Engine.ConflictResolutionStrategy.Normalize()
	return cfg, nil
}

func applyEnv(cfg *domain.Config, getenv func(string) string) error {
	if v := getenv("HARRIER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := getenv("HARRIER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid HARRIER_PORT %q", v)
		}
		cfg.Server.Port = port
	}

	if v := getenv("HARRIER_DB_DRIVER"); v != "" {
		cfg.Repository.Driver = v
	}
	if v := getenv("HARRIER_DB_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := getenv("HARRIER_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := getenv("HARRIER_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := getenv("HARRIER_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}

	if v := getenv("HARRIER_REDIS_ADDR"); v != "" {
		cfg.Cache.Type = "redis"
		cfg.Cache.RedisAddr = v
	}
	if v := getenv("HARRIER_REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}

	if v := getenv("HARRIER_NATS_URL"); v != "" {
		cfg.EventBus.Type = "nats"
		cfg.EventBus.NATSUrl = v
	}
	if v := getenv("HARRIER_NATS_QUEUE_GROUP"); v != "" {
		cfg.EventBus.NATSQueueGroup = v
	}
	if v := getenv("HARRIER_NAMESPACE"); v != "" {
		cfg.EventBus.Namespace = v
	}

	if v := getenv("HARRIER_STRATEGY"); v != "" {
		cfg.Engine.ConflictResolutionStrategy = domain.Strategy(v)
	}
	if v := getenv("HARRIER_EXECUTION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid HARRIER_EXECUTION_TIMEOUT %q: %w", v, err)
		}
		cfg.Engine.ExecutionTimeout = d
	}

	if getenv("HARRIER_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	if v := getenv("HARRIER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	return nil
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

type ruleFile struct {
	Rules []domain.Rule `yaml:"rules"`
}

// LoadRules reads a YAML document with a top-level rules list.
func LoadRules(path string) ([]domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules %s: %w", path, err)
	}
	return file.Rules, nil
}

// LoadContext reads a context document in YAML or JSON. The path "-" reads
// from stdin. A missing timestamp is set to now.
func LoadContext(path string, stdin io.Reader) (*domain.Context, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read context: %w", err)
	}

	var rc domain.Context
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &rc)
	} else {
		err = yaml.Unmarshal(data, &rc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse context: %w", err)
	}
	if rc.Timestamp.IsZero() {
		rc.Timestamp = time.Now()
	}
	return &rc, nil
}
