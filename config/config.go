// Package config loads codeagent settings from defaults, an optional YAML
// file, .env files and the environment, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/noviadi/code-agent/agentloop"
	"github.com/noviadi/code-agent/unifiedllm"
)

// Config holds every setting the CLI needs.
type Config struct {
	Provider     string `yaml:"provider" env:"CODEAGENT_PROVIDER" validate:"oneof=anthropic openai gollm"`
	GollmBackend string `yaml:"gollm_backend" env:"CODEAGENT_GOLLM_BACKEND" validate:"required_if=Provider gollm"`
	Model        string `yaml:"model" env:"CODEAGENT_MODEL"`

	AnthropicAPIKey string `yaml:"-" env:"ANTHROPIC_API_KEY" validate:"required_if=Provider anthropic"`
	OpenAIAPIKey    string `yaml:"-" env:"OPENAI_API_KEY" validate:"required_if=Provider openai"`
	GollmAPIKey     string `yaml:"-" env:"CODEAGENT_GOLLM_API_KEY"`

	MaxTokens      int           `yaml:"max_tokens" env:"CODEAGENT_MAX_TOKENS" validate:"gte=1"`
	MaxRetries     int           `yaml:"max_retries" env:"CODEAGENT_MAX_RETRIES" validate:"gte=0,lte=10"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"CODEAGENT_REQUEST_TIMEOUT"`

	WorkingDir          string `yaml:"working_dir" env:"CODEAGENT_WORKING_DIR"`
	LogToolUse          bool   `yaml:"log_tool_use" env:"CODEAGENT_LOG_TOOL_USE"`
	MaxToolRounds       int    `yaml:"max_tool_rounds" env:"CODEAGENT_MAX_TOOL_ROUNDS" validate:"gte=0"`
	EnableLoopDetection bool   `yaml:"enable_loop_detection" env:"CODEAGENT_LOOP_DETECTION"`
	LoopDetectionWindow int    `yaml:"loop_detection_window" env:"CODEAGENT_LOOP_DETECTION_WINDOW" validate:"gte=2"`
	ContextWindow       int    `yaml:"context_window" env:"CODEAGENT_CONTEXT_WINDOW" validate:"gte=0"`
	LogLevel            string `yaml:"log_level" env:"CODEAGENT_LOG_LEVEL" validate:"oneof=debug info warn error"`
	UserInstructions    string `yaml:"user_instructions" env:"CODEAGENT_USER_INSTRUCTIONS"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Provider:            "anthropic",
		MaxTokens:           4096,
		MaxRetries:          2,
		RequestTimeout:      2 * time.Minute,
		LogToolUse:          true,
		MaxToolRounds:       200,
		EnableLoopDetection: true,
		LoopDetectionWindow: 10,
		LogLevel:            "info",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.Model == "" {
		cfg.Model = defaultModel(cfg.Provider, cfg.GollmBackend)
	}
	cfg.Model = unifiedllm.ResolveModelID(cfg.Model)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadDotEnv loads variables from a .env file without overriding ones that
// are already set. With an empty path a missing ./.env is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("env"); name != "" && fld.Tag.Get("yaml") == "-" {
			return name
		}
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks field constraints and reports every violation.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required_if":
			msgs = append(msgs, fmt.Sprintf("%s is required for provider %q", fe.Field(), c.Provider))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// APIKey returns the credential for the configured provider.
func (c *Config) APIKey() string {
	backend := c.Provider
	if backend == "gollm" {
		if c.GollmAPIKey != "" {
			return c.GollmAPIKey
		}
		backend = c.GollmBackend
	}
	switch backend {
	case "anthropic":
		return c.AnthropicAPIKey
	case "openai":
		return c.OpenAIAPIKey
	default:
		return ""
	}
}

// AgentConfig derives the loop configuration. A zero context window is
// filled from the model catalog.
func (c *Config) AgentConfig(systemPrompt string) agentloop.AgentConfig {
	contextWindow := c.ContextWindow
	if contextWindow == 0 {
		if info := unifiedllm.GetModelInfo(c.Model); info != nil {
			contextWindow = info.ContextWindow
		}
	}
	return agentloop.AgentConfig{
		LogToolUse:          c.LogToolUse,
		SystemPrompt:        systemPrompt,
		MaxToolRounds:       c.MaxToolRounds,
		EnableLoopDetection: c.EnableLoopDetection,
		LoopDetectionWindow: c.LoopDetectionWindow,
		ContextWindow:       contextWindow,
	}
}

// RetryPolicy returns the default policy with the configured retry count.
func (c *Config) RetryPolicy() unifiedllm.RetryPolicy {
	policy := unifiedllm.DefaultRetryPolicy()
	policy.MaxRetries = c.MaxRetries
	return policy
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultModel(provider, gollmBackend string) string {
	if provider == "gollm" {
		provider = gollmBackend
	}
	if info := unifiedllm.GetLatestModel(provider); info != nil {
		return info.ID
	}
	return ""
}
