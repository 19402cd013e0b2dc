package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-widget/internal/conversation"
	"github.com/MegaGrindStone/chat-widget/internal/services"
	"github.com/MegaGrindStone/chat-widget/internal/widget"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type transportConfig interface {
	transport(logger *slog.Logger) (conversation.Transport, error)
}

// BaseTransportConfig contains the common fields for all transport configurations.
type BaseTransportConfig struct {
	Provider     string `yaml:"provider"`
	SystemPrompt string `yaml:"systemPrompt"`
}

type config struct {
	Port     string `yaml:"port" validate:"required,numeric"`
	LogLevel string `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`

	Transport transportConfig `yaml:"transport" validate:"required"`
	Widget    widgetConfig    `yaml:"widget"`

	AllowedOrigins        []string      `yaml:"allowedOrigins"`
	InstanceIdleTimeout   time.Duration `yaml:"instanceIdleTimeout"`
	SweepInterval         time.Duration `yaml:"sweepInterval"`
	DiagnosticsPath       string        `yaml:"diagnosticsPath"`
	DiagnosticsMaxEntries int           `yaml:"diagnosticsMaxEntries" validate:"gte=0"`
}

type widgetConfig struct {
	FallbackURL    string            `yaml:"fallbackURL" validate:"omitempty,url"`
	CSSURL         string            `yaml:"cssURL" validate:"omitempty,url"`
	Title          string            `yaml:"title"`
	Greeting       string            `yaml:"greeting"`
	Placeholder    string            `yaml:"placeholder"`
	Apology        string            `yaml:"apology"`
	Styles         map[string]string `yaml:"styles"`
	StrictStyles   bool              `yaml:"strictStyles"`
	LockWhileBusy  bool              `yaml:"lockWhileBusy"`
	RenderMarkdown bool              `yaml:"renderMarkdown"`
}

type webhookConfig struct {
	BaseTransportConfig `yaml:",inline"`
	URL                 string        `yaml:"url" validate:"required,url"`
	Timeout             time.Duration `yaml:"timeout"`
}

type openAIConfig struct {
	BaseTransportConfig `yaml:",inline"`
	APIKey              string `yaml:"apiKey"`
	BaseURL             string `yaml:"baseURL" validate:"omitempty,url"`
	Model               string `yaml:"model" validate:"required"`
}

type anthropicConfig struct {
	BaseTransportConfig `yaml:",inline"`
	APIKey              string `yaml:"apiKey"`
	Endpoint            string `yaml:"endpoint" validate:"omitempty,url"`
	Model               string `yaml:"model" validate:"required"`
	MaxTokens           int    `yaml:"maxTokens" validate:"gte=0"`
}

type ollamaConfig struct {
	BaseTransportConfig `yaml:",inline"`
	Host                string `yaml:"host" validate:"omitempty,url"`
	Model               string `yaml:"model" validate:"required"`
}

const (
	defaultPort                  = "8080"
	defaultInstanceIdleTimeout   = 30 * time.Minute
	defaultSweepInterval         = time.Minute
	defaultDiagnosticsMaxEntries = 500
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port                  string         `yaml:"port"`
		LogLevel              string         `yaml:"logLevel"`
		Transport             map[string]any `yaml:"transport"`
		Widget                widgetConfig   `yaml:"widget"`
		AllowedOrigins        []string       `yaml:"allowedOrigins"`
		InstanceIdleTimeout   time.Duration  `yaml:"instanceIdleTimeout"`
		SweepInterval         time.Duration  `yaml:"sweepInterval"`
		DiagnosticsPath       string         `yaml:"diagnosticsPath"`
		DiagnosticsMaxEntries int            `yaml:"diagnosticsMaxEntries"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.Widget = rawConfig.Widget
	c.AllowedOrigins = rawConfig.AllowedOrigins
	c.InstanceIdleTimeout = rawConfig.InstanceIdleTimeout
	c.SweepInterval = rawConfig.SweepInterval
	c.DiagnosticsPath = rawConfig.DiagnosticsPath
	c.DiagnosticsMaxEntries = rawConfig.DiagnosticsMaxEntries

	provider, ok := rawConfig.Transport["provider"].(string)
	if !ok {
		return fmt.Errorf("transport provider is required")
	}

	transportRawYAML, err := yaml.Marshal(rawConfig.Transport)
	if err != nil {
		return err
	}

	var tc transportConfig
	switch provider {
	case "webhook":
		tc = &webhookConfig{}
	case "openai":
		tc = &openAIConfig{}
	case "ollama":
		tc = &ollamaConfig{}
	case "anthropic":
		tc = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown transport provider: %s", provider)
	}

	if err := yaml.Unmarshal(transportRawYAML, tc); err != nil {
		return err
	}

	c.Transport = tc

	return nil
}

// applyDefaults fills in the settings the file left out.
func (c *config) applyDefaults() {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.InstanceIdleTimeout <= 0 {
		c.InstanceIdleTimeout = defaultInstanceIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.DiagnosticsMaxEntries == 0 {
		c.DiagnosticsMaxEntries = defaultDiagnosticsMaxEntries
	}
}

// validate checks the configuration and the transport section it selected.
func (c *config) validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := v.Struct(c.Transport); err != nil {
		return fmt.Errorf("invalid transport config: %w", err)
	}
	return nil
}

func loadConfig(path string) (config, error) {
	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	return decodeConfig(f)
}

func decodeConfig(r io.Reader) (config, error) {
	cfg := config{}
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (w widgetConfig) defaults() widget.Config {
	return widget.Config{
		FallbackURL: w.FallbackURL,
		CSSURL:      w.CSSURL,
		Title:       w.Title,
		Greeting:    w.Greeting,
		Placeholder: w.Placeholder,
		Styles:      w.Styles,
	}
}

func (w webhookConfig) transport(logger *slog.Logger) (conversation.Transport, error) {
	var client *http.Client
	if w.Timeout > 0 {
		client = &http.Client{Timeout: w.Timeout}
	}
	webhook := services.NewWebhook(w.URL, client, logger)
	return conversation.TransportFunc(func(text string) conversation.Handle {
		return webhook.Send(text)
	}), nil
}

func (o openAIConfig) transport(logger *slog.Logger) (conversation.Transport, error) {
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" && o.BaseURL == "" {
		return nil, errors.New("apiKey is required")
	}
	openAI := services.NewOpenAI(apiKey, o.BaseURL, o.Model, o.SystemPrompt, logger)
	return conversation.TransportFunc(func(text string) conversation.Handle {
		return openAI.Send(text)
	}), nil
}

func (o ollamaConfig) transport(logger *slog.Logger) (conversation.Transport, error) {
	ollama, err := services.NewOllama(o.Host, o.Model, o.SystemPrompt, logger)
	if err != nil {
		return nil, err
	}
	return conversation.TransportFunc(func(text string) conversation.Handle {
		return ollama.Send(text)
	}), nil
}

func (a anthropicConfig) transport(logger *slog.Logger) (conversation.Transport, error) {
	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("apiKey is required")
	}
	anthropic := services.NewAnthropic(apiKey, a.Endpoint, a.Model, a.SystemPrompt, a.MaxTokens, logger)
	return conversation.TransportFunc(func(text string) conversation.Handle {
		return anthropic.Send(text)
	}), nil
}
