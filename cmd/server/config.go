package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/banking"
	"github.com/MegaGrindStone/bank-assistant/internal/conversation"
	"github.com/MegaGrindStone/bank-assistant/internal/handlers"
	"github.com/MegaGrindStone/bank-assistant/internal/services"
	"gopkg.in/yaml.v3"
)

// chatLLM is what every configured text provider offers: tool-calling chat and chat titles.
type chatLLM interface {
	conversation.LLM
	handlers.TitleGenerator
}

type llmConfig interface {
	llm(ctx context.Context, logger *slog.Logger) (chatLLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port        string
	DefaultUser string
	LLM         llmConfig
	Live        liveConfig
	Store       storeConfig
	StepUp      stepUpConfig
	Approval    approvalConfig
	Analysis    analysisConfig
	Log         logConfig
	Seed        seedConfig

	MCPSSEServers   map[string]mcpSSEServerConfig
	MCPStdIOServers map[string]mcpStdIOServerConfig
}

type geminiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	MaxTokens     int    `yaml:"maxTokens"`
}

// liveConfig enables voice mode. It always talks to Gemini Live.
type liveConfig struct {
	Model  string `yaml:"model"`
	Voice  string `yaml:"voice"`
	APIKey string `yaml:"apiKey"`
}

type storeConfig struct {
	// Driver selects where accounts live: "bolt" (default) or "postgres". Chats, messages and passkeys always
	// stay in the bolt file.
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type stepUpConfig struct {
	RPID          string        `yaml:"rpID"`
	RPDisplayName string        `yaml:"rpDisplayName"`
	Origins       []string      `yaml:"origins"`
	Timeout       time.Duration `yaml:"timeout"`
}

type approvalConfig struct {
	// Policy is "random" (default), "affordability" or "approve".
	Policy     string  `yaml:"policy"`
	RejectRate float64 `yaml:"rejectRate"`
}

type analysisConfig struct {
	// Categorizer is "keyword" (default), "llm" or "mcp".
	Categorizer string        `yaml:"categorizer"`
	Timeout     time.Duration `yaml:"timeout"`
	MCPTool     string        `yaml:"mcpTool"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type seedConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
}

type mcpSSEServerConfig struct {
	URL string `yaml:"url"`
}

type mcpStdIOServerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port            string                          `yaml:"port"`
		DefaultUser     string                          `yaml:"defaultUser"`
		LLM             map[string]any                  `yaml:"llm"`
		Live            liveConfig                      `yaml:"live"`
		Store           storeConfig                     `yaml:"store"`
		StepUp          stepUpConfig                    `yaml:"stepup"`
		Approval        approvalConfig                  `yaml:"approval"`
		Analysis        analysisConfig                  `yaml:"analysis"`
		Log             logConfig                       `yaml:"log"`
		Seed            seedConfig                      `yaml:"seed"`
		MCPSSEServers   map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers"`
		MCPStdIOServers map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "gemini":
		llm = &geminiConfig{}
	case "openai", "openrouter":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.DefaultUser = rawConfig.DefaultUser
	c.LLM = llm
	c.Live = rawConfig.Live
	c.Store = rawConfig.Store
	c.StepUp = rawConfig.StepUp
	c.Approval = rawConfig.Approval
	c.Analysis = rawConfig.Analysis
	c.Log = rawConfig.Log
	c.Seed = rawConfig.Seed
	c.MCPSSEServers = rawConfig.MCPSSEServers
	c.MCPStdIOServers = rawConfig.MCPStdIOServers

	return nil
}

func (c *config) setDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.DefaultUser == "" {
		c.DefaultUser = "alice"
	}
	if c.StepUp.RPID == "" {
		c.StepUp.RPID = "localhost"
	}
	if c.StepUp.RPDisplayName == "" {
		c.StepUp.RPDisplayName = "Bank Assistant"
	}
	if len(c.StepUp.Origins) == 0 {
		c.StepUp.Origins = []string{"http://localhost:" + c.Port}
	}
}

func (g geminiConfig) llm(ctx context.Context, logger *slog.Logger) (chatLLM, error) {
	if g.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	apiKey := g.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	return services.NewGemini(ctx, apiKey, g.Model, g.Parameters, logger)
}

func (o openAIConfig) llm(_ context.Context, logger *slog.Logger) (chatLLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey, baseURL := o.APIKey, o.BaseURL
	if o.Provider == "openrouter" {
		if apiKey == "" {
			apiKey = os.Getenv("OPENROUTER_API_KEY")
		}
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
	} else if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(o.Provider, apiKey, baseURL, o.Model, o.Parameters, logger), nil
}

func (o ollamaConfig) llm(_ context.Context, logger *slog.Logger) (chatLLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, o.Parameters, logger)
}

func (a anthropicConfig) llm(_ context.Context, logger *slog.Logger) (chatLLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("max_tokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Model, a.MaxTokens, a.Parameters, logger), nil
}

// provider opens the Gemini Live provider, or returns nil when voice mode is not configured.
func (l liveConfig) provider(ctx context.Context, logger *slog.Logger) (*services.GeminiLive, error) {
	if l.Model == "" {
		return nil, nil
	}
	apiKey := l.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	gemini, err := services.NewGemini(ctx, apiKey, l.Model, services.LLMParameters{}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create live client: %w", err)
	}
	live := services.NewGeminiLive(gemini.Client(), l.Model, l.Voice, logger)
	return &live, nil
}

func (a approvalConfig) options() ([]banking.Option, error) {
	switch a.Policy {
	case "", "random":
		p := banking.RandomPolicy{RejectRate: a.RejectRate}
		return []banking.Option{banking.WithApprovalPolicy(p), banking.WithExtensionPolicy(p)}, nil
	case "affordability":
		return []banking.Option{
			banking.WithApprovalPolicy(banking.DefaultAffordabilityPolicy()),
			banking.WithExtensionPolicy(banking.RandomPolicy{RejectRate: a.RejectRate}),
		}, nil
	case "approve":
		p := banking.StaticPolicy{Approve: true}
		return []banking.Option{banking.WithApprovalPolicy(p), banking.WithExtensionPolicy(p)}, nil
	default:
		return nil, fmt.Errorf("unknown approval policy: %s", a.Policy)
	}
}

func (l logConfig) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
