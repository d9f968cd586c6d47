// SPDX-License-Identifier: AGPL-3.0-only
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "MCP_FINANCE_"

// Provider names accepted in AIConfig.Provider.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	// ProviderText is an OpenAI-compatible endpoint used without native tool
	// calling; tool use is detected from the generated text.
	ProviderText = "text"
)

// Config holds the settings shared by the client and the finance server.
type Config struct {
	Client   ClientConfig   `mapstructure:"client"`
	Server   ServerConfig   `mapstructure:"server"`
	AI       AIConfig       `mapstructure:"ai"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Store    StoreConfig    `mapstructure:"store"`
}

// ClientConfig configures the interactive client.
type ClientConfig struct {
	Name           string        `mapstructure:"name"`
	Version        string        `mapstructure:"version"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	RenderMarkdown bool          `mapstructure:"render_markdown"`
}

// ServerConfig configures the finance MCP server.
type ServerConfig struct {
	Name          string `mapstructure:"name"`
	Version       string `mapstructure:"version"`
	Address       string `mapstructure:"address"`
	Port          int    `mapstructure:"port"`
	TransportMode string `mapstructure:"transport"`
}

// AIConfig configures the completion backend.
type AIConfig struct {
	Provider        string  `mapstructure:"provider"`
	Model           string  `mapstructure:"model"`
	MaxTokens       int64   `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	APIKey          string  `mapstructure:"api_key"`
	AnthropicAPIKey string  `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string  `mapstructure:"openai_api_key"`
	BaseURL         string  `mapstructure:"base_url"`
	MaxToolRounds   int     `mapstructure:"max_tool_rounds"`
}

// ToolsConfig names the backend tools the orchestrator applies policy to.
type ToolsConfig struct {
	Analyze  string `mapstructure:"analyze"`
	Save     string `mapstructure:"save"`
	Render   string `mapstructure:"render"`
	QueryArg string `mapstructure:"query_arg"`
	CodeArg  string `mapstructure:"code_arg"`
}

// AnalysisConfig configures code persistence and execution on the server.
type AnalysisConfig struct {
	CodeFile    string        `mapstructure:"code_file"`
	Interpreter string        `mapstructure:"interpreter"`
	ExecTimeout time.Duration `mapstructure:"exec_timeout"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	FilePath string `mapstructure:"file"`
}

// StoreConfig configures the history database.
type StoreConfig struct {
	DBPath   string `mapstructure:"db_path"`
	Disabled bool   `mapstructure:"disabled"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Client: ClientConfig{
			Name:           "mcp-finance",
			Version:        "0.1.0",
			QueryTimeout:   5 * time.Minute,
			RenderMarkdown: true,
		},
		Server: ServerConfig{
			Name:          "financial-analyst",
			Version:       "0.1.0",
			Address:       "localhost",
			Port:          8080,
			TransportMode: "stdio",
		},
		AI: AIConfig{
			Provider:      ProviderAnthropic,
			MaxTokens:     4000,
			Temperature:   0.1,
			MaxToolRounds: 10,
		},
		Tools: ToolsConfig{
			Analyze:  "analyze_stock",
			Save:     "save_code",
			Render:   "run_code_and_show_plot",
			QueryArg: "query",
			CodeArg:  "code",
		},
		Analysis: AnalysisConfig{
			CodeFile:    "stock_analysis.py",
			Interpreter: "python3",
			ExecTimeout: 2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Store: StoreConfig{
			DBPath: filepath.Join(dataDir, "history.db"),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcp-finance"
	}
	return filepath.Join(home, ".mcp-finance")
}

// DataDir returns the directory holding history and default log files.
func (c *Config) DataDir() string {
	return filepath.Dir(c.Store.DBPath)
}

// ResolvedModel returns the configured model or the provider's default.
func (a AIConfig) ResolvedModel() string {
	if a.Model != "" {
		return a.Model
	}
	switch strings.ToLower(a.Provider) {
	case ProviderOpenAI:
		return "gpt-4o"
	case ProviderText:
		return "deepseek-r1:7b"
	default:
		return "claude-3-5-sonnet-20241022"
	}
}

// LoadFile overlays settings from a YAML, JSON or TOML file onto cfg. Keys
// missing from the file keep their current values.
func LoadFile(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

// FromEnv overrides cfg with environment variables.
func FromEnv(cfg *Config) {
	setString(&cfg.AI.Provider, envPrefix+"AI_PROVIDER")
	setString(&cfg.AI.Model, envPrefix+"AI_MODEL")
	setString(&cfg.AI.APIKey, envPrefix+"AI_API_KEY")
	setString(&cfg.AI.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.AI.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.AI.BaseURL, envPrefix+"AI_BASE_URL")
	setInt(&cfg.AI.MaxToolRounds, envPrefix+"AI_MAX_TOOL_ROUNDS")
	if v := os.Getenv(envPrefix + "AI_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AI.Temperature = f
		}
	}
	if v := os.Getenv(envPrefix + "AI_MAX_TOKENS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.AI.MaxTokens = n
		}
	}

	setString(&cfg.Server.TransportMode, envPrefix+"SERVER_TRANSPORT")
	setString(&cfg.Server.Address, envPrefix+"SERVER_ADDRESS")
	setInt(&cfg.Server.Port, envPrefix+"SERVER_PORT")

	setString(&cfg.Analysis.CodeFile, envPrefix+"CODE_FILE")
	setString(&cfg.Analysis.Interpreter, envPrefix+"PYTHON")
	setDuration(&cfg.Analysis.ExecTimeout, envPrefix+"EXEC_TIMEOUT")
	setDuration(&cfg.Client.QueryTimeout, envPrefix+"QUERY_TIMEOUT")

	setString(&cfg.Logging.Level, envPrefix+"LOG_LEVEL")
	setString(&cfg.Logging.FilePath, envPrefix+"LOG_FILE")
	setString(&cfg.Store.DBPath, envPrefix+"DB_PATH")
	if v := os.Getenv(envPrefix + "NO_HISTORY"); v != "" {
		cfg.Store.Disabled = v == "1" || strings.EqualFold(v, "true")
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	switch strings.ToLower(c.AI.Provider) {
	case ProviderAnthropic, ProviderOpenAI, ProviderText:
	default:
		return fmt.Errorf("unsupported AI provider: %s", c.AI.Provider)
	}
	if c.AI.MaxTokens <= 0 {
		return fmt.Errorf("ai max_tokens must be positive, got %d", c.AI.MaxTokens)
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 2 {
		return fmt.Errorf("ai temperature must be within [0, 2], got %g", c.AI.Temperature)
	}
	if c.AI.MaxToolRounds <= 0 {
		return fmt.Errorf("ai max_tool_rounds must be positive, got %d", c.AI.MaxToolRounds)
	}
	if c.Tools.Analyze == "" || c.Tools.Save == "" || c.Tools.Render == "" {
		return fmt.Errorf("tool names for analyze, save and render are required")
	}
	switch c.Server.TransportMode {
	case "stdio", "sse", "http":
	default:
		return fmt.Errorf("unsupported transport mode: %s", c.Server.TransportMode)
	}
	if c.Server.TransportMode != "stdio" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Analysis.CodeFile == "" {
		return fmt.Errorf("analysis code_file is required")
	}
	if c.Client.QueryTimeout <= 0 {
		return fmt.Errorf("client query_timeout must be positive")
	}
	if c.Analysis.ExecTimeout <= 0 {
		return fmt.Errorf("analysis exec_timeout must be positive")
	}
	return nil
}
