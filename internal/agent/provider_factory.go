// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"fmt"
	"strings"

	"github.com/jolks/mcp-finance/internal/config"
)

// NewChatProvider builds the ChatProvider selected by cfg.AI.Provider together
// with the TriggerDetector matching its response style.
func NewChatProvider(cfg *config.Config) (ChatProvider, TriggerDetector, error) {
	provider := strings.ToLower(cfg.AI.Provider)
	switch provider {
	case config.ProviderAnthropic:
		apiKey := cfg.AI.AnthropicAPIKey
		if apiKey == "" {
			apiKey = cfg.AI.APIKey
		}
		if apiKey == "" {
			return nil, nil, fmt.Errorf("Anthropic API key is not set in configuration")
		}
		return NewAnthropicProvider(apiKey), StructuredDetector{}, nil
	case config.ProviderText:
		baseURL := cfg.AI.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		detector := KeywordDetector{QueryArgs: []string{cfg.Tools.QueryArg}}
		return NewTextProvider(cfg.AI.APIKey, baseURL), detector, nil
	case config.ProviderOpenAI, "":
		apiKey := cfg.AI.OpenAIAPIKey
		if apiKey == "" {
			apiKey = cfg.AI.APIKey
		}
		if apiKey == "" {
			return nil, nil, fmt.Errorf("OpenAI API key is not set in configuration")
		}
		return NewOpenAIProvider(apiKey, cfg.AI.BaseURL), StructuredDetector{}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported AI provider: %s", cfg.AI.Provider)
	}
}

// CompletionOptionsFromConfig maps the AI section to per-call options.
func CompletionOptionsFromConfig(cfg *config.Config) CompletionOptions {
	return CompletionOptions{
		Model:       cfg.AI.ResolvedModel(),
		MaxTokens:   cfg.AI.MaxTokens,
		Temperature: cfg.AI.Temperature,
	}
}
