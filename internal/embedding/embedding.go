// Package embedding provides the pluggable text embedding capability used by
// the retrieval store. The deterministic hash provider is the default; the
// OpenAI provider can be selected by configuration when a learned model is
// wanted. Both obey the same contract: the same text always yields the same
// vector.
package embedding

import (
	"context"
	"fmt"
	"os"

	"github.com/mohammad-safakhou/marketstate/config"
)

// Provider is the interface all embedding implementations must satisfy.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// NewProvider creates an embedding provider based on the provided configuration.
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "hash":
		return NewHashProvider(cfg.Dimensions), nil
	case "openai":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("embedding provider %q requires an api key", cfg.Provider)
		}
		return NewOpenAIProvider(apiKey, cfg.Model, cfg.Dimensions, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}
