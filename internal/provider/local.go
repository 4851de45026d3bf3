package provider

import (
	"fmt"

	"veridian/internal/config"
)

// NewLocal wires an OpenAI-compatible local inference server (llama.cpp,
// vLLM, Ollama's compat endpoint). Identical wire protocol to OpenAI, so the
// same client types serve; only the base URL is mandatory.
func NewLocal(cfg config.ProviderConfig) (Embedder, Extractor, error) {
	if cfg.BaseURL == "" {
		return nil, nil, fmt.Errorf("local provider requires base_url")
	}
	if cfg.APIKey == "" {
		// Most local servers ignore auth but the client requires a token.
		cfg.APIKey = "local"
	}
	return NewOpenAIEmbedder(cfg), NewOpenAIExtractor(cfg), nil
}
