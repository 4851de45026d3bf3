package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"veridian/internal/config"
	"veridian/internal/observability"
)

// OpenAIEmbedder implements Embedder against the OpenAI embeddings endpoint
// (or any OpenAI-compatible server via BaseURL).
type OpenAIEmbedder struct {
	sdk   sdk.Client
	model string
	dims  int
}

// NewOpenAIEmbedder builds an embedder from provider config.
func NewOpenAIEmbedder(cfg config.ProviderConfig) *OpenAIEmbedder {
	model := strings.TrimSpace(cfg.EmbeddingModel)
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{
		sdk:   newOpenAIClient(cfg),
		model: model,
		dims:  cfg.EmbeddingDims,
	}
}

func (c *OpenAIEmbedder) Name() string   { return c.model }
func (c *OpenAIEmbedder) Dimension() int { return c.dims }

func (c *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	log := observability.LoggerWithTrace(ctx)
	start := time.Now()
	resp, err := c.sdk.Embeddings.New(ctx, sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(c.model),
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Int("texts", len(texts)).Msg("openai_embed_error")
		return nil, classifyOpenAIErr(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: embedding count %d != input count %d", ErrInvalidRequest, len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		v := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			v[i] = float32(f)
		}
		out[d.Index] = v
	}
	log.Debug().Str("model", c.model).Int("texts", len(texts)).Dur("duration", time.Since(start)).Msg("openai_embed_ok")
	return out, nil
}

// OpenAIExtractor implements Extractor over chat completions, sharing the
// extraction prompt with the Anthropic backend.
type OpenAIExtractor struct {
	sdk   sdk.Client
	model string
}

// NewOpenAIExtractor builds an extractor from provider config.
func NewOpenAIExtractor(cfg config.ProviderConfig) *OpenAIExtractor {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIExtractor{sdk: newOpenAIClient(cfg), model: model}
}

func (c *OpenAIExtractor) Name() string { return "openai/" + c.model }

func (c *OpenAIExtractor) Extract(ctx context.Context, chunkText string, ec ExtractionContext) (Extraction, error) {
	comp, err := c.sdk.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(c.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(extractionSystemPrompt),
			sdk.UserMessage(buildExtractionPrompt(chunkText, ec)),
		},
	})
	if err != nil {
		return Extraction{}, classifyOpenAIErr(err)
	}
	if len(comp.Choices) == 0 {
		return Extraction{}, fmt.Errorf("%w: empty completion", ErrInvalidRequest)
	}
	ex, err := parseExtraction(comp.Choices[0].Message.Content)
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return ex, nil
}

func (c *OpenAIExtractor) DescribeImage(ctx context.Context, image []byte, mediaType string) (string, error) {
	dataURL := "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(image)
	comp, err := c.sdk.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(c.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.UserMessage([]sdk.ChatCompletionContentPartUnionParam{
				sdk.ImageContentPart(sdk.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
				sdk.TextContentPart(imageDescribePrompt),
			}),
		},
	})
	if err != nil {
		return "", classifyOpenAIErr(err)
	}
	if len(comp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrInvalidRequest)
	}
	return comp.Choices[0].Message.Content, nil
}

func newOpenAIClient(cfg config.ProviderConfig) sdk.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithRequestTimeout(cfg.RequestTimeout()),
		option.WithHTTPClient(observability.NewHTTPClient(nil)),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	return sdk.NewClient(opts...)
}

func classifyOpenAIErr(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 429 || apierr.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
