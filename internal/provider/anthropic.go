package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"veridian/internal/config"
	"veridian/internal/observability"
)

const extractMaxTokens int64 = 4096

// AnthropicExtractor implements Extractor against the Anthropic Messages API,
// including the vision path for ingest-image jobs.
type AnthropicExtractor struct {
	sdk   anthropic.Client
	model string
}

// NewAnthropic builds an extractor from provider config.
func NewAnthropic(cfg config.ProviderConfig) *AnthropicExtractor {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithRequestTimeout(cfg.RequestTimeout()),
		option.WithHTTPClient(observability.NewHTTPClient(nil)),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	return &AnthropicExtractor{sdk: anthropic.NewClient(opts...), model: model}
}

func (c *AnthropicExtractor) Name() string { return "anthropic/" + c.model }

func (c *AnthropicExtractor) Extract(ctx context.Context, chunkText string, ec ExtractionContext) (Extraction, error) {
	log := observability.LoggerWithTrace(ctx)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: extractMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: extractionSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildExtractionPrompt(chunkText, ec))),
		},
	}

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Dur("duration", time.Since(start)).Msg("anthropic_extract_error")
		return Extraction{}, classifyAnthropicErr(err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		out.WriteString(block.Text)
	}
	ex, err := parseExtraction(out.String())
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	log.Debug().
		Str("model", c.model).
		Int("concepts", len(ex.Concepts)).
		Int("relationships", len(ex.Relationships)).
		Dur("duration", time.Since(start)).
		Msg("anthropic_extract_ok")
	return ex, nil
}

func (c *AnthropicExtractor) DescribeImage(ctx context.Context, image []byte, mediaType string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: extractMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(image)),
				anthropic.NewTextBlock(imageDescribePrompt),
			),
		},
	}
	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropicErr(err)
	}
	var out strings.Builder
	for _, block := range resp.Content {
		out.WriteString(block.Text)
	}
	return out.String(), nil
}

func classifyAnthropicErr(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 429 || apierr.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	// Network-level failure: no HTTP status means the service never answered.
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

const extractionSystemPrompt = `You extract knowledge from text into a property graph.
Given a passage and a list of concepts already known from earlier passages,
return strict JSON with this shape and nothing else:
{"concepts":[{"label":"...","search_terms":["..."],"description":"...","quote":"..."}],
"relationships":[{"from_label":"...","to_label":"...","type":"IMPLIES","confidence":0.9}]}
Rules: quote must be an exact substring of the passage. Reuse a known concept's
exact label whenever the passage refers to the same idea. Relationship type must
be one of the caller's allowed symbols. Confidence is in [0,1].`

const imageDescribePrompt = `Describe the content of this image as plain prose suitable
for knowledge extraction: name the entities, claims, and relationships it depicts.`

func buildExtractionPrompt(chunkText string, ec ExtractionContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ontology: %s\nDocument: %s (chunk %d)\n", ec.OntologyName, ec.DocumentName, ec.ChunkIndex)
	if len(ec.PriorConcepts) > 0 {
		b.WriteString("Known concepts from earlier chunks:\n")
		for _, p := range ec.PriorConcepts {
			fmt.Fprintf(&b, "- %s: %s\n", p.Label, p.Description)
		}
	}
	b.WriteString("\nPassage:\n")
	b.WriteString(chunkText)
	return b.String()
}

// parseExtraction tolerates models that wrap JSON in a markdown fence.
func parseExtraction(s string) (Extraction, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "{"); i > 0 {
		s = s[i:]
	}
	if i := strings.LastIndex(s, "}"); i >= 0 {
		s = s[:i+1]
	}
	var ex Extraction
	if err := json.Unmarshal([]byte(s), &ex); err != nil {
		return Extraction{}, fmt.Errorf("parse extraction JSON: %w", err)
	}
	return ex, nil
}
