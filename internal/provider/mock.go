package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// MockMode selects the shape of output the deterministic mock produces.
type MockMode string

const (
	ModeDefault MockMode = "default"
	ModeSimple  MockMode = "simple"
	ModeComplex MockMode = "complex"
	ModeEmpty   MockMode = "empty"
)

// Mock is a deterministic Embedder+Extractor. Embeddings hash byte 3-grams
// into a fixed-size L2-normalized vector, so identical text always embeds
// identically and similar text lands nearby. Extraction finds capitalized
// multi-word phrases, so the same document always yields the same concepts.
// No network, no keys.
type Mock struct {
	dim  int
	mode MockMode
}

// NewMock returns a mock provider with the given embedding dimension.
func NewMock(dim int, mode MockMode) *Mock {
	if dim <= 0 {
		dim = 256
	}
	if mode == "" {
		mode = ModeDefault
	}
	return &Mock{dim: dim, mode: mode}
}

func (m *Mock) Name() string   { return "mock-" + string(m.mode) }
func (m *Mock) Dimension() int { return m.dim }

func (m *Mock) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.embedOne(strings.ToLower(strings.TrimSpace(t)))
	}
	return out, nil
}

func (m *Mock) embedOne(s string) []float32 {
	v := make([]float32, m.dim)
	if len(s) == 0 {
		return v
	}
	b := []byte(s)
	if len(b) < 3 {
		m.addGram(b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			m.addGram(b[i:i+3], v)
		}
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum > 0 {
		inv := float32(1.0 / math.Sqrt(sum))
		for i := range v {
			v[i] *= inv
		}
	}
	return v
}

func (m *Mock) addGram(gram []byte, v []float32) {
	h := fnv.New64a()
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}

// conceptPhraseRe matches Title-Case phrases of one or more words, the
// mock's stand-in for "a concept the text is about".
var conceptPhraseRe = regexp.MustCompile(`\b[A-Z][a-z]+(?: [A-Z][a-z]+)+\b|\b[A-Z][a-z]{3,}\b`)

var mockRelTypes = []string{"IMPLIES", "SUPPORTS", "ENABLES", "REQUIRES"}

func (m *Mock) Extract(_ context.Context, chunkText string, _ ExtractionContext) (Extraction, error) {
	if m.mode == ModeEmpty {
		return Extraction{}, nil
	}

	phrases := conceptPhraseRe.FindAllString(chunkText, -1)
	seen := make(map[string]bool)
	var concepts []ExtractedConcept
	limit := 5
	if m.mode == ModeSimple {
		limit = 1
	} else if m.mode == ModeComplex {
		limit = 12
	}
	for _, p := range phrases {
		if seen[p] {
			continue
		}
		seen[p] = true
		concepts = append(concepts, ExtractedConcept{
			Label:       p,
			SearchTerms: []string{strings.ToLower(p)},
			Description: "mentioned in text",
			Quote:       sentenceContaining(chunkText, p),
		})
		if len(concepts) >= limit {
			break
		}
	}

	var rels []ExtractedRelationship
	if m.mode != ModeSimple {
		for i := 0; i+1 < len(concepts); i++ {
			h := fnv.New32a()
			_, _ = h.Write([]byte(concepts[i].Label + "|" + concepts[i+1].Label))
			rels = append(rels, ExtractedRelationship{
				FromLabel:  concepts[i].Label,
				ToLabel:    concepts[i+1].Label,
				Type:       mockRelTypes[int(h.Sum32())%len(mockRelTypes)],
				Confidence: 0.9,
			})
		}
	}
	return Extraction{Concepts: concepts, Relationships: rels}, nil
}

func (m *Mock) DescribeImage(_ context.Context, image []byte, mediaType string) (string, error) {
	if m.mode == ModeEmpty {
		return "", nil
	}
	h := fnv.New32a()
	_, _ = h.Write(image)
	return fmt.Sprintf("Mock Image %08x of type %s.", h.Sum32(), mediaType), nil
}

// sentenceContaining returns the sentence of text containing needle, or the
// needle itself when sentence bounds can't be located. The returned quote is
// always a substring of text when needle is.
func sentenceContaining(text, needle string) string {
	pos := strings.Index(text, needle)
	if pos < 0 {
		return needle
	}
	start := pos
	for start > 0 {
		c := text[start-1]
		if c == '.' || c == '!' || c == '?' || c == '\n' {
			break
		}
		start--
	}
	end := pos + len(needle)
	for end < len(text) {
		c := text[end]
		end++
		if c == '.' || c == '!' || c == '?' || c == '\n' {
			break
		}
	}
	return strings.TrimSpace(text[start:end])
}
