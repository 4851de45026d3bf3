package provider

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockEmbedDeterministic(t *testing.T) {
	t.Parallel()
	m := NewMock(64, ModeDefault)
	ctx := context.Background()

	a, err := m.EmbedBatch(ctx, []string{"Distributed Authority", "Distributed Authority", "unrelated text"})
	require.NoError(t, err)
	require.Len(t, a, 3)
	assert.Equal(t, a[0], a[1], "same text must embed identically")
	assert.NotEqual(t, a[0], a[2])
	assert.Len(t, a[0], 64)
}

func TestMockEmbedNormalized(t *testing.T) {
	t.Parallel()
	m := NewMock(32, ModeDefault)
	vs, err := m.EmbedBatch(context.Background(), []string{"some text to embed"})
	require.NoError(t, err)
	var sum float64
	for _, x := range vs[0] {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
}

func TestMockExtractModes(t *testing.T) {
	t.Parallel()
	text := "Distributed Authority depends on Consensus Protocols. The Quorum System enables Fault Tolerance across Replica Sets."
	ctx := context.Background()

	tests := []struct {
		mode        MockMode
		minConcepts int
		maxConcepts int
		wantRels    bool
	}{
		{ModeDefault, 2, 5, true},
		{ModeSimple, 1, 1, false},
		{ModeComplex, 2, 12, true},
		{ModeEmpty, 0, 0, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.mode), func(t *testing.T) {
			ex, err := NewMock(64, tc.mode).Extract(ctx, text, ExtractionContext{})
			require.NoError(t, err)
			assert.GreaterOrEqual(t, len(ex.Concepts), tc.minConcepts)
			assert.LessOrEqual(t, len(ex.Concepts), tc.maxConcepts)
			if tc.wantRels {
				assert.NotEmpty(t, ex.Relationships)
			} else {
				assert.Empty(t, ex.Relationships)
			}
		})
	}
}

func TestMockExtractQuotesAreSubstrings(t *testing.T) {
	t.Parallel()
	text := "Distributed Authority depends on Consensus Protocols. Quorum Systems help."
	ex, err := NewMock(64, ModeDefault).Extract(context.Background(), text, ExtractionContext{})
	require.NoError(t, err)
	require.NotEmpty(t, ex.Concepts)
	for _, c := range ex.Concepts {
		assert.True(t, strings.Contains(text, c.Quote), "quote %q must be a substring", c.Quote)
	}
}

func TestMockExtractDeterministic(t *testing.T) {
	t.Parallel()
	text := "The Raft Protocol requires Leader Election before Log Replication proceeds."
	m := NewMock(64, ModeDefault)
	a, err := m.Extract(context.Background(), text, ExtractionContext{})
	require.NoError(t, err)
	b, err := m.Extract(context.Background(), text, ExtractionContext{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestParseExtractionToleratesFences(t *testing.T) {
	t.Parallel()
	raw := "```json\n{\"concepts\":[{\"label\":\"X\",\"quote\":\"x\"}],\"relationships\":[]}\n```"
	ex, err := parseExtraction(raw)
	require.NoError(t, err)
	require.Len(t, ex.Concepts, 1)
	assert.Equal(t, "X", ex.Concepts[0].Label)
}
