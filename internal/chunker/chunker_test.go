package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veridian/internal/config"
)

func sentencesOfWords(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i%12 == 11 {
			fmt.Fprintf(&b, "word%d. ", i)
		} else {
			fmt.Fprintf(&b, "word%d ", i)
		}
	}
	return strings.TrimSpace(b.String())
}

func TestIngestionChunksEmpty(t *testing.T) {
	t.Parallel()
	assert.Nil(t, IngestionChunks("", config.ChunkingConfig{}))
	assert.Nil(t, IngestionChunks("   \n\n  ", config.ChunkingConfig{}))
}

func TestIngestionChunksShortDocIsSingleChunk(t *testing.T) {
	t.Parallel()
	text := "A short document. Just two sentences."
	chunks := IngestionChunks(text, config.ChunkingConfig{})
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 6, chunks[0].WordCount)
}

func TestIngestionChunksCountMatchesPlan(t *testing.T) {
	t.Parallel()
	opt := config.ChunkingConfig{TargetWords: 100, OverlapWords: 20}
	for _, n := range []int{50, 100, 180, 500, 1000} {
		text := sentencesOfWords(n)
		chunks := IngestionChunks(text, opt)
		planned := PlanChunkCount(n, opt)
		// Sentence-boundary snapping may move a cut a few words, so allow the
		// actual count to differ from the plan by one.
		assert.InDelta(t, planned, len(chunks), 1, "n=%d", n)
	}
}

func TestIngestionChunksOverlap(t *testing.T) {
	t.Parallel()
	opt := config.ChunkingConfig{TargetWords: 60, OverlapWords: 12}
	chunks := IngestionChunks(sentencesOfWords(200), opt)
	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		prev := strings.Fields(chunks[i-1].Text)
		curr := strings.Fields(chunks[i].Text)
		// the first word of a later chunk reappears near the end of the
		// previous chunk
		assert.Contains(t, prev[len(prev)-opt.OverlapWords-8:], curr[0],
			"chunk %d should start inside chunk %d's tail", i, i-1)
	}
}

func TestIngestionChunksParagraphIndex(t *testing.T) {
	t.Parallel()
	text := "First paragraph here.\n\nSecond paragraph follows on."
	chunks := IngestionChunks(text, config.ChunkingConfig{TargetWords: 3, OverlapWords: 0, MinWords: 1})
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, 0, chunks[0].ParagraphIndex)
	assert.Equal(t, 1, chunks[len(chunks)-1].ParagraphIndex)
}

func TestSentenceChunksEmpty(t *testing.T) {
	t.Parallel()
	assert.Nil(t, SentenceChunks("", 500))
}

func TestSentenceChunksNoTerminator(t *testing.T) {
	t.Parallel()
	text := "a run of words with no sentence terminator at all"
	chunks := SentenceChunks(text, 500)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 0, chunks[0].StartByte)
	assert.Equal(t, len(text), chunks[0].EndByte)
}

func TestSentenceChunksOffsetsExact(t *testing.T) {
	t.Parallel()
	text := "First sentence. Second one here! A third? And a trailing fragment"
	chunks := SentenceChunks(text, 20)
	require.NotEmpty(t, chunks)
	covered := 0
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, text[c.StartByte:c.EndByte], c.Text)
		assert.Equal(t, covered, c.StartByte, "chunks must tile the text")
		covered = c.EndByte
	}
	assert.Equal(t, len(text), covered)
}

func TestSentenceChunksRespectMaxLen(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "Sentence number %d is right here. ", i)
	}
	text := strings.TrimSpace(b.String())
	chunks := SentenceChunks(text, 120)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 120)
		assert.Equal(t, text[c.StartByte:c.EndByte], c.Text)
	}
}

func TestSentenceChunksOversizedSentenceKeptWhole(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("word ", 60) + "end."
	chunks := SentenceChunks(long, 50)
	require.Len(t, chunks, 1)
	assert.Equal(t, long, chunks[0].Text)
}

func TestPlanChunkCountFormula(t *testing.T) {
	t.Parallel()
	opt := config.ChunkingConfig{TargetWords: 1000, OverlapWords: 200}
	assert.Equal(t, 0, PlanChunkCount(0, opt))
	assert.Equal(t, 1, PlanChunkCount(900, opt))
	assert.Equal(t, 2, PlanChunkCount(1600, opt))
	assert.Equal(t, 3, PlanChunkCount(2500, opt))
}
