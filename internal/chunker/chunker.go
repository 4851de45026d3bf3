// Package chunker implements the two chunking regimes of the ingestion
// pipeline: word-target ingestion chunks (what the extractor sees, what
// becomes a Source) and byte-offset sentence chunks (what the source
// embedding worker embeds).
package chunker

import (
	"strings"

	"veridian/internal/config"
)

// Chunk is one ingestion chunk: ~target words of contiguous text, cut at
// sentence boundaries, with overlap carried from the previous chunk.
type Chunk struct {
	Index          int
	ParagraphIndex int
	Text           string
	WordCount      int
}

// SentenceChunk is one embedding chunk of a Source.FullText. Text is always
// exactly FullText[StartByte:EndByte].
type SentenceChunk struct {
	Index     int
	Text      string
	StartByte int
	EndByte   int
}

// IngestionChunks splits text into word-target chunks. Boundaries prefer
// sentence ends; the last chunk may be short. Overlap words from the end of
// each chunk are repeated at the start of the next so context spanning a cut
// is not lost.
func IngestionChunks(text string, opt config.ChunkingConfig) []Chunk {
	opt = opt.WithDefaults()
	target := opt.TargetWords
	overlap := opt.OverlapWords
	if overlap >= target {
		overlap = target / 4
	}

	type word struct {
		text      string
		paragraph int
		endsSent  bool
	}
	var words []word
	for pi, para := range strings.Split(text, "\n\n") {
		for _, w := range strings.Fields(para) {
			words = append(words, word{
				text:      w,
				paragraph: pi,
				endsSent:  strings.ContainsAny(w[len(w)-1:], ".!?"),
			})
		}
		if n := len(words); n > 0 {
			words[n-1].endsSent = true
		}
	}
	if len(words) == 0 {
		return nil
	}

	var out []Chunk
	start := 0
	for start < len(words) {
		end := start + target
		if end >= len(words) {
			end = len(words)
		} else {
			// Walk forward a little to close on a sentence end; give up after
			// 10% of the target and cut mid-sentence.
			cut := end
			for cut < len(words) && cut < end+target/10 {
				if words[cut-1].endsSent {
					break
				}
				cut++
			}
			if cut <= len(words) && words[cut-1].endsSent {
				end = cut
			}
		}

		texts := make([]string, 0, end-start)
		for _, w := range words[start:end] {
			texts = append(texts, w.text)
		}
		out = append(out, Chunk{
			Index:          len(out),
			ParagraphIndex: words[start].paragraph,
			Text:           strings.Join(texts, " "),
			WordCount:      end - start,
		})

		if end == len(words) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

// SentenceChunks splits fullText into chunks of at most maxLen bytes, cut at
// sentence terminators. Empty text yields no chunks; text without any
// terminator yields a single chunk of the whole text, as does a single
// sentence longer than maxLen (the integrity invariant is offsets, not
// length).
func SentenceChunks(fullText string, maxLen int) []SentenceChunk {
	if len(fullText) == 0 {
		return nil
	}
	if maxLen <= 0 {
		maxLen = 500
	}

	// Sentence spans: each runs from the end of the previous terminator run
	// through its own terminator (plus trailing whitespace folded into the
	// following span's lead).
	type span struct{ start, end int }
	var sentences []span
	start := 0
	for i := 0; i < len(fullText); i++ {
		c := fullText[i]
		if c == '.' || c == '!' || c == '?' || c == '\n' {
			end := i + 1
			// fold a run of terminators (e.g. "?!", "...") into one sentence
			for end < len(fullText) {
				d := fullText[end]
				if d == '.' || d == '!' || d == '?' || d == '\n' {
					end++
				} else {
					break
				}
			}
			sentences = append(sentences, span{start, end})
			i = end - 1
			start = end
		}
	}
	if start < len(fullText) {
		sentences = append(sentences, span{start, len(fullText)})
	}

	var out []SentenceChunk
	cur := span{-1, -1}
	flush := func() {
		if cur.start < 0 {
			return
		}
		out = append(out, SentenceChunk{
			Index:     len(out),
			Text:      fullText[cur.start:cur.end],
			StartByte: cur.start,
			EndByte:   cur.end,
		})
		cur = span{-1, -1}
	}
	for _, s := range sentences {
		if cur.start < 0 {
			cur = s
			continue
		}
		if s.end-cur.start > maxLen {
			flush()
			cur = s
			continue
		}
		cur.end = s.end
	}
	flush()
	return out
}

// PlanChunkCount predicts how many ingestion chunks a document of wordCount
// words will produce, for cost estimation before any chunking runs.
func PlanChunkCount(wordCount int, opt config.ChunkingConfig) int {
	opt = opt.WithDefaults()
	target, overlap := opt.TargetWords, opt.OverlapWords
	if overlap >= target {
		overlap = target / 4
	}
	if wordCount <= 0 {
		return 0
	}
	if wordCount <= target {
		return 1
	}
	n := (wordCount - overlap + (target - overlap) - 1) / (target - overlap)
	if n < 1 {
		n = 1
	}
	return n
}
