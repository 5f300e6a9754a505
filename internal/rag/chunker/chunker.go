// Package chunker implements "markdown-simple": heading- and
// paragraph-aware splitting of normalized markdown into an ordered,
// contiguous list of chunks. It is the only chunking strategy this
// pipeline runs, so there is no multi-strategy dispatch or separate
// code/fixed-size splitter to select between.
package chunker

import (
	"strings"

	"docpipeline/internal/identity"
	"docpipeline/internal/store"
)

// Config tunes the target chunk size. TargetChars approximates the token
// budget as characters (roughly 4 characters per token) when no tokenizer
// is wired in.
type Config struct {
	TargetChars int
}

// DefaultConfig targets roughly 512 tokens per chunk.
var DefaultConfig = Config{TargetChars: 512 * 4}

// Chunk splits normalized markdown into an ordered, contiguous list of
// chunks ready for store.UpsertChunks. Headings are hard split boundaries;
// paragraph breaks are soft boundaries once the buffer reaches the target
// size. content_sha256 is computed over each chunk's exact text, so
// identical input always yields identical chunk_ids downstream.
func Chunk(normalizedMarkdown string, cfg Config) []store.ChunkInput {
	tgt := cfg.TargetChars
	if tgt <= 0 {
		tgt = DefaultConfig.TargetChars
	}

	lines := strings.Split(normalizedMarkdown, "\n")
	var out []store.ChunkInput
	var buf strings.Builder
	ordinal := 0

	flush := func() {
		content := strings.TrimSpace(buf.String())
		if content == "" {
			return
		}
		out = append(out, store.ChunkInput{
			Ordinal:       ordinal,
			Content:       content,
			ContentSHA256: identity.SHA256Hex([]byte(content)),
		})
		ordinal++
		buf.Reset()
	}

	for i, ln := range lines {
		isHeading := strings.HasPrefix(strings.TrimSpace(ln), "#")
		isParaBreak := strings.TrimSpace(ln) == "" && i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != ""

		if isHeading && buf.Len() > 0 {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(ln)

		if (isHeading || isParaBreak) && buf.Len() >= tgt {
			flush()
		}
	}
	flush()
	return out
}
