package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func genWords(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("word")
	}
	return b.String()
}

func TestChunk_ContiguousOrdinals(t *testing.T) {
	text := "# Title\n\npara1 text here.\n\n## Sub\n\npara2 text here."
	chunks := Chunk(text, Config{TargetChars: 20})
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		require.Equal(t, i, c.Ordinal)
	}
}

func TestChunk_PreservesHeadingBoundary(t *testing.T) {
	text := "# Title\n\npara1 text here.\n\n## Sub\n\npara2 text here."
	chunks := Chunk(text, Config{TargetChars: 20})
	require.GreaterOrEqual(t, len(chunks), 2)
	require.Contains(t, chunks[0].Content, "# Title")
}

func TestChunk_IdempotentContentHashes(t *testing.T) {
	text := "# Title\n\n" + genWords(500)
	a := Chunk(text, DefaultConfig)
	b := Chunk(text, DefaultConfig)
	require.Equal(t, len(a), len(b))
	for i := range a {
		require.Equal(t, a[i].ContentSHA256, b[i].ContentSHA256)
		require.Equal(t, a[i].Content, b[i].Content)
	}
}

func TestChunk_EmptyInputYieldsNoChunks(t *testing.T) {
	require.Empty(t, Chunk("", DefaultConfig))
	require.Empty(t, Chunk("   \n\n  ", DefaultConfig))
}
