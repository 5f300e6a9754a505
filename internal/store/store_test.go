package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStage_Next_FollowsCanonicalChain(t *testing.T) {
	want := []struct {
		from, to Stage
	}{
		{StageQueued, StageJobValidated},
		{StageJobValidated, StageParsing},
		{StageParsing, StageParsed},
		{StageParsed, StageParseValidated},
		{StageParseValidated, StageChunking},
		{StageChunking, StageChunksBuffered},
		{StageChunksBuffered, StageChunked},
		{StageChunked, StageEmbedding},
		{StageEmbedding, StageEmbeddingsBuffered},
		{StageEmbeddingsBuffered, StageEmbedded},
	}
	for _, tc := range want {
		require.Equal(t, tc.to, tc.from.Next(), "next stage after %s", tc.from)
	}
	require.Equal(t, Stage(""), StageEmbedded.Next(), "embedded is terminal")
}

func TestStage_ProgressPercent_MatchesTable(t *testing.T) {
	want := map[Stage]int{
		StageQueued:             0,
		StageJobValidated:       10,
		StageParsing:            20,
		StageParsed:             30,
		StageParseValidated:     35,
		StageChunking:           45,
		StageChunksBuffered:     50,
		StageChunked:            55,
		StageEmbedding:          70,
		StageEmbeddingsBuffered: 75,
		StageEmbedded:           100,
	}
	for stage, pct := range want {
		require.Equal(t, pct, stage.ProgressPercent(), "stage %s", stage)
	}
}

func TestToVectorLiteral(t *testing.T) {
	require.Equal(t, "[]", toVectorLiteral(nil))
	require.Equal(t, "[1,2.5,-3]", toVectorLiteral([]float32{1, 2.5, -3}))
}

func TestVectorLiteral_RoundTrip(t *testing.T) {
	in := []float32{1, 2.5, -3, 0}
	out, err := parseVectorLiteral(toVectorLiteral(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestParseVectorLiteral_Empty(t *testing.T) {
	out, err := parseVectorLiteral("[]")
	require.NoError(t, err)
	require.Nil(t, out)
}
