package tokencount_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai/tokencount"
)

func TestEstimateTokens_NeverFails(t *testing.T) {
	c := tokencount.NewCounter()

	n := c.EstimateTokens("the quick brown fox jumps over the lazy dog", "gpt-4o-mini")
	require.Greater(t, n, 0)

	// Unknown models still produce an estimate.
	n = c.EstimateTokens("the quick brown fox jumps over the lazy dog", "some/custom-model")
	require.Greater(t, n, 0)

	require.Zero(t, c.EstimateTokens("", "gpt-4o-mini"))
}

func TestEstimateTokens_ScalesWithLength(t *testing.T) {
	c := tokencount.NewCounter()
	short := c.EstimateTokens("hello there", "gpt-4o")
	long := c.EstimateTokens("hello there hello there hello there hello there hello there hello there", "gpt-4o")
	require.Greater(t, long, short)
}

func TestEstimateTokensDefault(t *testing.T) {
	require.Greater(t, tokencount.EstimateTokensDefault("scheduling core", "claude-3-5-haiku-latest"), 0)
}
