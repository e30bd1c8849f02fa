package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenCounter(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", tc.GetModel())
}

func TestNewTokenCounterUnknownModelFallsBack(t *testing.T) {
	tc, err := NewTokenCounter("claude-sonnet-4")
	require.NoError(t, err)
	require.NotNil(t, tc)

	// cl100k_base fallback still counts
	assert.Greater(t, tc.Count("hello world"), 0)
}

func TestCount(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	assert.Equal(t, 0, tc.Count(""))

	short := tc.Count("hello")
	long := tc.Count(strings.Repeat("hello world ", 50))
	assert.Greater(t, long, short)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("a", 100)))
}
