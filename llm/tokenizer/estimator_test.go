package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimatorCountTokens(t *testing.T) {
	e := NewEstimator()

	n, err := e.CountTokens("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ascii, err := e.CountTokens("hello world, this is a test sentence")
	require.NoError(t, err)
	assert.Greater(t, ascii, 0)

	cjk, err := e.CountTokens("你好世界这是一个测试句子你好世界这是一个测试句子你好世界这是一句")
	require.NoError(t, err)
	// Same rune count, but CJK text packs more tokens per rune.
	assert.Greater(t, cjk, ascii)
}

func TestEstimatorMonotoneInLength(t *testing.T) {
	e := NewEstimator()
	short, err := e.CountTokens(strings.Repeat("tool call output ", 10))
	require.NoError(t, err)
	long, err := e.CountTokens(strings.Repeat("tool call output ", 100))
	require.NoError(t, err)
	assert.Greater(t, long, short)
}

func TestForModelFallsBack(t *testing.T) {
	// Unknown models still get a usable counter.
	tok := ForModel("qwen-max")
	assert.NotNil(t, tok)
}
