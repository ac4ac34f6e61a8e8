// Package tokenizer provides token counting for history compaction. Any
// counter that is monotone in text length is acceptable to the engine.
package tokenizer

// Tokenizer is the unified token-counting interface.
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// Name 返回分词器的名称.
	Name() string
}

// ForModel returns a tiktoken-backed tokenizer for the model, falling back
// to the character estimator when the encoding cannot be resolved.
func ForModel(model string) Tokenizer {
	t, err := NewTiktoken(model)
	if err != nil {
		return NewEstimator()
	}
	return t
}
