package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Encoder represents a token encoder
type Encoder interface {
	Encode(text string) ([]int, error)
	Count(text string) (int, error)
}

// TiktokenEncoder implements Encoder using tiktoken-go
type TiktokenEncoder struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenEncoder creates a new tiktoken encoder
func NewTiktokenEncoder(encodingName string) (*TiktokenEncoder, error) {
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %s: %w", encodingName, err)
	}

	return &TiktokenEncoder{
		encoding: encoding,
	}, nil
}

// Encode converts text to tokens
func (e *TiktokenEncoder) Encode(text string) ([]int, error) {
	return e.encoding.Encode(text, nil, nil), nil
}

// Count returns the number of tokens in text
func (e *TiktokenEncoder) Count(text string) (int, error) {
	tokens := e.encoding.Encode(text, nil, nil)
	return len(tokens), nil
}

// MockEncoder implements Encoder with simple character-based counting
type MockEncoder struct{}

// NewMockEncoder creates a new mock encoder
func NewMockEncoder() *MockEncoder {
	return &MockEncoder{}
}

// Encode converts text to mock tokens (character-based)
func (e *MockEncoder) Encode(text string) ([]int, error) {
	count := len(text) / 4
	if count < 1 && len(text) > 0 {
		count = 1
	}

	tokens := make([]int, count)
	for i := 0; i < count; i++ {
		tokens[i] = i
	}
	return tokens, nil
}

// Count returns the number of tokens in text (~4 characters per token)
func (e *MockEncoder) Count(text string) (int, error) {
	count := len(text) / 4
	if count < 1 {
		count = 1
	}
	return count, nil
}

// Estimator counts tokens for usage accounting when the provider
// response omits usage. It prefers the cl100k_base encoding and falls
// back to character-based estimation when the encoding data is not
// available (offline environments).
type Estimator struct {
	encoder Encoder
}

// NewEstimator creates an estimator with the best available encoder
func NewEstimator() *Estimator {
	if enc, err := NewTiktokenEncoder("cl100k_base"); err == nil {
		return &Estimator{encoder: enc}
	}
	return &Estimator{encoder: NewMockEncoder()}
}

// Count estimates the token count of a single text
func (e *Estimator) Count(text string) int {
	n, err := e.encoder.Count(text)
	if err != nil {
		n, _ = NewMockEncoder().Count(text)
	}
	return n
}

// CountAll estimates the total token count of several texts
func (e *Estimator) CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += e.Count(t)
	}
	return total
}
