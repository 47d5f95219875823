package tokens

import (
	"testing"
)

func TestMockEncoder_Count(t *testing.T) {
	encoder := NewMockEncoder()

	tests := []struct {
		name     string
		text     string
		expected int
	}{
		{
			name:     "empty string",
			text:     "",
			expected: 1, // minimum 1 token
		},
		{
			name:     "short text",
			text:     "Hello",
			expected: 1, // 5 chars / 4 = 1
		},
		{
			name:     "medium text",
			text:     "This is a test message",
			expected: 5, // 22 chars / 4 = 5
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count, err := encoder.Count(tt.text)
			if err != nil {
				t.Fatalf("Count() error = %v", err)
			}
			if count != tt.expected {
				t.Errorf("Count() = %v, want %v", count, tt.expected)
			}
		})
	}
}

func TestMockEncoder_Encode(t *testing.T) {
	encoder := NewMockEncoder()

	text := "Hello world"
	tokens, err := encoder.Encode(text)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if len(tokens) == 0 {
		t.Error("Encode() returned empty tokens")
	}

	count, err := encoder.Count(text)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}

	if len(tokens) != count {
		t.Errorf("Encode() returned %d tokens, Count() returned %d", len(tokens), count)
	}
}

func TestEstimator_Count(t *testing.T) {
	est := NewEstimator()

	count := est.Count("Hello world, this is a test!")
	if count == 0 {
		t.Error("Count() returned 0 for non-empty text")
	}
}

func TestEstimator_CountAll(t *testing.T) {
	est := NewEstimator()

	parts := []string{"Hello", "world", "test"}
	total := est.CountAll(parts...)

	expected := 0
	for _, p := range parts {
		expected += est.Count(p)
	}

	if total != expected {
		t.Errorf("CountAll() = %v, want %v", total, expected)
	}
}
