package shortid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	for _, length := range []int{1, 4, 8} {
		id, err := Generate(length)
		require.NoError(t, err)
		assert.Len(t, id, length)
		assert.True(t, IsValid(id), "generated id %q", id)
	}
}

func TestGenerate_InvalidLength(t *testing.T) {
	_, err := Generate(0)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestGenerate_Distribution(t *testing.T) {
	// 大量產生時應覆蓋整個字符集
	seen := make(map[rune]bool)
	for i := 0; i < 2000; i++ {
		id, err := Generate(4)
		require.NoError(t, err)
		for _, c := range id {
			seen[c] = true
		}
	}
	assert.Len(t, seen, len(Alphabet))
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"AbC1", true},
		{"zzzz", true},
		{"", false},
		{"ab-1", false},
		{"ab 1", false},
		{"ÄbC1", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid(tt.input))
		})
	}
}
