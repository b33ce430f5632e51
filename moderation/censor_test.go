package moderation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const replacementChar = '*'

// The dictionary uses specific words to avoid partial collisions (e.g., "he" inside "The")
func TestCensor_MasksWords(t *testing.T) {
	req := require.New(t)
	dictionary := []string{"badger", "snake", "mushroom"}
	censor, err := NewCensor(dictionary, replacementChar)
	req.NoError(err)

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Simple word and space preservation",
			input:    "The badger is here",
			expected: "The ****** is here",
		},
		{
			name:     "Multiple occurrences and preserved spacing",
			input:    "badger badger badger",
			expected: "****** ****** ******",
		},
		{
			name: "Leet speak and internal punctuation",
			// B (index 9) . 4 . d . g . € r (index 20) -> 10 characters
			input:    "Look at B.4.d.g.€r !",
			expected: "Look at ********** !",
		},
		{
			name:     "Uppercase and extreme noise",
			input:    "S-N-A-K-E is a B.A.D.G.E.R",
			expected: "********* is a ***********",
		},
		{
			name:     "Word adjacent to trailing punctuation",
			input:    "I love badger!",
			expected: "I love ******!",
		},
		{
			name:     "Nothing to censor",
			input:    "Moving the sofa now",
			expected: "Moving the sofa now",
		},
		{
			name:     "Empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req.Equal(tt.expected, censor.Censor(tt.input), "test=%s,", tt.name)
		})
	}
}

func TestLoadWordList(t *testing.T) {
	req := require.New(t)

	list, err := LoadWordList()
	req.NoError(err)
	req.NotEmpty(list.Words)
	req.Contains(list.Languages, "en")
	req.Contains(list.Languages, "fr")

	// The embedded dictionary must build a working censor
	censor, err := NewCensor(list.Words, replacementChar)
	req.NoError(err)
	req.NotEqual("what an idiot", censor.Censor("what an idiot"))
}
