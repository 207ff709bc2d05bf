package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text unchanged", "A Comedy sounds great!", "A Comedy sounds great!"},
		{"bold and italic", "I'd suggest **Action** or *Adventure* movies.", "I'd suggest Action or Adventure movies."},
		{"link keeps text", "Check out [The Matrix](https://example.com/matrix).", "Check out The Matrix."},
		{"heading marker", "## Recommendation\nTry a Drama.", "Recommendation Try a Drama."},
		{"inline code", "The genre `Horror` fits.", "The genre Horror fits."},
		{"list markers", "- Comedy\n- Drama", "Comedy Drama"},
		{"whitespace collapsed", "  Comedy \n\n  or   Drama  ", "Comedy or Drama"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripMarkdown(tt.in))
		})
	}
}
