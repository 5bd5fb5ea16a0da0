package embedding

import (
	"context"
	"html"
	"regexp"
	"strings"
)

// DefaultDimensions is the vector length of the hash provider.
const DefaultDimensions = 16

var (
	tagPattern        = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// HashProvider derives a fixed-length vector from the character codes of the
// cleaned input text. It is a deterministic placeholder: cheap, offline and
// stable across runs, but carries no semantic signal.
type HashProvider struct {
	dim int
}

// NewHashProvider builds a hash provider with the given dimension count,
// falling back to DefaultDimensions when dim is not positive.
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = DefaultDimensions
	}
	return &HashProvider{dim: dim}
}

// Dimensions returns the vector length produced by Embed.
func (p *HashProvider) Dimensions() int { return p.dim }

// Embed maps each text to a vector where dimension i is
// ((total + i*31) mod 97) / 97, total being the sum of the cleaned text's
// code points. Empty text embeds the total-zero vector rather than failing.
func (p *HashProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for idx, text := range texts {
		total := 0
		for _, r := range CleanText(text) {
			total += int(r)
		}
		vec := make([]float32, p.dim)
		for i := range vec {
			vec[i] = float32((total+i*31)%97) / 97.0
		}
		out[idx] = vec
	}
	return out, nil
}

// CleanText strips markup, unescapes HTML entities, lowercases and collapses
// whitespace. Chunk text is cleaned before embedding so formatting noise does
// not change the vector.
func CleanText(text string) string {
	noTags := tagPattern.ReplaceAllString(text, " ")
	unescaped := html.UnescapeString(noTags)
	lowered := strings.ToLower(unescaped)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(lowered, " "))
}
