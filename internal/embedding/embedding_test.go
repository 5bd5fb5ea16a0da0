package embedding

import (
	"context"
	"testing"
)

func TestHashProviderDeterminism(t *testing.T) {
	p := NewHashProvider(0)
	text := "Apple reported strong earnings growth"

	first, err := p.Embed(context.Background(), []string{text})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	second, err := p.Embed(context.Background(), []string{text})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected one vector per text")
	}
	if len(first[0]) != DefaultDimensions {
		t.Fatalf("expected %d dimensions, got %d", DefaultDimensions, len(first[0]))
	}
	for i := range first[0] {
		if first[0][i] != second[0][i] {
			t.Fatalf("embedding not deterministic at dimension %d: %f vs %f", i, first[0][i], second[0][i])
		}
	}
}

func TestHashProviderFormula(t *testing.T) {
	p := NewHashProvider(16)
	vecs, err := p.Embed(context.Background(), []string{"ab"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	total := int('a') + int('b')
	for i, got := range vecs[0] {
		want := float32((total+i*31)%97) / 97.0
		if got != want {
			t.Fatalf("dimension %d: got %f want %f", i, got, want)
		}
	}
}

func TestHashProviderEmptyText(t *testing.T) {
	p := NewHashProvider(16)
	vecs, err := p.Embed(context.Background(), []string{""})
	if err != nil {
		t.Fatalf("Embed on empty text: %v", err)
	}
	if len(vecs) != 1 || len(vecs[0]) != 16 {
		t.Fatalf("expected a full-length vector for empty text, got %v", vecs)
	}
	// total=0, so dimension i is (i*31 mod 97)/97
	for i, got := range vecs[0] {
		want := float32((i*31)%97) / 97.0
		if got != want {
			t.Fatalf("dimension %d: got %f want %f", i, got, want)
		}
	}
}

func TestHashProviderCleansBeforeEmbedding(t *testing.T) {
	p := NewHashProvider(16)
	a, _ := p.Embed(context.Background(), []string{"<p>Guidance   RAISED</p>"})
	b, _ := p.Embed(context.Background(), []string{"guidance raised"})
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("markup and case should not change the vector (dim %d)", i)
		}
	}
}

func TestCleanText(t *testing.T) {
	got := CleanText("<b>Apple &amp; Co</b>\n  beats   estimates ")
	want := "apple & co beats estimates"
	if got != want {
		t.Fatalf("CleanText: got %q want %q", got, want)
	}
}
