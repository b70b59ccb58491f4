package memory

import (
	"strings"
	"testing"
	"time"
)

func TestContentHashIgnoresSurroundingWhitespace(t *testing.T) {
	t.Parallel()

	if ContentHash("hello world") != ContentHash("  hello world\n") {
		t.Error("hash should ignore leading/trailing whitespace")
	}
	if ContentHash("hello world") == ContentHash("hello  world") {
		t.Error("hash should notice interior changes")
	}
}

func TestBuildDigestCacheHit(t *testing.T) {
	t.Parallel()

	content := "The villain commands a fleet of airships. She never forgives betrayal."
	cached := BuildDigest("card-1", content, nil)
	cached.UpdatedAt = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

	got := BuildDigest("card-1", content, &cached)
	if !got.UpdatedAt.Equal(cached.UpdatedAt) {
		t.Error("matching hash should return the cached digest unchanged")
	}

	got = BuildDigest("card-1", content+" edited", &cached)
	if got.UpdatedAt.Equal(cached.UpdatedAt) {
		t.Error("changed content should recompute the digest")
	}
}

func TestBuildDigestSummary(t *testing.T) {
	t.Parallel()

	content := "Line one\nline two\n\nline three " + strings.Repeat("x", 200)
	d := BuildDigest("card-1", content, nil)

	if strings.ContainsAny(d.Summary, "\n") {
		t.Errorf("summary should have newlines flattened: %q", d.Summary)
	}
	if len(d.Summary) > 140 {
		t.Errorf("summary length = %d, want <= 140", len(d.Summary))
	}
	if !strings.HasPrefix(d.Summary, "Line one line two line three") {
		t.Errorf("unexpected summary: %q", d.Summary)
	}
}

func TestExtractKeyFacts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "sentence fragments",
			content: "The dragon sleeps. Gold! Tiny. Guards the mountain pass; never leaves it.",
			want:    []string{"The dragon sleeps", "Guards the mountain pass", "never leaves it"},
		},
		{
			name:    "capped at four",
			content: "First fact here. Second fact here. Third fact here. Fourth fact here. Fifth fact here.",
			want:    []string{"First fact here", "Second fact here", "Third fact here", "Fourth fact here"},
		},
		{
			name:    "fallback to full text",
			content: "tiny",
			want:    []string{"tiny"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := BuildDigest("card-1", tt.content, nil)
			if len(d.KeyFacts) != len(tt.want) {
				t.Fatalf("got %d facts %v, want %d", len(d.KeyFacts), d.KeyFacts, len(tt.want))
			}
			for i := range tt.want {
				if d.KeyFacts[i] != tt.want[i] {
					t.Errorf("fact[%d] = %q, want %q", i, d.KeyFacts[i], tt.want[i])
				}
			}
		})
	}
}

func TestExtractKeyFactsClampsLongClauses(t *testing.T) {
	t.Parallel()

	d := BuildDigest("card-1", strings.Repeat("a", 100)+".", nil)
	if len(d.KeyFacts) != 1 {
		t.Fatalf("got %d facts, want 1", len(d.KeyFacts))
	}
	if len(d.KeyFacts[0]) > 44 {
		t.Errorf("fact length = %d, want <= 44", len(d.KeyFacts[0]))
	}
}

func TestClampTextKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("가", 50)
	got := clampText(s, 44)
	if len(got) > 44 {
		t.Errorf("clamped length = %d, want <= 44", len(got))
	}
	for _, r := range got {
		if r != '가' {
			t.Fatalf("clamp split a rune: %q", got)
		}
	}
}
