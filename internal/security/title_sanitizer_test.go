package security

import "testing"

func TestTitleSanitizer_Sanitize(t *testing.T) {
	s := NewTitleSanitizer()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain text", "Episode 12: Hello", "Episode 12: Hello"},
		{"strips tags", "<b>Episode</b> <i>12</i>", "Episode 12"},
		{"drops script content", "Title<script>alert(1)</script>", "Title"},
		{"unescapes entities", "Q&amp;A &lt;live&gt;", "Q&A <live>"},
		{"collapses whitespace", "  Part\n\t 2  ", "Part 2"},
		{"keeps non-ASCII", "第3回　ゲスト回", "第3回 ゲスト回"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTitleSanitizer_Idempotent(t *testing.T) {
	s := NewTitleSanitizer()
	in := "<p>Show &amp; Tell</p>"

	first := s.Sanitize(in)
	if second := s.Sanitize(first); second != first {
		t.Errorf("Sanitize is not idempotent: %q -> %q", first, second)
	}
}

func TestTitleSanitizerInterface(t *testing.T) {
	var _ TitleSanitizer = NewTitleSanitizer()
}
