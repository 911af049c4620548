package adapter

import (
	"strings"
	"testing"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	t.Parallel()

	got := splitText("hello", 100, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q, want [hello]", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	lines := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		lines = append(lines, strings.Repeat("x", 20))
	}
	s := strings.Join(lines, "\n")

	chunks := splitText(s, 100, "")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		// Newline splitting should always yield whole lines.
		for _, ln := range strings.Split(c, "\n") {
			if ln != strings.Repeat("x", 20) {
				t.Fatalf("chunk %d contains a partial line %q", i, ln)
			}
		}
	}
}

func TestSplitTextAvoidsCuttingHTMLTags(t *testing.T) {
	t.Parallel()

	// The tag opens at rune 98 so a naive cut at 100 lands inside it.
	s := strings.Repeat("a", 98) + "<b>bold</b>" + strings.Repeat("c", 60)
	chunks := splitText(s, 100, "HTML")
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if strings.Contains(chunks[0], "<") {
		t.Fatalf("dangling tag not pushed to next chunk: %q", chunks[0])
	}
	for i, c := range chunks {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Fatalf("chunk %d has an unbalanced tag: %q", i, c)
		}
	}

	if rejoined := strings.Join(chunks, ""); rejoined != s {
		t.Fatalf("chunks lost content:\n got %q\nwant %q", rejoined, s)
	}
}

func TestSplitTextNoEmptyChunks(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("x", 50) + "\n\n\n" + strings.Repeat("y", 80)
	for _, c := range splitText(s, 60, "") {
		if c == "" {
			t.Fatal("empty chunk produced")
		}
	}
}
