package adapter

import (
	"strings"
	"testing"
)

func TestSplitTelegramTextShortPassesThrough(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 4000, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTelegramTextChunksWithinLimit(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	for i := 0; i < 300; i++ {
		b.WriteString("line of report output\n")
	}
	chunks := splitTelegramText(b.String(), 100, "")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c)); n > 100 {
			t.Fatalf("chunk %d has %d runes, limit 100", i, n)
		}
		if c == "" {
			t.Fatalf("chunk %d is empty", i)
		}
	}
}

func TestSplitTelegramTextPrefersLineBoundaries(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("aaaa bbbb\n", 30)
	chunks := splitTelegramText(text, 95, "")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		for _, line := range strings.Split(c, "\n") {
			if line != "aaaa bbbb" {
				t.Fatalf("chunk %d split mid-line: %q", i, line)
			}
		}
	}
}

func TestSplitTelegramTextAvoidsDanglingHTMLTag(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("plain text and <b>bold segment</b> more text ", 20)
	for i, c := range splitTelegramText(text, 80, "HTML") {
		if strings.LastIndexByte(c, '<') > strings.LastIndexByte(c, '>') {
			t.Fatalf("chunk %d ends inside a tag: %q", i, c)
		}
	}
}
