package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTextShortMessageUntouched(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q, want single chunk", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("a", 30)
	s := line + "\n" + line + "\n" + line
	got := splitText(s, 70, "")
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2: %q", len(got), got)
	}
	if got[0] != line+"\n"+line {
		t.Fatalf("first chunk = %q", got[0])
	}
	if got[1] != line {
		t.Fatalf("second chunk = %q", got[1])
	}
}

func TestSplitTextRespectsRuneLimit(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("ж", 25)
	got := splitText(s, 10, "")
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	for i, c := range got {
		if n := utf8.RuneCountInString(c); n > 10 {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
	}
}

func TestSplitTextDoesNotCutHTMLTag(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("x", 8) + "<b>bold</b>"
	got := splitText(s, 10, "HTML")
	if got[0] != strings.Repeat("x", 8) {
		t.Fatalf("first chunk = %q, want text before the tag", got[0])
	}
	if !strings.HasPrefix(got[1], "<b>") {
		t.Fatalf("second chunk = %q, want it to start with the tag", got[1])
	}
}
