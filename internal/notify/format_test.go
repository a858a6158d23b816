package notify

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"commentwatch/internal/comment"
)

func TestFormatCommentEscapesAndClips(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 3, 1, 9, 5, 7, 0, time.UTC)
	it := comment.New("<script>", strings.Repeat("я", 250), "VK", ts, "https://vk.com/club1?reply=1&w=wall-1_2")
	got := FormatComment(it, time.UTC)

	if !strings.HasPrefix(got, "💬 <b>&lt;script&gt;</b>\n📝 ") {
		t.Fatalf("header = %q", got)
	}
	if !strings.Contains(got, strings.Repeat("я", 200)+"...\n") || strings.Contains(got, strings.Repeat("я", 201)) {
		t.Fatalf("text not clipped to 200 characters: %q", got)
	}
	if !strings.Contains(got, "🔗 https://vk.com/club1?reply=1&amp;w=wall-1_2") {
		t.Fatalf("url line = %q", got)
	}
	if !strings.HasSuffix(got, "⏰ 09:05:07") {
		t.Fatalf("time line = %q", got)
	}
}

func TestFormatCommentShortTextHasNoEllipsis(t *testing.T) {
	t.Parallel()
	got := FormatComment(comment.New("a", "hi", "VK", time.Time{}, "u"), nil)
	if got != "💬 <b>a</b>\n📝 hi\n🔗 u" {
		t.Fatalf("got %q", got)
	}
}

func TestClipKeepsCombiningSequences(t *testing.T) {
	t.Parallel()
	// "e" + combining acute normalizes to one character.
	s := strings.Repeat("e\u0301", 3)
	got := clip(s, 3)
	if got != strings.Repeat("\u00e9", 3) {
		t.Fatalf("clip = %q", got)
	}
	if n := utf8.RuneCountInString(clip(strings.Repeat("e\u0301", 5), 3)); n != 6 {
		t.Fatalf("clipped rune count = %d, want 3 + ellipsis", n)
	}
}

func TestFormatBatchWithoutOverflow(t *testing.T) {
	t.Parallel()
	got := FormatBatch("VK", items(4), 10)
	if strings.Contains(got, "more") {
		t.Fatalf("unexpected overflow line: %q", got)
	}
	if strings.Count(got, "\n") != 5 {
		t.Fatalf("expected header, blank line and 4 items: %q", got)
	}
}

func TestFormatError(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	got := FormatError("quota <exceeded>", "YouTube", at)
	want := "⚠️ <b>PARSER ERROR</b>\n\n🔍 <b>Parser:</b> YouTube\n❌ <b>Error:</b> quota &lt;exceeded&gt;\n⏰ <b>Time:</b> 2024-01-02 03:04:05"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}
