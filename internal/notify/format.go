package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"commentwatch/internal/comment"
)

const (
	commentTextLimit = 200
	batchTextLimit   = 100
)

// FormatComment renders one item as an HTML message.
func FormatComment(it comment.Item, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	var b strings.Builder
	b.WriteString("💬 <b>")
	b.WriteString(esc(it.Author))
	b.WriteString("</b>\n📝 ")
	b.WriteString(esc(clip(it.Text, commentTextLimit)))
	b.WriteString("\n🔗 ")
	b.WriteString(esc(it.URL))
	if it.HasTime() {
		b.WriteString("\n⏰ ")
		b.WriteString(it.Timestamp.In(loc).Format("15:04:05"))
	}
	return b.String()
}

// FormatBatch renders a summary of items from source, listing at most show.
func FormatBatch(source string, items []comment.Item, show int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💬 <b>%d new comments from %s</b>\n\n", len(items), esc(source))
	for i, it := range comment.Newest(items, show) {
		fmt.Fprintf(&b, "%d. <b>%s</b>: %s\n", i+1, esc(it.Author), esc(clip(it.Text, batchTextLimit)))
	}
	if rest := len(items) - show; show >= 0 && rest > 0 {
		fmt.Fprintf(&b, "\n... and %d more", rest)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatError renders an operational alert for source.
func FormatError(msg, source string, at time.Time) string {
	var b strings.Builder
	b.WriteString("⚠️ <b>PARSER ERROR</b>\n\n")
	if strings.TrimSpace(source) != "" {
		b.WriteString("🔍 <b>Parser:</b> ")
		b.WriteString(esc(source))
		b.WriteString("\n")
	}
	b.WriteString("❌ <b>Error:</b> ")
	b.WriteString(esc(clip(msg, 1000)))
	b.WriteString("\n⏰ <b>Time:</b> ")
	b.WriteString(at.Format("2006-01-02 15:04:05"))
	return b.String()
}

func esc(s string) string { return html.EscapeString(s) }

// clip cuts s to n characters. Text is NFC-normalized first so a combining
// sequence counts once and is never split from its base.
func clip(s string, n int) string {
	s = norm.NFC.String(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
