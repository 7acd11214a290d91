package transcript

import (
	"fmt"
	"strings"
	"time"
)

type Meta struct {
	Title    string
	Started  time.Time
	Duration time.Duration
	Model    string
	Summary  string
}

// RenderMarkdown produces the exported meeting document: header, optional
// AI summary, then the interleaved transcript.
func RenderMarkdown(meta Meta, entries []Entry) string {
	var b strings.Builder

	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = "Meeting Transcript"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	if !meta.Started.IsZero() {
		fmt.Fprintf(&b, "- Date: %s\n", meta.Started.Format("2006-01-02 15:04"))
	}
	if meta.Duration > 0 {
		fmt.Fprintf(&b, "- Duration: %s\n", meta.Duration.Truncate(time.Second))
	}
	if meta.Model != "" {
		fmt.Fprintf(&b, "- Model: `%s`\n", meta.Model)
	}
	b.WriteString("\n")

	if summary := strings.TrimSpace(meta.Summary); summary != "" {
		b.WriteString("## Notes\n\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}

	b.WriteString("## Transcript\n\n")
	ordered := Interleave(entries)
	if len(ordered) == 0 {
		b.WriteString("_No speech was transcribed._\n")
		return b.String()
	}

	start := meta.Started
	if start.IsZero() {
		start = ordered[0].Timestamp
	}
	for _, e := range ordered {
		fmt.Fprintf(&b, "**%s** `%s` %s\n\n", e.Channel.Label(), clock(e.Timestamp.Sub(start)), strings.TrimSpace(e.Text))
	}
	return b.String()
}
