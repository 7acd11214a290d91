// Package transcript holds the speaker-tagged entries produced by live
// transcription and the helpers that render them.
package transcript

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel is the fixed two-way speaker split: the local microphone is "me",
// everything the system plays back is "others".
type Channel int

const (
	Local Channel = iota
	Remote
)

func (c Channel) String() string {
	switch c {
	case Local:
		return "me"
	case Remote:
		return "others"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Label is the display name used in rendered transcripts.
func (c Channel) Label() string {
	if c == Remote {
		return "Others"
	}
	return "Me"
}

func ParseChannel(raw string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "me", "local":
		return Local, nil
	case "others", "remote":
		return Remote, nil
	default:
		return Local, fmt.Errorf("unknown speaker channel %q", raw)
	}
}

// Entry is one finalized piece of recognized speech. It is never mutated
// after NewEntry returns.
type Entry struct {
	ID        uuid.UUID
	Text      string
	Channel   Channel
	Timestamp time.Time
}

func NewEntry(text string, channel Channel, at time.Time) Entry {
	return Entry{
		ID:        uuid.New(),
		Text:      text,
		Channel:   channel,
		Timestamp: at,
	}
}

// Interleave returns a copy of entries ordered by timestamp. Entries from the
// same channel keep their relative order when timestamps tie.
func Interleave(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Text renders entries as "[Me] ..." / "[Others] ..." lines, the form fed
// to the note-structuring prompt.
func Text(entries []Entry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range Interleave(entries) {
		lines = append(lines, fmt.Sprintf("[%s] %s", e.Channel.Label(), e.Text))
	}
	return strings.Join(lines, "\n")
}

// Line formats a single entry for live console output, with the offset
// from start as a clock.
func Line(e Entry, start time.Time) string {
	return fmt.Sprintf("[%s] %s: %s", clock(e.Timestamp.Sub(start)), e.Channel.Label(), e.Text)
}

func clock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
