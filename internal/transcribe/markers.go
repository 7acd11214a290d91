package transcribe

import "strings"

// DefaultSilenceMarkers are the placeholder outputs whisper emits for
// non-speech. Matching is exact on the trimmed, lowercased text.
var DefaultSilenceMarkers = []string{
	"[blank_audio]",
	"[blank audio]",
	"(silence)",
	"[silence]",
	"[no speech]",
	"...",
	"…",
}

type markerSet map[string]struct{}

func newMarkerSet(markers []string) markerSet {
	if markers == nil {
		markers = DefaultSilenceMarkers
	}
	set := make(markerSet, len(markers))
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			set[m] = struct{}{}
		}
	}
	return set
}

// meaningful reports whether recognizer output should become an entry.
// Any "[blank..." variant is treated as a marker too.
func (s markerSet) meaningful(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}
	if _, ok := s[t]; ok {
		return false
	}
	return !strings.HasPrefix(t, "[blank")
}

// IsMeaningful applies the default denylist.
func IsMeaningful(text string) bool {
	return newMarkerSet(nil).meaningful(text)
}
