package notes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fmueller/voxmeet/internal/ollama"
	"github.com/fmueller/voxmeet/internal/transcript"
	"github.com/stretchr/testify/require"
)

type fakeChatter struct {
	got    ollama.ChatRequest
	deltas []string
	err    error
}

func (f *fakeChatter) StreamChat(_ context.Context, r ollama.ChatRequest, onDelta func(string)) (string, error) {
	f.got = r
	var out string
	for _, d := range f.deltas {
		out += d
		if onDelta != nil {
			onDelta(d)
		}
	}
	return out, f.err
}

func TestLookupTemplate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", "general"},
		{"Standup", "standup"},
		{" one-on-one ", "one-on-one"},
		{"customer-discovery", "customer-discovery"},
		{"interview", "interview"},
	}
	for _, tt := range tests {
		got, err := LookupTemplate(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got.ID)
		require.NotEmpty(t, got.SystemPrompt)
	}

	_, err := LookupTemplate("retro")
	require.ErrorContains(t, err, "available: customer-discovery, general, interview, one-on-one, standup")
}

func TestGenerateSendsTemplateAndTranscript(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	chat := &fakeChatter{deltas: []string{"\n## Summary\n", "Shipped."}}
	g := &Generator{Client: chat, Model: "llama3.2"}

	var streamed []string
	out, err := g.Generate(context.Background(), Input{
		Entries: []transcript.Entry{
			transcript.NewEntry("we shipped it", transcript.Remote, start.Add(3*time.Second)),
			transcript.NewEntry("status?", transcript.Local, start),
		},
		Template: "standup",
	}, func(d string) { streamed = append(streamed, d) })
	require.NoError(t, err)
	require.Equal(t, "## Summary\nShipped.", out)
	require.Len(t, streamed, 2)

	require.Equal(t, "llama3.2", chat.got.Model)
	standup, _ := LookupTemplate("standup")
	require.Equal(t, standup.SystemPrompt, chat.got.System)
	require.Len(t, chat.got.Messages, 1)
	require.Equal(t, "user", chat.got.Messages[0].Role)
	require.Contains(t, chat.got.Messages[0].Content, "## Raw transcript\n[Me] status?\n[Others] we shipped it")
	require.Contains(t, chat.got.Messages[0].Content, "## Manual notes\n(none)")
}

func TestGenerateRejectsEmptyMeeting(t *testing.T) {
	t.Parallel()

	_, err := (&Generator{Client: &fakeChatter{}}).Generate(context.Background(), Input{}, nil)
	require.ErrorIs(t, err, ErrEmptyTranscript)
}

func TestGenerateWithNotesOnly(t *testing.T) {
	t.Parallel()

	chat := &fakeChatter{deltas: []string{"ok"}}
	_, err := (&Generator{Client: chat}).Generate(context.Background(), Input{Notes: "call vendor"}, nil)
	require.NoError(t, err)
	require.Contains(t, chat.got.Messages[0].Content, "## Manual notes\ncall vendor")
}

func TestGenerateWrapsClientError(t *testing.T) {
	t.Parallel()

	chat := &fakeChatter{err: ollama.ErrRequestFailed}
	_, err := (&Generator{Client: chat}).Generate(context.Background(), Input{Notes: "x", Template: "interview"}, nil)
	require.True(t, errors.Is(err, ollama.ErrRequestFailed))
	require.ErrorContains(t, err, "generate interview notes")
}

func TestAskGroundsQuestionInTranscript(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	chat := &fakeChatter{deltas: []string{"Friday", "."}}
	g := &Generator{Client: chat, Model: "llama3.2"}

	var streamed []string
	out, err := g.Ask(context.Background(), Input{
		Entries: []transcript.Entry{transcript.NewEntry("we ship on friday", transcript.Remote, start)},
		Notes:   "confirm with ops",
	}, "  when do we ship? ", func(d string) { streamed = append(streamed, d) })
	require.NoError(t, err)
	require.Equal(t, "Friday.", out)
	require.Equal(t, []string{"Friday", "."}, streamed)

	require.Equal(t, "llama3.2", chat.got.Model)
	require.Equal(t, "Answer based only on the following meeting transcript. Be concise.", chat.got.System)
	require.Equal(t, []ollama.Message{{
		Role:    "user",
		Content: "Transcript:\n[Others] we ship on friday\n\nManual notes:\nconfirm with ops\n\nQuestion: when do we ship?",
	}}, chat.got.Messages)
}

func TestAskRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	g := &Generator{Client: &fakeChatter{}}
	entries := []transcript.Entry{transcript.NewEntry("hi", transcript.Local, time.Now())}

	_, err := g.Ask(context.Background(), Input{Entries: entries}, " ", nil)
	require.ErrorIs(t, err, ErrEmptyQuestion)

	_, err = g.Ask(context.Background(), Input{}, "anything?", nil)
	require.ErrorIs(t, err, ErrEmptyTranscript)
}

func TestAskWrapsClientErrors(t *testing.T) {
	t.Parallel()

	g := &Generator{Client: &fakeChatter{err: ollama.ErrRequestFailed}}
	entries := []transcript.Entry{transcript.NewEntry("hi", transcript.Local, time.Now())}

	_, err := g.Ask(context.Background(), Input{Entries: entries}, "why?", nil)
	require.ErrorIs(t, err, ollama.ErrRequestFailed)
	require.ErrorContains(t, err, "answer question")
}
