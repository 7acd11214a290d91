package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fmueller/voxmeet/internal/ollama"
	"github.com/fmueller/voxmeet/internal/transcript"
)

var ErrEmptyTranscript = errors.New("meeting has no transcript and no notes")

// Chatter is the part of the Ollama client the generator needs.
type Chatter interface {
	StreamChat(ctx context.Context, r ollama.ChatRequest, onDelta func(string)) (string, error)
}

type Generator struct {
	Client Chatter
	Model  string
}

type Input struct {
	Entries  []transcript.Entry
	Notes    string
	Template string
}

// Prompt builds the user message sent alongside the template's system
// prompt.
func Prompt(transcriptText, manualNotes string) string {
	manualNotes = strings.TrimSpace(manualNotes)
	if manualNotes == "" {
		manualNotes = "(none)"
	}
	return fmt.Sprintf("## Raw transcript\n%s\n\n## Manual notes\n%s\n\nProduce the structured meeting notes in markdown as requested.",
		transcriptText, manualNotes)
}

// Generate streams structured notes for in. onDelta, when set, sees every
// fragment as it arrives; the trimmed full document is returned.
func (g *Generator) Generate(ctx context.Context, in Input, onDelta func(string)) (string, error) {
	tmpl, err := LookupTemplate(in.Template)
	if err != nil {
		return "", err
	}

	text := transcript.Text(in.Entries)
	if strings.TrimSpace(text) == "" && strings.TrimSpace(in.Notes) == "" {
		return "", ErrEmptyTranscript
	}

	out, err := g.Client.StreamChat(ctx, ollama.ChatRequest{
		Model:    g.Model,
		System:   tmpl.SystemPrompt,
		Messages: []ollama.Message{{Role: "user", Content: Prompt(text, in.Notes)}},
	}, onDelta)
	if err != nil {
		return "", fmt.Errorf("generate %s notes: %w", tmpl.ID, err)
	}
	return strings.TrimSpace(out), nil
}
