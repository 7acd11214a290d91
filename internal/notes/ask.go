package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fmueller/voxmeet/internal/ollama"
	"github.com/fmueller/voxmeet/internal/transcript"
)

const askSystemPrompt = "Answer based only on the following meeting transcript. Be concise."

var ErrEmptyQuestion = errors.New("question is empty")

// AskPrompt builds the user message for a question about one meeting.
// Manual notes are appended when the meeting has any.
func AskPrompt(transcriptText, manualNotes, question string) string {
	var b strings.Builder
	b.WriteString("Transcript:\n")
	b.WriteString(transcriptText)
	if manualNotes = strings.TrimSpace(manualNotes); manualNotes != "" {
		b.WriteString("\n\nManual notes:\n")
		b.WriteString(manualNotes)
	}
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

// Ask streams an answer to question grounded in the meeting's transcript.
func (g *Generator) Ask(ctx context.Context, in Input, question string, onDelta func(string)) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}

	text := transcript.Text(in.Entries)
	if strings.TrimSpace(text) == "" && strings.TrimSpace(in.Notes) == "" {
		return "", ErrEmptyTranscript
	}

	out, err := g.Client.StreamChat(ctx, ollama.ChatRequest{
		Model:    g.Model,
		System:   askSystemPrompt,
		Messages: []ollama.Message{{Role: "user", Content: AskPrompt(text, in.Notes, question)}},
	}, onDelta)
	if err != nil {
		return out, fmt.Errorf("answer question: %w", err)
	}
	return strings.TrimSpace(out), nil
}
