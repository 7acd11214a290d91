// Package notes turns a meeting transcript and manual notes into structured
// markdown with a local language model.
package notes

import (
	"fmt"
	"sort"
	"strings"
)

const DefaultTemplate = "general"

type Template struct {
	ID           string
	Name         string
	SystemPrompt string
}

var templates = map[string]Template{
	"general": {
		ID:   "general",
		Name: "General meeting",
		SystemPrompt: `You are a meeting notes assistant. Given a raw transcript and any manual notes, produce a structured markdown document with:
1. **Summary** (2-3 short paragraphs)
2. **Key decisions**
3. **Action items** (with assignee if detectable)
4. **Follow-up questions**
Be concise and accurate. Use only information from the transcript and notes.`,
	},
	"one-on-one": {
		ID:   "one-on-one",
		Name: "1-on-1",
		SystemPrompt: `You are a 1-on-1 meeting notes assistant. Structure the transcript and notes into:
1. **Summary** of the conversation
2. **Topics discussed**
3. **Action items** (for each person if clear)
4. **Follow-up / next 1:1**
Be concise and preserve commitments and feedback.`,
	},
	"customer-discovery": {
		ID:   "customer-discovery",
		Name: "Customer discovery",
		SystemPrompt: `You are a customer discovery notes assistant. From the transcript and notes, extract:
1. **Summary** of the conversation
2. **Pain points** mentioned
3. **Needs / requests**
4. **Quotes** (notable verbatim quotes)
5. **Action items** and next steps
Output in clear markdown.`,
	},
	"standup": {
		ID:   "standup",
		Name: "Standup / sync",
		SystemPrompt: `You are a standup notes assistant. Structure the transcript into:
1. **Summary** (one short paragraph)
2. **Per person** (if identifiable): what they did, what they will do, blockers
3. **Blockers** (aggregated)
4. **Action items**
Keep it very concise.`,
	},
	"interview": {
		ID:   "interview",
		Name: "Interview",
		SystemPrompt: `You are an interview notes assistant. From the transcript and notes, produce:
1. **Summary** of the interview
2. **Key points** (experience, skills, interests)
3. **Notable answers** or quotes
4. **Concerns or red flags** (if any)
5. **Recommendation / next steps**
Use markdown. Be objective and concise.`,
	},
}

// Templates returns all templates ordered by ID.
func Templates() []Template {
	out := make([]Template, 0, len(templates))
	for _, t := range templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func TemplateIDs() []string {
	ids := make([]string, 0, len(templates))
	for _, t := range Templates() {
		ids = append(ids, t.ID)
	}
	return ids
}

// LookupTemplate resolves a template ID; empty selects the default.
func LookupTemplate(id string) (Template, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		id = DefaultTemplate
	}
	t, ok := templates[id]
	if !ok {
		return Template{}, fmt.Errorf("unknown template %q (available: %s)", id, strings.Join(TemplateIDs(), ", "))
	}
	return t, nil
}
