package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fmueller/voxmeet/internal/notes"
	"github.com/fmueller/voxmeet/internal/store"
	"github.com/fmueller/voxmeet/internal/transcript"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMeetingsCmd(app *appState) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "meetings",
		Short: "List saved meetings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := app.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			meetings, err := db.ListMeetings(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(meetings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No meetings yet. Start one with: voxmeet live")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tNOTES\tTITLE")
			for _, m := range meetings {
				hasNotes := "-"
				if m.Summary != "" {
					hasNotes = m.Template
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					shortID(m.ID.String()), m.StartedAt.Format("2006-01-02 15:04"), formatDuration(m.Duration()), hasNotes, m.Title)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of meetings to list")
	return cmd
}

func newExportCmd(app *appState) *cobra.Command {
	var (
		output          string
		copyToClipboard bool
	)

	cmd := &cobra.Command{
		Use:   "export <meeting-id>",
		Short: "Render a saved meeting as markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := app.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			meeting, entries, err := loadMeeting(cmd, db, args[0])
			if err != nil {
				return err
			}

			doc := transcript.RenderMarkdown(transcript.Meta{
				Title:    meeting.Title,
				Started:  meeting.StartedAt,
				Duration: meeting.Duration(),
				Model:    meeting.Model,
				Summary:  meeting.Summary,
			}, entries)

			if output != "" {
				if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
					return fmt.Errorf("create output directory: %w", err)
				}
				if err := os.WriteFile(output, []byte(doc), 0o644); err != nil {
					return fmt.Errorf("write export: %w", err)
				}
				app.log().Info("meeting exported", zap.String("path", output))
			} else {
				fmt.Fprint(cmd.OutOrStdout(), doc)
			}

			if copyToClipboard {
				return app.copyText(cmd.Context(), doc, "meeting markdown")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write markdown to this file instead of stdout")
	cmd.Flags().BoolVar(&copyToClipboard, "copy", false, "Copy markdown to clipboard")
	return cmd
}

func newNotesCmd(app *appState) *cobra.Command {
	var (
		template        string
		manualNotes     string
		listTemplates   bool
		copyToClipboard bool
	)

	cmd := &cobra.Command{
		Use:   "notes [meeting-id]",
		Short: "Structure a meeting into notes with a local Ollama model",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if listTemplates {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, t := range notes.Templates() {
					fmt.Fprintf(w, "%s\t%s\n", t.ID, t.Name)
				}
				return w.Flush()
			}
			if len(args) == 0 {
				return fmt.Errorf("accepts 1 arg(s), received 0")
			}

			if template == "" {
				template = app.cfg.Ollama.Template
			}
			tmpl, err := notes.LookupTemplate(template)
			if err != nil {
				return err
			}

			db, err := app.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			meeting, entries, err := loadMeeting(cmd, db, args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("notes") {
				if err := db.SaveNotes(cmd.Context(), meeting.ID, manualNotes); err != nil {
					return err
				}
				meeting.Notes = manualNotes
			}

			gen := &notes.Generator{Client: app.chatFn(), Model: app.cfg.Ollama.Model}
			out := cmd.OutOrStdout()
			doc, err := gen.Generate(cmd.Context(), notes.Input{
				Entries:  entries,
				Notes:    meeting.Notes,
				Template: tmpl.ID,
			}, func(delta string) { fmt.Fprint(out, delta) })
			if err != nil {
				return err
			}
			fmt.Fprintln(out)

			if err := db.SaveSummary(cmd.Context(), meeting.ID, doc, tmpl.ID); err != nil {
				return err
			}
			app.log().Info("notes saved", zap.String("meeting", shortID(meeting.ID.String())), zap.String("template", tmpl.ID))

			if copyToClipboard {
				return app.copyText(cmd.Context(), doc, "notes")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&template, "template", "", "Notes template: "+strings.Join(notes.TemplateIDs(), "|"))
	cmd.Flags().StringVar(&manualNotes, "notes", "", "Manual notes to store with the meeting and include in the prompt")
	cmd.Flags().BoolVar(&listTemplates, "list-templates", false, "List available templates and exit")
	cmd.Flags().BoolVar(&copyToClipboard, "copy", false, "Copy the generated notes to clipboard")
	return cmd
}

func newAskCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <meeting-id> <question>",
		Short: "Ask a local Ollama model a question about one meeting",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := app.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			meeting, entries, err := loadMeeting(cmd, db, args[0])
			if err != nil {
				return err
			}

			gen := &notes.Generator{Client: app.chatFn(), Model: app.cfg.Ollama.Model}
			out := cmd.OutOrStdout()
			if _, err := gen.Ask(cmd.Context(), notes.Input{
				Entries: entries,
				Notes:   meeting.Notes,
			}, strings.Join(args[1:], " "), func(delta string) { fmt.Fprint(out, delta) }); err != nil {
				return err
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}

func loadMeeting(cmd *cobra.Command, db *store.Store, ref string) (store.Meeting, []transcript.Entry, error) {
	meeting, err := db.FindMeeting(cmd.Context(), ref)
	if err != nil {
		return store.Meeting{}, nil, fmt.Errorf("meeting %q: %w", ref, err)
	}
	entries, err := db.Entries(cmd.Context(), meeting.ID)
	if err != nil {
		return store.Meeting{}, nil, err
	}
	return meeting, entries, nil
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Truncate(time.Second).String()
}
