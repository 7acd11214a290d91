package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fmueller/voxmeet/internal/transcript"
	"github.com/google/uuid"
)

const BundleVersion = 1

// Bundle is the JSON backup of every meeting with its transcript.
type Bundle struct {
	Version    int             `json:"version"`
	ExportedAt time.Time       `json:"exported_at"`
	Meetings   []BundleMeeting `json:"meetings"`
}

type BundleMeeting struct {
	ID        uuid.UUID       `json:"id"`
	Title     string          `json:"title"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Model     string          `json:"model,omitempty"`
	Notes     string          `json:"notes,omitempty"`
	Summary   string          `json:"ai_summary,omitempty"`
	Template  string          `json:"template,omitempty"`
	Segments  []BundleSegment `json:"segments"`
}

type BundleSegment struct {
	ID        uuid.UUID `json:"id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ImportResult counts what Import wrote. Meetings already present are
// updated in place, segments already present are left alone.
type ImportResult struct {
	Created  int
	Updated  int
	Segments int
}

// Export collects every meeting, oldest first.
func (s *Store) Export(ctx context.Context, now time.Time) (Bundle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+meetingColumns+` FROM meetings ORDER BY started_at`)
	if err != nil {
		return Bundle{}, fmt.Errorf("export meetings: %w", err)
	}
	var meetings []Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			_ = rows.Close()
			return Bundle{}, err
		}
		meetings = append(meetings, m)
	}
	if err := rows.Close(); err != nil {
		return Bundle{}, err
	}
	if err := rows.Err(); err != nil {
		return Bundle{}, fmt.Errorf("export meetings: %w", err)
	}

	b := Bundle{Version: BundleVersion, ExportedAt: now.UTC(), Meetings: make([]BundleMeeting, 0, len(meetings))}
	for _, m := range meetings {
		entries, err := s.Entries(ctx, m.ID)
		if err != nil {
			return Bundle{}, err
		}
		bm := BundleMeeting{
			ID:        m.ID,
			Title:     m.Title,
			StartedAt: m.StartedAt.UTC(),
			Model:     m.Model,
			Notes:     m.Notes,
			Summary:   m.Summary,
			Template:  m.Template,
			Segments:  make([]BundleSegment, 0, len(entries)),
		}
		if !m.EndedAt.IsZero() {
			ended := m.EndedAt.UTC()
			bm.EndedAt = &ended
		}
		for _, e := range entries {
			bm.Segments = append(bm.Segments, BundleSegment{
				ID:        e.ID,
				Speaker:   e.Channel.String(),
				Text:      e.Text,
				Timestamp: e.Timestamp.UTC(),
			})
		}
		b.Meetings = append(b.Meetings, bm)
	}
	return b, nil
}

// Import upserts the bundle's meetings by ID in a single transaction.
func (s *Store) Import(ctx context.Context, b Bundle) (ImportResult, error) {
	if b.Version != BundleVersion {
		return ImportResult{}, fmt.Errorf("unsupported backup version %d, want %d", b.Version, BundleVersion)
	}
	for _, m := range b.Meetings {
		if m.ID == uuid.Nil {
			return ImportResult{}, fmt.Errorf("meeting %q has no id", m.Title)
		}
		for _, seg := range m.Segments {
			if _, err := transcript.ParseChannel(seg.Speaker); err != nil {
				return ImportResult{}, fmt.Errorf("meeting %s: %w", m.ID, err)
			}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ImportResult{}, fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res ImportResult
	for _, m := range b.Meetings {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM meetings WHERE id = ?`, m.ID.String()).Scan(&exists)
		if err != nil {
			return ImportResult{}, fmt.Errorf("import meeting %s: %w", m.ID, err)
		}

		var ended sql.NullInt64
		if m.EndedAt != nil {
			ended = sql.NullInt64{Int64: m.EndedAt.UnixMilli(), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO meetings (id, title, started_at, ended_at, model, notes, ai_summary, template)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	title = excluded.title,
	started_at = excluded.started_at,
	ended_at = excluded.ended_at,
	model = excluded.model,
	notes = excluded.notes,
	ai_summary = excluded.ai_summary,
	template = excluded.template`,
			m.ID.String(), m.Title, m.StartedAt.UnixMilli(), ended, m.Model, m.Notes, m.Summary, m.Template)
		if err != nil {
			return ImportResult{}, fmt.Errorf("import meeting %s: %w", m.ID, err)
		}
		if exists > 0 {
			res.Updated++
		} else {
			res.Created++
		}

		for _, seg := range m.Segments {
			channel, _ := transcript.ParseChannel(seg.Speaker)
			id := seg.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			r, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO segments (id, meeting_id, speaker, text, timestamp) VALUES (?, ?, ?, ?, ?)`,
				id.String(), m.ID.String(), channel.String(), seg.Text, seg.Timestamp.UnixMilli())
			if err != nil {
				return ImportResult{}, fmt.Errorf("import segment %s: %w", id, err)
			}
			if n, _ := r.RowsAffected(); n > 0 {
				res.Segments += int(n)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return ImportResult{}, fmt.Errorf("commit import: %w", err)
	}
	return res, nil
}

// WriteBundle encodes b as indented JSON.
func WriteBundle(w io.Writer, b Bundle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	return nil
}

func ReadBundle(r io.Reader) (Bundle, error) {
	var b Bundle
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return Bundle{}, fmt.Errorf("decode backup: %w", err)
	}
	return b, nil
}
