// Package store persists meetings and their transcript segments in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/voxmeet/internal/transcribe"
	"github.com/fmueller/voxmeet/internal/transcript"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrMeetingNotFound  = errors.New("meeting not found")
	ErrAmbiguousMeeting = errors.New("meeting id prefix is ambiguous")
)

const schema = `
CREATE TABLE IF NOT EXISTS meetings (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER,
	model       TEXT NOT NULL DEFAULT '',
	notes       TEXT NOT NULL DEFAULT '',
	ai_summary  TEXT NOT NULL DEFAULT '',
	template    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS segments (
	id          TEXT PRIMARY KEY,
	meeting_id  TEXT NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
	speaker     TEXT NOT NULL,
	text        TEXT NOT NULL,
	timestamp   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_meetings_started_at ON meetings(started_at);
CREATE INDEX IF NOT EXISTS idx_segments_meeting ON segments(meeting_id, timestamp);
`

type Meeting struct {
	ID        uuid.UUID
	Title     string
	StartedAt time.Time
	EndedAt   time.Time
	Model     string
	Notes     string
	Summary   string
	Template  string
}

// Duration is zero while the meeting is still open.
func (m Meeting) Duration() time.Duration {
	if m.EndedAt.IsZero() {
		return 0
	}
	return m.EndedAt.Sub(m.StartedAt)
}

type Store struct {
	db *sql.DB
}

// Open creates the database file and schema when missing. path may be
// ":memory:".
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" coherent and serializes the writers
	// (segment lanes) without SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateMeeting(ctx context.Context, title, model string, started time.Time) (Meeting, error) {
	m := Meeting{
		ID:        uuid.New(),
		Title:     strings.TrimSpace(title),
		StartedAt: started,
		Model:     model,
	}
	if m.Title == "" {
		m.Title = "Meeting " + started.Format("2006-01-02 15:04")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meetings (id, title, started_at, model) VALUES (?, ?, ?, ?)`,
		m.ID.String(), m.Title, started.UnixMilli(), model)
	if err != nil {
		return Meeting{}, fmt.Errorf("create meeting: %w", err)
	}
	return m, nil
}

func (s *Store) FinishMeeting(ctx context.Context, id uuid.UUID, ended time.Time) error {
	return s.updateMeeting(ctx, id, `UPDATE meetings SET ended_at = ? WHERE id = ?`, ended.UnixMilli())
}

func (s *Store) SaveNotes(ctx context.Context, id uuid.UUID, notes string) error {
	return s.updateMeeting(ctx, id, `UPDATE meetings SET notes = ? WHERE id = ?`, notes)
}

// SaveSummary stores generated notes together with the template that
// produced them.
func (s *Store) SaveSummary(ctx context.Context, id uuid.UUID, summary, template string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET ai_summary = ?, template = ? WHERE id = ?`, summary, template, id.String())
	return checkUpdated(res, err)
}

func (s *Store) updateMeeting(ctx context.Context, id uuid.UUID, query string, value any) error {
	res, err := s.db.ExecContext(ctx, query, value, id.String())
	return checkUpdated(res, err)
}

func checkUpdated(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("update meeting: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update meeting: %w", err)
	}
	if n == 0 {
		return ErrMeetingNotFound
	}
	return nil
}

func (s *Store) DeleteMeeting(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM meetings WHERE id = ?`, id.String())
	return checkUpdated(res, err)
}

const meetingColumns = `id, title, started_at, ended_at, model, notes, ai_summary, template`

func (s *Store) Meeting(ctx context.Context, id uuid.UUID) (Meeting, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id = ?`, id.String())
	m, err := scanMeeting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Meeting{}, ErrMeetingNotFound
	}
	return m, err
}

// FindMeeting resolves a full ID or a unique prefix of one, the form the
// CLI prints.
func (s *Store) FindMeeting(ctx context.Context, ref string) (Meeting, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if ref == "" {
		return Meeting{}, ErrMeetingNotFound
	}
	if id, err := uuid.Parse(ref); err == nil {
		return s.Meeting(ctx, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE id LIKE ? ESCAPE '\' LIMIT 2`, escapeLike(ref)+"%")
	if err != nil {
		return Meeting{}, fmt.Errorf("find meeting: %w", err)
	}
	defer rows.Close()

	var found []Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return Meeting{}, err
		}
		found = append(found, m)
	}
	if err := rows.Err(); err != nil {
		return Meeting{}, fmt.Errorf("find meeting: %w", err)
	}

	switch len(found) {
	case 0:
		return Meeting{}, ErrMeetingNotFound
	case 1:
		return found[0], nil
	default:
		return Meeting{}, fmt.Errorf("%w: %q", ErrAmbiguousMeeting, ref)
	}
}

// ListMeetings returns the most recent meetings first.
func (s *Store) ListMeetings(ctx context.Context, limit int) ([]Meeting, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()

	var meetings []Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row scanner) (Meeting, error) {
	var (
		m       Meeting
		id      string
		started int64
		ended   sql.NullInt64
	)
	if err := row.Scan(&id, &m.Title, &started, &ended, &m.Model, &m.Notes, &m.Summary, &m.Template); err != nil {
		return Meeting{}, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return Meeting{}, fmt.Errorf("meeting id %q: %w", id, err)
	}
	m.ID = parsed
	m.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		m.EndedAt = time.UnixMilli(ended.Int64)
	}
	return m, nil
}

func (s *Store) AddEntry(ctx context.Context, meetingID uuid.UUID, e transcript.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segments (id, meeting_id, speaker, text, timestamp) VALUES (?, ?, ?, ?, ?)`,
		e.ID.String(), meetingID.String(), e.Channel.String(), e.Text, e.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("save segment: %w", err)
	}
	return nil
}

// Entries returns a meeting's transcript ordered by timestamp.
func (s *Store) Entries(ctx context.Context, meetingID uuid.UUID) ([]transcript.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, speaker, text, timestamp FROM segments WHERE meeting_id = ? ORDER BY timestamp, rowid`,
		meetingID.String())
	if err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}
	defer rows.Close()

	var entries []transcript.Entry
	for rows.Next() {
		var (
			id, speaker, text string
			ts                int64
		)
		if err := rows.Scan(&id, &speaker, &text, &ts); err != nil {
			return nil, err
		}
		entryID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("segment id %q: %w", id, err)
		}
		channel, err := transcript.ParseChannel(speaker)
		if err != nil {
			return nil, err
		}
		entries = append(entries, transcript.Entry{
			ID:        entryID,
			Text:      text,
			Channel:   channel,
			Timestamp: time.UnixMilli(ts),
		})
	}
	return entries, rows.Err()
}

// Sink persists finalized entries for one meeting.
func (s *Store) Sink(meetingID uuid.UUID) transcribe.Sink {
	return transcribe.SinkFunc(func(ctx context.Context, e transcript.Entry) error {
		return s.AddEntry(ctx, meetingID, e)
	})
}

func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}
