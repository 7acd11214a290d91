package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackupAndRestoreMoveMeetingsBetweenDatabases(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	m := seedMeeting(t, src, "Design review")
	backup := filepath.Join(t.TempDir(), "backups", "meetings.json")

	stdout, _, err := runCommandIn(t, src, []string{"backup", "--output", backup})
	require.NoError(t, err)
	require.Empty(t, stdout)

	raw, err := os.ReadFile(backup)
	require.NoError(t, err)
	require.Contains(t, string(raw), m.ID.String())
	require.Contains(t, string(raw), `"text": "Loud and clear."`)

	dst := t.TempDir()
	stdout, _, err = runCommandIn(t, dst, []string{"restore", backup})
	require.NoError(t, err)
	require.Contains(t, stdout, "Restored 1 meetings (1 new, 0 updated, 2 segments added)")

	stdout, _, err = runCommandIn(t, dst, []string{"export", m.ID.String()})
	require.NoError(t, err)
	require.Contains(t, stdout, "# Design review")
	require.Contains(t, stdout, "**Others** `00:00:05` Loud and clear.")

	stdout, _, err = runCommandIn(t, dst, []string{"restore", backup})
	require.NoError(t, err)
	require.Contains(t, stdout, "(0 new, 1 updated, 0 segments added)")
}

func TestBackupWritesStdoutByDefault(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	seedMeeting(t, dir, "Design review")

	stdout, _, err := runCommandIn(t, dir, []string{"backup"})
	require.NoError(t, err)
	require.Contains(t, stdout, `"version": 1`)
	require.Contains(t, stdout, `"title": "Design review"`)
}

func TestRestoreRejectsMalformedBackup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"meetings": "nope"}`), 0o644))

	_, _, err := runCommandIn(t, dir, []string{"restore", bad})
	require.ErrorContains(t, err, "decode backup")

	_, _, err = runCommandIn(t, dir, []string{"restore", filepath.Join(dir, "missing.json")})
	require.ErrorContains(t, err, "open backup")
}
