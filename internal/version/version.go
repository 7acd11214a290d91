package version

import (
	"fmt"
	"os/exec"
	"strings"
)

const Name = "voxmeet"

var (
	Version = "1.0.0"
	Commit  = "unknown"
	Date    = "unknown"
)

// Resolve returns the full version string, appending a git-derived suffix
// when the binary is run from inside a git repository whose HEAD is not on
// a release tag.
func Resolve() string {
	return resolveVersion(Version, runGit)
}

// String is the line printed by the version command: the resolved version
// plus build metadata when the release pipeline stamped it.
func String() string {
	return format(Resolve(), Commit, Date)
}

func format(resolved, commit, date string) string {
	line := fmt.Sprintf("%s v%s", Name, resolved)
	var meta []string
	if commit != "" && commit != "unknown" {
		meta = append(meta, "commit "+commit)
	}
	if date != "" && date != "unknown" {
		meta = append(meta, "built "+date)
	}
	if len(meta) == 0 {
		return line
	}
	return line + " (" + strings.Join(meta, ", ") + ")"
}

func resolveVersion(base string, git func(...string) (string, error)) string {
	if base == "" {
		base = "0.0.0"
	}

	suffix := computeGitSuffix(base, git)
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

func computeGitSuffix(base string, git func(...string) (string, error)) string {
	if _, err := git("rev-parse", "--git-dir"); err != nil {
		return ""
	}

	if _, err := git("describe", "--tags", "--exact-match"); err == nil {
		return ""
	}

	desc, err := git("describe", "--tags", "--dirty", "--always")
	if err != nil {
		return ""
	}

	prefix := "v" + base + "-"
	if strings.HasPrefix(desc, prefix) {
		return strings.TrimPrefix(desc, prefix)
	}

	return desc
}

func runGit(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
