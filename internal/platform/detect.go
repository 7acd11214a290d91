package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "voxmeet"

type Runtime struct {
	OS   string
	Arch string
}

func CurrentRuntime() Runtime {
	return Runtime{
		OS:   runtime.GOOS,
		Arch: NormalizeArch(runtime.GOARCH),
	}
}

func NormalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}

// Paths are the per-user locations voxmeet reads and writes.
type Paths struct {
	DataDir  string
	ModelDir string
	Database string
	Config   string
}

func DefaultPathsFor(goos, homeDir, xdgDataHome string) (Paths, error) {
	dataDir, err := defaultDataDirFor(goos, homeDir, xdgDataHome)
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		DataDir:  dataDir,
		ModelDir: filepath.Join(dataDir, "models"),
		Database: filepath.Join(dataDir, "meetings.db"),
		Config:   filepath.Join(dataDir, "config.yaml"),
	}, nil
}

func DefaultModelDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	paths, err := DefaultPathsFor(goos, homeDir, xdgDataHome)
	if err != nil {
		return "", err
	}
	return paths.ModelDir, nil
}

func DefaultPaths() (Paths, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve user home: %w", err)
	}
	return DefaultPathsFor(runtime.GOOS, homeDir, os.Getenv("XDG_DATA_HOME"))
}

func ResolveModelDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}

	paths, err := DefaultPaths()
	if err != nil {
		return "", err
	}
	return paths.ModelDir, nil
}

func ResolveDatabasePath(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}

	paths, err := DefaultPaths()
	if err != nil {
		return "", err
	}
	return paths.Database, nil
}

func defaultDataDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgDataHome != "" {
			return filepath.Join(xdgDataHome, appDirName), nil
		}
		return filepath.Join(homeDir, ".local", "share", appDirName), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", appDirName), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}
