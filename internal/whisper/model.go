package whisper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultModel balances latency against accuracy for 5 s live segments.
const DefaultModel = "base"

const (
	modelBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"
	// The raw endpoint serves the LFS pointer, whose "oid sha256:" line is
	// the content hash of the resolved file.
	modelPointerURL = "https://huggingface.co/ggerganov/whisper.cpp/raw/main/"
	englishSuffix   = ".en"
)

// Model is one whisper.cpp ggml weight file. English-only variants carry
// a SHA256URL instead of an inline digest.
type Model struct {
	Name        string
	FileName    string
	URL         string
	SHA256      string
	SHA256URL   string
	Size        string
	EnglishOnly bool
}

type ResolvedModel struct {
	Name          string
	Path          string
	URL           string
	SHA256        string
	SHA256URL     string
	NeedsDownload bool
	IsCustomPath  bool
}

// models is ordered from fastest to most accurate.
var models = []Model{
	multilingual("tiny", "75 MB", "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21"),
	englishOnly("tiny", "75 MB"),
	multilingual("base", "142 MB", "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe"),
	englishOnly("base", "142 MB"),
	multilingual("small", "466 MB", "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b"),
	englishOnly("small", "466 MB"),
	multilingual("medium", "1.5 GB", "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208"),
	englishOnly("medium", "1.5 GB"),
	multilingual("large-v3", "2.9 GB", "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2"),
}

func multilingual(name, size, sha string) Model {
	file := "ggml-" + name + ".bin"
	return Model{Name: name, FileName: file, URL: modelBaseURL + file, SHA256: sha, Size: size}
}

func englishOnly(base, size string) Model {
	name := base + englishSuffix
	file := "ggml-" + name + ".bin"
	return Model{
		Name:        name,
		FileName:    file,
		URL:         modelBaseURL + file,
		SHA256URL:   modelPointerURL + file,
		Size:        size,
		EnglishOnly: true,
	}
}

func Models() []Model {
	return append([]Model(nil), models...)
}

func ModelNames() []string {
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	return names
}

func LookupModel(name string) (Model, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, m := range models {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}

// ModelForLanguage picks the registry variant for language. English
// selects the ".en" weights when the size has them; any other explicit
// language needs the multilingual ones. "auto" and custom paths are left
// alone.
func ModelForLanguage(name, language string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultModel
	}
	if _, ok := LookupModel(name); !ok {
		return name
	}

	base := strings.TrimSuffix(strings.ToLower(name), englishSuffix)
	switch lang := strings.ToLower(strings.TrimSpace(language)); lang {
	case "", "auto":
		return strings.ToLower(name)
	case "en":
		if _, ok := LookupModel(base + englishSuffix); ok {
			return base + englishSuffix
		}
		return base
	default:
		return base
	}
}

// ResolveModel maps a registry name or a file path to a location under
// modelDir. Registry names are first adjusted for language.
func ResolveModel(modelRef, language, modelDir string) (ResolvedModel, error) {
	modelRef = ModelForLanguage(modelRef, language)

	model, ok := LookupModel(modelRef)
	if !ok {
		return resolveCustomModel(modelRef)
	}
	if strings.TrimSpace(modelDir) == "" {
		return ResolvedModel{}, errors.New("model directory must not be empty for named model")
	}

	path := filepath.Join(modelDir, model.FileName)
	needsDownload := false
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return ResolvedModel{}, fmt.Errorf("stat model path: %w", err)
		}
		needsDownload = true
	}

	return ResolvedModel{
		Name:          model.Name,
		Path:          path,
		URL:           model.URL,
		SHA256:        model.SHA256,
		SHA256URL:     model.SHA256URL,
		NeedsDownload: needsDownload,
	}, nil
}

func resolveCustomModel(ref string) (ResolvedModel, error) {
	if !looksLikePath(ref) {
		return ResolvedModel{}, fmt.Errorf("unknown model %q (known models: %s)", ref, strings.Join(ModelNames(), ", "))
	}

	path := filepath.Clean(ref)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ResolvedModel{}, fmt.Errorf("custom model path does not exist: %s", path)
		}
		return ResolvedModel{}, fmt.Errorf("stat custom model path: %w", err)
	}
	return ResolvedModel{Path: path, IsCustomPath: true}, nil
}

func looksLikePath(input string) bool {
	return strings.ContainsRune(input, os.PathSeparator) || strings.HasSuffix(strings.ToLower(input), ".bin")
}
