package precision

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BaselineFile is the seed preferred as baseline when present.
const BaselineFile = "alldouble.json"

// ErrNoSeeds is returned when the seed directory holds no usable
// configuration. It is the only fatal startup condition of a search.
var ErrNoSeeds = errors.New("no seed configurations found")

// ValidationError reports a malformed configuration document.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// Decode parses and validates a configuration document.
func Decode(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every variable is named and appears once.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.LocalVar))
	for i, v := range c.LocalVar {
		if v.Function == "" {
			return &ValidationError{Field: fmt.Sprintf("localVar[%d].function", i), Reason: "cannot be empty"}
		}
		if v.Name == "" {
			return &ValidationError{Field: fmt.Sprintf("localVar[%d].name", i), Reason: "cannot be empty"}
		}
		if seen[v.Key()] {
			return &ValidationError{Field: fmt.Sprintf("localVar[%d]", i), Reason: "duplicates " + v.Key()}
		}
		seen[v.Key()] = true
	}
	return nil
}

// Load reads a configuration document from path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read configuration: %w", err)
	}
	cfg, err := Decode(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as an indented document, atomically via temp file + rename.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to serialize configuration: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	// A unique temp name lets concurrent writers target the same path.
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp configuration: %w", err)
	}
	tempPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp configuration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp configuration: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename configuration: %w", err)
	}
	return nil
}

// Seeds is the set of starting configurations of a search.
type Seeds struct {
	Dir      string
	Files    []string
	Configs  []Config
	Baseline Config
}

// LoadSeeds reads every *.json document in dir, sorted by filename.
// alldouble.json is preferred as baseline, else the first file. Unreadable
// documents and documents whose variables differ from the baseline's are
// skipped with a warning; ErrNoSeeds is returned when nothing usable remains.
func LoadSeeds(dir string) (*Seeds, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: directory %s does not exist", ErrNoSeeds, dir)
		}
		return nil, fmt.Errorf("failed to read seed directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	type loaded struct {
		name string
		cfg  Config
	}
	var docs []loaded
	baselineIdx := -1
	for _, name := range names {
		cfg, err := Load(filepath.Join(dir, name))
		if err != nil {
			slog.Warn("Skipping unreadable seed configuration", "file", name, "error", err)
			continue
		}
		if name == BaselineFile {
			baselineIdx = len(docs)
		}
		docs = append(docs, loaded{name, cfg})
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoSeeds, dir)
	}

	seeds := &Seeds{Dir: dir}
	if baselineIdx >= 0 {
		slog.Info("Using baseline configuration", "file", BaselineFile)
	} else {
		baselineIdx = 0
		slog.Info("Baseline file not found, using first configuration", "file", docs[0].name)
	}
	seeds.Baseline = docs[baselineIdx].cfg.Clone()

	// Every seed has to describe the baseline's variables.
	for _, doc := range docs {
		if !SameVariables(seeds.Baseline, doc.cfg) {
			slog.Warn("Skipping seed with a different variable set", "file", doc.name)
			continue
		}
		seeds.Files = append(seeds.Files, doc.name)
		seeds.Configs = append(seeds.Configs, doc.cfg)
	}

	return seeds, nil
}
