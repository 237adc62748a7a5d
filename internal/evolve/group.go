package evolve

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/mixprectune/internal/precision"
)

// DefaultGroupFiles are looked up, in order, inside a group directory.
var DefaultGroupFiles = []string{
	"group_depth_ge_1.json",
	"group_depth_ge_2.json",
	"group_depth_ge_3.json",
	"group_depth_ge_4.json",
	"group_by_function.json",
}

// GroupMember identifies one variable of a group.
type GroupMember struct {
	Function string `json:"function" yaml:"function"`
	Name     string `json:"name" yaml:"name"`
}

func (m GroupMember) key() string {
	return m.Function + "." + m.Name
}

// GroupFile maps a group name (usually a function) to its members. All
// members of a group are forced to share one precision tier.
type GroupFile struct {
	Name   string
	Groups map[string][]GroupMember
}

// LoadGroupFile reads a group document. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON.
func LoadGroupFile(path string) (*GroupFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read group file: %w", err)
	}

	groups := make(map[string][]GroupMember)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &groups)
	default:
		err = json.Unmarshal(data, &groups)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode group file %s: %w", path, err)
	}

	base := filepath.Base(path)
	return &GroupFile{
		Name:   strings.TrimSuffix(base, filepath.Ext(base)),
		Groups: groups,
	}, nil
}

// LoadGroupDir loads the named group files from dir (DefaultGroupFiles when
// names is empty). Missing or unreadable files are skipped with a warning.
func LoadGroupDir(dir string, names []string) []*GroupFile {
	if len(names) == 0 {
		names = DefaultGroupFiles
	}
	var files []*GroupFile
	for _, name := range names {
		path := filepath.Join(dir, name)
		gf, err := LoadGroupFile(path)
		if err != nil {
			slog.Warn("Skipping group file", "path", path, "error", err)
			continue
		}
		slog.Info("Loaded group file", "name", gf.Name, "groups", len(gf.Groups), "variables", gf.VariableCount())
		files = append(files, gf)
	}
	return files
}

// VariableCount returns the number of members across all groups.
func (g *GroupFile) VariableCount() int {
	n := 0
	for _, members := range g.Groups {
		n += len(members)
	}
	return n
}

// Clamp returns a copy of cfg where the members of every group are moved to
// the lowest tier any of them currently holds. Scalar and pointer forms are
// kept. Variables outside all groups are untouched.
func (g *GroupFile) Clamp(cfg precision.Config) precision.Config {
	out := cfg.Clone()
	idx := out.Index()

	names := make([]string, 0, len(g.Groups))
	for name := range g.Groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var positions []int
		lowest := precision.Double
		for _, m := range g.Groups[name] {
			pos, ok := idx[m.key()]
			if !ok {
				continue
			}
			positions = append(positions, pos)
			// Read from cfg so that groups sharing a member see the input tier.
			if tier := cfg.LocalVar[pos].Type.Tier; tier > lowest {
				lowest = tier
			}
		}
		for _, pos := range positions {
			out.LocalVar[pos].Type = out.LocalVar[pos].Type.WithTier(lowest)
		}
	}
	return out
}

// ClampAll applies Clamp to every member of pop in place.
func (g *GroupFile) ClampAll(pop []precision.Config) {
	for i := range pop {
		pop[i] = g.Clamp(pop[i])
	}
}
