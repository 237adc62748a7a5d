package evolve

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"

	"github.com/cwbudde/mixprectune/internal/precision"
)

// FunctionPartition is the name of the partition grouping every variable
// of a function together.
const FunctionPartition = "group_by_function"

// VariableDepth is the deepest loop nest a variable is used in.
type VariableDepth struct {
	Function     string `json:"function" yaml:"function"`
	Name         string `json:"name" yaml:"name"`
	MaxLoopDepth int    `json:"max_loop_depth" yaml:"max_loop_depth"`
}

// LoadLoopDepths reads a loop-depth report, a list of functions with the
// variables they declare:
//
//	[{"function": "f", "variables": [{"name": "x", "max_loop_depth": 2}]}]
func LoadLoopDepths(path string) ([]VariableDepth, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read loop depth report: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("loop depth report %s is not valid JSON", path)
	}
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return nil, fmt.Errorf("loop depth report %s must be a list of functions", path)
	}

	var out []VariableDepth
	root.ForEach(func(_, fn gjson.Result) bool {
		function := fn.Get("function").String()
		fn.Get("variables").ForEach(func(_, v gjson.Result) bool {
			name := v.Get("name").String()
			if function != "" && name != "" {
				out = append(out, VariableDepth{
					Function:     function,
					Name:         name,
					MaxLoopDepth: int(v.Get("max_loop_depth").Int()),
				})
			}
			return true
		})
		return true
	})
	return out, nil
}

// Partition is a generated group document whose members keep their loop
// depth.
type Partition struct {
	Name   string
	Groups map[string][]VariableDepth
}

// GroupFile converts the partition for use by a search.
func (p *Partition) GroupFile() *GroupFile {
	gf := &GroupFile{Name: p.Name, Groups: make(map[string][]GroupMember, len(p.Groups))}
	for name, members := range p.Groups {
		for _, m := range members {
			gf.Groups[name] = append(gf.Groups[name], GroupMember{Function: m.Function, Name: m.Name})
		}
	}
	return gf
}

// VariableCount returns the number of members across all groups.
func (p *Partition) VariableCount() int {
	n := 0
	for _, members := range p.Groups {
		n += len(members)
	}
	return n
}

// Save writes the partition to dir as <Name>.json and returns the path.
func (p *Partition) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create group directory: %w", err)
	}
	data, err := json.MarshalIndent(p.Groups, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to encode partition %s: %w", p.Name, err)
	}
	path := filepath.Join(dir, p.Name+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write partition %s: %w", p.Name, err)
	}
	return path, nil
}

// PartitionByLoopDepth groups the variables of cfg listed in depths. The
// first partition groups them by function. It is followed by one
// group_depth_ge_<d> partition per depth d from 1 to the deepest nest,
// holding per function only the variables nested at least d loops deep.
// Depths without members are omitted; nil means no variable of cfg is
// listed.
func PartitionByLoopDepth(cfg precision.Config, depths []VariableDepth) []*Partition {
	idx := cfg.Index()
	seen := make(map[string]bool, len(depths))
	var kept []VariableDepth
	maxDepth := 0
	for _, d := range depths {
		key := GroupMember{Function: d.Function, Name: d.Name}.key()
		if _, ok := idx[key]; !ok || seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, d)
		maxDepth = max(maxDepth, d.MaxLoopDepth)
	}
	if len(kept) == 0 {
		return nil
	}

	byFunction := &Partition{Name: FunctionPartition, Groups: make(map[string][]VariableDepth)}
	for _, d := range kept {
		byFunction.Groups[d.Function] = append(byFunction.Groups[d.Function], d)
	}
	parts := []*Partition{byFunction}

	for depth := 1; depth <= maxDepth; depth++ {
		p := &Partition{Name: fmt.Sprintf("group_depth_ge_%d", depth), Groups: make(map[string][]VariableDepth)}
		for _, d := range kept {
			if d.MaxLoopDepth >= depth {
				p.Groups[d.Function] = append(p.Groups[d.Function], d)
			}
		}
		if len(p.Groups) > 0 {
			parts = append(parts, p)
		}
	}
	return parts
}
