// Package precision models per-variable precision assignments and their
// content fingerprints.
package precision

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
)

// Variable is one tracked floating-point variable and its assigned tag.
type Variable struct {
	Function string `json:"function"`
	Name     string `json:"name"`
	Type     Tag    `json:"type"`
}

// Key identifies the variable independently of its tag.
func (v Variable) Key() string {
	return v.Function + "." + v.Name
}

// Token is the canonical "function.name:tag" form of the assignment.
func (v Variable) Token() string {
	return v.Key() + ":" + v.Type.String()
}

// Config is one candidate assignment of precision tags to all tracked
// variables. The serialized form matches the configuration document
// consumed by the transform pass.
type Config struct {
	LocalVar []Variable `json:"localVar"`
}

// Clone returns an independent copy; population slots must never alias.
func (c Config) Clone() Config {
	vars := make([]Variable, len(c.LocalVar))
	copy(vars, c.LocalVar)
	return Config{LocalVar: vars}
}

// Len returns the number of tracked variables.
func (c Config) Len() int {
	return len(c.LocalVar)
}

// Canonical returns the sorted "function.name:tag" tokens of c.
// Two configurations are equal iff their canonical forms match.
func Canonical(c Config) []string {
	tokens := make([]string, len(c.LocalVar))
	for i, v := range c.LocalVar {
		tokens[i] = v.Token()
	}
	sort.Strings(tokens)
	return tokens
}

// Hash returns the hex MD5 digest of the canonical tokens joined by "|".
// The digest is stable across restarts and compatible with existing cache
// files.
func Hash(c Config) string {
	sum := md5.Sum([]byte(strings.Join(Canonical(c), "|")))
	return hex.EncodeToString(sum[:])
}

// Hash is a convenience wrapper around the package-level Hash.
func (c Config) Hash() string {
	return Hash(c)
}

// Equal reports whether a and b have identical canonical forms.
func Equal(a, b Config) bool {
	ca, cb := Canonical(a), Canonical(b)
	if len(ca) != len(cb) {
		return false
	}
	for i := range ca {
		if ca[i] != cb[i] {
			return false
		}
	}
	return true
}

// Index maps variable keys to their position in c.
func (c Config) Index() map[string]int {
	idx := make(map[string]int, len(c.LocalVar))
	for i, v := range c.LocalVar {
		idx[v.Key()] = i
	}
	return idx
}

// SameVariables reports whether a and b track the same (function, name)
// pairs, regardless of tags and order.
func SameVariables(a, b Config) bool {
	if len(a.LocalVar) != len(b.LocalVar) {
		return false
	}
	idx := a.Index()
	for _, v := range b.LocalVar {
		if _, ok := idx[v.Key()]; !ok {
			return false
		}
	}
	return true
}

// TierCounts returns how many variables sit at each tier.
func (c Config) TierCounts() map[Tier]int {
	counts := make(map[Tier]int, len(Tiers))
	for _, v := range c.LocalVar {
		counts[v.Type.Tier]++
	}
	return counts
}
