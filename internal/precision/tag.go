package precision

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tier is a precision level along the lowering axis double -> float -> half.
type Tier int

const (
	Double Tier = iota
	Float
	Half
)

// Tiers lists every tier from highest to lowest precision.
var Tiers = []Tier{Double, Float, Half}

func (t Tier) String() string {
	switch t {
	case Double:
		return "double"
	case Float:
		return "float"
	case Half:
		return "half"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Tag is a precision tier in scalar or pointer form, e.g. "float" or "half*".
type Tag struct {
	Tier    Tier
	Pointer bool
}

// ParseTag parses the textual form used in configuration documents.
// Unknown tags are rejected.
func ParseTag(s string) (Tag, error) {
	base := strings.TrimSuffix(s, "*")
	pointer := base != s
	for _, tier := range Tiers {
		if tier.String() == base {
			return Tag{Tier: tier, Pointer: pointer}, nil
		}
	}
	return Tag{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown precision tag %q", s)}
}

// MustParseTag is ParseTag for literals known to be valid.
func MustParseTag(s string) Tag {
	tag, err := ParseTag(s)
	if err != nil {
		panic(err)
	}
	return tag
}

func (t Tag) String() string {
	if t.Pointer {
		return t.Tier.String() + "*"
	}
	return t.Tier.String()
}

// WithTier returns the tag moved to tier, keeping its scalar/pointer form.
func (t Tag) WithTier(tier Tier) Tag {
	return Tag{Tier: tier, Pointer: t.Pointer}
}

// TagsOfKind returns all tags sharing the given form.
func TagsOfKind(pointer bool) []Tag {
	tags := make([]Tag, len(Tiers))
	for i, tier := range Tiers {
		tags[i] = Tag{Tier: tier, Pointer: pointer}
	}
	return tags
}

func (t Tag) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Tag) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTag(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
