// Package cache records which configurations have been evaluated so that no
// fingerprint is ever paid for twice. State survives restarts through a
// pluggable backend (JSON document or SQLite).
package cache

import (
	"time"

	"github.com/cwbudde/mixprectune/internal/precision"
)

// Kind describes how a cached fitness value was obtained.
type Kind string

const (
	KindActual    Kind = "actual"
	KindSurrogate Kind = "surrogate"
	KindSkip      Kind = "skip"
	KindUntested  Kind = "untested"
	KindFailed    Kind = "failed"
)

// Record is the detail kept for one fingerprint.
type Record struct {
	Hash      string           `json:"hash"`
	Config    precision.Config `json:"config"`
	Timestamp time.Time        `json:"timestamp"`
	Fitness   *float64         `json:"fitness"`
	Kind      Kind             `json:"evaluation_type"`
	Failure   string           `json:"failure_reason,omitempty"`
	Transient bool             `json:"transient,omitempty"`
	Attempts  int              `json:"attempts,omitempty"`
}

// Measured reports whether the record carries a fitness from a real
// evaluation, failed or not, so that repeating it would be wasted work.
func (r Record) Measured() bool {
	switch r.Kind {
	case KindActual:
		return r.Fitness != nil
	case KindFailed:
		return !r.Transient
	default:
		return false
	}
}

// Store is the contract shared by the search components.
//
// Implementations must be safe for concurrent use. Claim is the only way
// for concurrent callers to reserve a fingerprint: at most one caller wins.
type Store interface {
	// IsTested reports whether cfg's fingerprint has been seen.
	IsTested(cfg precision.Config) bool

	// Claim atomically marks cfg as tested if it was not, reporting whether
	// the caller won the reservation.
	Claim(cfg precision.Config) bool

	// MarkTested records cfg with an optional fitness. Repeated calls update
	// the record and never duplicate the fingerprint.
	MarkTested(cfg precision.Config, fitness *float64, kind Kind)

	// MarkFailed records a failed evaluation of cfg.
	MarkFailed(cfg precision.Config, reason string, transient bool)

	// Lookup returns the record stored for cfg.
	Lookup(cfg precision.Config) (Record, bool)

	// Record returns the record stored for a fingerprint. Fingerprints
	// imported from the legacy format have no record.
	Record(hash string) (Record, bool)

	// Len returns the number of tested fingerprints.
	Len() int

	Load() error
	Save() error
	Clear() error
	Info() Info
	Close() error
}

// Info summarizes the cache for display.
type Info struct {
	Backend   string       `json:"backend"`
	Path      string       `json:"path"`
	Exists    bool         `json:"exists"`
	SizeBytes int64        `json:"sizeBytes"`
	Tested    int          `json:"tested"`
	Records   int          `json:"records"`
	ByKind    map[Kind]int `json:"byKind"`
}
