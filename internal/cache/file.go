package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cwbudde/mixprectune/internal/precision"
)

// SchemaVersion is written into the metadata of every saved document.
const SchemaVersion = "2.0"

// ErrCorrupt marks a cache document that could not be decoded.
var ErrCorrupt = errors.New("corrupt cache document")

// timestampLayouts covers RFC 3339 and the zone-less ISO forms found in
// older cache files.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

type fileDocument struct {
	Hashes   []string              `json:"hashes"`
	Configs  map[string]fileRecord `json:"configs"`
	Metadata fileMetadata          `json:"metadata"`
}

type fileRecord struct {
	Config    precision.Config `json:"config"`
	Timestamp string           `json:"timestamp"`
	Hash      string           `json:"hash"`
	Fitness   *float64         `json:"fitness"`
	Kind      Kind             `json:"evaluation_type"`
	Failure   string           `json:"failure_reason,omitempty"`
	Transient bool             `json:"transient,omitempty"`
	Attempts  int              `json:"attempts,omitempty"`
}

type fileMetadata struct {
	TotalConfigs int    `json:"total_configs"`
	LastUpdated  string `json:"last_updated"`
	Version      string `json:"version"`
}

// fileBackend persists the cache as a single JSON document.
type fileBackend struct {
	path string
}

func (b *fileBackend) name() string     { return "file" }
func (b *fileBackend) location() string { return b.path }
func (b *fileBackend) close() error     { return nil }

func (b *fileBackend) stat() (bool, int64) {
	info, err := os.Stat(b.path)
	if err != nil {
		return false, 0
	}
	return true, info.Size()
}

func (b *fileBackend) load() (snapshot, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return snapshot{records: map[string]Record{}}, nil
		}
		return snapshot{}, fmt.Errorf("failed to read cache file: %w", err)
	}
	return decodeDocument(data)
}

func decodeDocument(data []byte) (snapshot, error) {
	snap := snapshot{records: make(map[string]Record)}
	if !gjson.ValidBytes(data) {
		return snapshot{}, fmt.Errorf("%w: invalid JSON", ErrCorrupt)
	}

	root := gjson.ParseBytes(data)
	switch {
	case root.IsArray():
		// Legacy format: a bare list of fingerprints without detail.
		for _, h := range root.Array() {
			if h.Type == gjson.String && h.Str != "" {
				snap.hashes = append(snap.hashes, h.Str)
			}
		}
		return snap, nil
	case root.IsObject():
	default:
		return snapshot{}, fmt.Errorf("%w: unexpected top-level %s", ErrCorrupt, root.Type)
	}

	root.Get("hashes").ForEach(func(_, h gjson.Result) bool {
		if h.Type == gjson.String && h.Str != "" {
			snap.hashes = append(snap.hashes, h.Str)
		}
		return true
	})

	root.Get("configs").ForEach(func(key, value gjson.Result) bool {
		rec, err := decodeRecord(key.String(), value)
		if err != nil {
			slog.Debug("Skipping undecodable cache record", "hash", key.String(), "error", err)
			snap.hashes = append(snap.hashes, key.String())
			return true
		}
		snap.records[rec.Hash] = rec
		return true
	})

	return snap, nil
}

func decodeRecord(key string, value gjson.Result) (Record, error) {
	rec := Record{Hash: key}
	if h := value.Get("hash"); h.Type == gjson.String && h.Str != "" {
		rec.Hash = h.Str
	}

	cfgRaw := value.Get("config")
	if !cfgRaw.Exists() {
		return Record{}, errors.New("missing config")
	}
	cfg, err := precision.Decode([]byte(cfgRaw.Raw))
	if err != nil {
		return Record{}, err
	}
	rec.Config = cfg

	if ts := value.Get("timestamp"); ts.Exists() {
		rec.Timestamp = parseTimestamp(ts.String())
	}

	if f := value.Get("fitness"); f.Type == gjson.Number {
		v := f.Float()
		rec.Fitness = &v
	}

	rec.Kind = Kind(value.Get("evaluation_type").String())
	switch rec.Kind {
	case KindActual, KindSurrogate, KindSkip, KindUntested, KindFailed:
	default:
		rec.Kind = KindUntested
	}
	// Older writers defaulted to "actual" before any fitness was known.
	if rec.Kind == KindActual && rec.Fitness == nil {
		rec.Kind = KindUntested
	}

	rec.Failure = value.Get("failure_reason").String()
	rec.Transient = value.Get("transient").Bool()
	rec.Attempts = int(value.Get("attempts").Int())
	return rec, nil
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (b *fileBackend) save(snap snapshot) error {
	doc := fileDocument{
		Hashes:  snap.hashes,
		Configs: make(map[string]fileRecord, len(snap.records)),
		Metadata: fileMetadata{
			TotalConfigs: len(snap.hashes),
			LastUpdated:  time.Now().Format(time.RFC3339Nano),
			Version:      SchemaVersion,
		},
	}
	if doc.Hashes == nil {
		doc.Hashes = []string{}
	}
	for h, rec := range snap.records {
		doc.Configs[h] = toFileRecord(rec)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize cache: %w", err)
	}

	if dir := filepath.Dir(b.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	tempPath := b.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp cache file: %w", err)
	}
	if err := os.Rename(tempPath, b.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

func toFileRecord(rec Record) fileRecord {
	fr := fileRecord{
		Config:    rec.Config,
		Hash:      rec.Hash,
		Kind:      rec.Kind,
		Failure:   rec.Failure,
		Transient: rec.Transient,
		Attempts:  rec.Attempts,
	}
	if !rec.Timestamp.IsZero() {
		fr.Timestamp = rec.Timestamp.Format(time.RFC3339Nano)
	}
	// JSON has no infinities; failures are carried by the kind.
	if rec.Fitness != nil && !math.IsInf(*rec.Fitness, 0) && !math.IsNaN(*rec.Fitness) {
		v := *rec.Fitness
		fr.Fitness = &v
	}
	return fr
}

func (b *fileBackend) clear() error {
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}
	slog.Info("Cache file deleted", "path", b.path)
	return nil
}
