package cache

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
)

const (
	// DefaultFileName is the cache document kept in the output directory.
	DefaultFileName = "tested_configs_cache.json"

	// DefaultDBName is the SQLite cache kept in the output directory.
	DefaultDBName = "tested_configs_cache.db"
)

// Options selects and configures a cache backend.
type Options struct {
	// Backend is "file" (default), "sqlite" or "memory".
	Backend string

	// Path of the backing file. Empty means the default name inside Dir.
	Path string
	Dir  string

	Policy Policy
}

// ResolvedPath returns the file the options point at ("" for memory).
func (o Options) ResolvedPath() string {
	if o.Path != "" {
		return o.Path
	}
	switch o.Backend {
	case "memory":
		return ""
	case "sqlite":
		return filepath.Join(o.Dir, DefaultDBName)
	default:
		return filepath.Join(o.Dir, DefaultFileName)
	}
}

// Open creates a cache for opts and loads its persisted state. Unreadable
// state is logged and the cache starts empty; only an unusable backend
// configuration is an error.
func Open(opts Options) (*Cache, error) {
	path := opts.ResolvedPath()

	var b backend
	switch opts.Backend {
	case "", "file":
		b = &fileBackend{path: path}
	case "sqlite":
		sb := &sqliteBackend{path: path}
		if err := sb.init(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to open sqlite cache %s: %w", path, err)
		}
		b = sb
	case "memory":
		return NewMemory(opts.Policy), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", opts.Backend)
	}

	c := newCache(b, opts.Policy)
	if err := c.Load(); err != nil {
		slog.Warn("Failed to load cache, starting empty", "path", path, "error", err)
	}
	return c, nil
}
