package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Source locates one unit on disk.
type Source struct {
	// ID is the directory entry name, without the script extension for
	// single-file units.
	ID string
	// Path is the file or directory the unit was discovered at.
	Path string
	// Entry is the script to execute.
	Entry string
	// Root is the directory resources are resolved against. It is empty for
	// single-file units, which have no resources.
	Root string
	// Manifest is the parsed plugin.yaml, if any.
	Manifest *Manifest
}

// Loader turns a Source into a runnable Unit. The registry depends only on
// this interface; the JavaScript runtime is one implementation.
type Loader interface {
	Load(ctx context.Context, src Source) (*Unit, error)
}

// errSkip marks a directory entry that is not a unit at all.
var errSkip = errors.New("not a plugin unit")

// sources lists candidate units under dir in name order. A candidate whose
// layout is broken is returned with a non-nil error so it can be reported
// without aborting the scan.
func sources(dir string) ([]Source, []*LoadError, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read plugin directory %s: %w", dir, err)
	}
	var (
		out []Source
		bad []*LoadError
	)
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		path := filepath.Join(dir, name)
		src, err := inspect(path, entry)
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			bad = append(bad, &LoadError{Unit: src.ID, Path: path, Err: err})
			continue
		}
		out = append(out, src)
	}
	return out, bad, nil
}

// inspect classifies one directory entry.
func inspect(path string, entry fs.DirEntry) (Source, error) {
	name := entry.Name()
	if !entry.IsDir() {
		if filepath.Ext(name) != ScriptExt {
			return Source{}, errSkip
		}
		return Source{ID: strings.TrimSuffix(name, ScriptExt), Path: path, Entry: path}, nil
	}

	src := Source{ID: name, Path: path, Root: path}
	m, err := LoadManifest(path)
	if err != nil {
		return src, err
	}
	src.Manifest = m

	entryName := DefaultEntry
	if m != nil && m.Entry != "" {
		entryName = m.Entry
	}
	src.Entry = filepath.Join(path, entryName)
	info, err := os.Stat(src.Entry)
	switch {
	case errors.Is(err, fs.ErrNotExist) && m == nil:
		// A plain directory without an entry point is not a unit.
		return src, errSkip
	case err != nil:
		return src, fmt.Errorf("%w: %s", ErrNoEntryPoint, entryName)
	case info.IsDir():
		return src, fmt.Errorf("%w: %s is a directory", ErrNoEntryPoint, entryName)
	}
	return src, nil
}

// resolveResource confines name to the unit's root directory.
func resolveResource(root, name string) (string, error) {
	if root == "" {
		return "", errors.New("single-file plugins have no resources")
	}
	clean := filepath.FromSlash(name)
	if filepath.IsAbs(clean) || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("resource %q escapes the plugin directory", name)
	}
	return filepath.Join(root, clean), nil
}
