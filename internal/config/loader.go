package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vk/stagegrid/internal/ctxlog"
)

// Loader is the interface for a format-specific configuration loader.
type Loader interface {
	// Load reads the given files and translates them into the
	// format-agnostic model.
	Load(ctx context.Context, paths ...string) (*Model, error)
}

// Formats dispatches files to loaders by extension, e.g. ".hcl" or ".yaml".
type Formats map[string]Loader

// Load finds every file with a known extension under paths, loads each
// group with its loader and merges the results. The merged model is not
// validated.
func (f Formats) Load(ctx context.Context, paths ...string) (*Model, error) {
	logger := ctxlog.FromContext(ctx)

	exts := make([]string, 0, len(f))
	for ext := range f {
		exts = append(exts, ext)
	}
	files, err := FindFiles(paths, exts...)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no pipeline files found in %s", strings.Join(paths, ", "))
	}
	logger.Debug("Discovered pipeline files.", "count", len(files))

	byExt := make(map[string][]string)
	for _, file := range files {
		ext := strings.ToLower(filepath.Ext(file))
		byExt[ext] = append(byExt[ext], file)
	}

	model := &Model{}
	sort.Strings(exts)
	for _, ext := range exts {
		group := byExt[ext]
		if len(group) == 0 {
			continue
		}
		m, err := f[ext].Load(ctx, group...)
		if err != nil {
			return nil, err
		}
		model.Merge(m)
	}

	logger.Debug("Pipeline loading complete.", "stages", len(model.Stages), "agents", len(model.Agents), "sources", len(model.Sources))
	return model, nil
}

// FindFiles walks all given paths and returns a sorted, de-duplicated list of
// files with one of the extensions. Paths that do not exist are skipped.
func FindFiles(paths []string, exts ...string) ([]string, error) {
	match := func(p string) bool {
		ext := strings.ToLower(filepath.Ext(p))
		for _, e := range exts {
			if ext == e {
				return true
			}
		}
		return false
	}

	var allFiles []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, wasSeen := seen[p]; !wasSeen {
			allFiles = append(allFiles, p)
			seen[p] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}

		if !info.IsDir() {
			if match(path) {
				add(path)
			}
			continue
		}
		err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && match(p) {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(allFiles)
	return allFiles, nil
}
