package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/moby/patternmatcher"

	"github.com/vk/stagegrid/internal/stage"
)

// File is a published artifact, addressed relative to its run.
type File struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// MismatchError reports artifact rules that matched no files in the
// workspace of a run.
type MismatchError struct {
	RunID    string
	Patterns []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("run %s: artifact rules matched no files: %s", e.RunID, strings.Join(e.Patterns, ", "))
}

// Store publishes and retrieves run artifacts.
type Store struct {
	backend Backend
}

// NewStore returns a store writing to backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

type ruleMatcher struct {
	pattern string
	target  string
	pm      *patternmatcher.PatternMatcher
}

// dest is where a matched workspace file is stored.
func (m *ruleMatcher) dest(rel string) string {
	if m.target == "" {
		return rel
	}
	return stage.Rebase(rel, m.pattern, m.target)
}

func compileRule(rule stage.ArtifactRule) (*ruleMatcher, error) {
	patterns := make([]string, 0, 1+len(rule.Exclude))
	patterns = append(patterns, rule.Pattern)
	for _, ex := range rule.Exclude {
		patterns = append(patterns, "!"+ex)
	}
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("artifact: compile rule %q: %w", rule.Pattern, err)
	}
	return &ruleMatcher{pattern: rule.Pattern, target: rule.Target, pm: pm}, nil
}

func matchPattern(pattern string) (*patternmatcher.PatternMatcher, error) {
	if pattern == "" {
		pattern = "**"
	}
	pm, err := patternmatcher.New([]string{pattern})
	if err != nil {
		return nil, fmt.Errorf("artifact: compile pattern %q: %w", pattern, err)
	}
	return pm, nil
}

// Publish copies every workspace file selected by at least one rule into
// the store under runID, below the rule's target when it has one. When some
// rules select nothing, the files that did match are still published and a
// *MismatchError is returned alongside them.
func (s *Store) Publish(ctx context.Context, runID string, workspace billy.Filesystem, rules []stage.ArtifactRule) ([]File, error) {
	matchers := make([]*ruleMatcher, 0, len(rules))
	for _, rule := range rules {
		m, err := compileRule(rule)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	if len(matchers) == 0 {
		return nil, nil
	}

	hits := make([]int, len(matchers))
	var files []File
	stored := make(map[string]int)
	err := util.Walk(workspace, ".", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel := filepath.ToSlash(p)

		var dests []string
		for i, m := range matchers {
			ok, err := m.pm.MatchesOrParentMatches(rel)
			if err != nil {
				return fmt.Errorf("match %q against %q: %w", rel, m.pattern, err)
			}
			if !ok {
				continue
			}
			hits[i]++
			if dest := m.dest(rel); !slices.Contains(dests, dest) {
				dests = append(dests, dest)
			}
		}

		for _, dest := range dests {
			if err := s.upload(ctx, workspace, rel, key(runID, dest), info.Size()); err != nil {
				return err
			}
			if i, ok := stored[dest]; ok {
				files[i].Size = info.Size()
				continue
			}
			stored[dest] = len(files)
			files = append(files, File{Path: dest, Size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return files, fmt.Errorf("artifact: publish run %s: %w", runID, err)
	}

	var missing []string
	for i, n := range hits {
		if n == 0 {
			missing = append(missing, matchers[i].pattern)
		}
	}
	if len(missing) > 0 {
		return files, &MismatchError{RunID: runID, Patterns: missing}
	}
	return files, nil
}

func (s *Store) upload(ctx context.Context, workspace billy.Filesystem, rel, key string, size int64) error {
	f, err := workspace.Open(rel)
	if err != nil {
		return fmt.Errorf("open %q: %w", rel, err)
	}
	defer f.Close()
	return s.backend.Put(ctx, key, f, size)
}

func key(runID, rel string) string {
	return runID + "/" + rel
}

// Files lists the artifacts of a run selected by pattern. An empty pattern
// selects everything.
func (s *Store) Files(ctx context.Context, runID, pattern string) ([]File, error) {
	pm, err := matchPattern(pattern)
	if err != nil {
		return nil, err
	}
	objects, err := s.backend.List(ctx, runID+"/")
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(objects))
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, runID+"/")
		ok, err := pm.MatchesOrParentMatches(rel)
		if err != nil {
			return nil, fmt.Errorf("artifact: match %q: %w", rel, err)
		}
		if ok {
			files = append(files, File{Path: rel, Size: obj.Size})
		}
	}
	return files, nil
}

// Open returns a reader for one artifact of a run.
func (s *Store) Open(ctx context.Context, runID, rel string) (io.ReadCloser, error) {
	return s.backend.Open(ctx, key(runID, rel))
}

// Materialize copies the artifacts of runID selected by pattern into dst.
// With a dir, files land below it relative to the literal prefix of pattern;
// an empty dir keeps their published paths.
func (s *Store) Materialize(ctx context.Context, runID, pattern string, dst billy.Filesystem, dir string) ([]File, error) {
	files, err := s.Files(ctx, runID, pattern)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		target := f.Path
		if dir != "" && path.Clean(dir) != "." {
			target = stage.Rebase(f.Path, pattern, dir)
		}
		if err := s.copyOut(ctx, runID, f.Path, dst, target); err != nil {
			return nil, fmt.Errorf("artifact: materialize %s from run %s: %w", f.Path, runID, err)
		}
	}
	return files, nil
}

func (s *Store) copyOut(ctx context.Context, runID, rel string, dst billy.Filesystem, target string) error {
	src, err := s.backend.Open(ctx, key(runID, rel))
	if err != nil {
		return err
	}
	defer src.Close()

	if err := dst.MkdirAll(path.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := dst.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// Delete removes every artifact of a run.
func (s *Store) Delete(ctx context.Context, runID string) error {
	return s.backend.DeletePrefix(ctx, runID+"/")
}
