package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// FSBackend stores artifacts in a go-billy filesystem.
type FSBackend struct {
	fs billy.Filesystem
}

// NewFSBackend wraps an existing filesystem.
func NewFSBackend(fs billy.Filesystem) *FSBackend {
	return &FSBackend{fs: fs}
}

// NewLocalBackend stores artifacts below dir on the local disk.
func NewLocalBackend(dir string) (*FSBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create %s: %w", dir, err)
	}
	return &FSBackend{fs: osfs.New(dir)}, nil
}

// NewMemoryBackend stores artifacts in memory.
func NewMemoryBackend() *FSBackend {
	return &FSBackend{fs: memfs.New()}
}

func (b *FSBackend) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	if err := b.fs.MkdirAll(path.Dir(key), 0o755); err != nil {
		return fmt.Errorf("artifact: mkdir for %q: %w", key, err)
	}
	f, err := b.fs.Create(key)
	if err != nil {
		return fmt.Errorf("artifact: create %q: %w", key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("artifact: write %q: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("artifact: close %q: %w", key, err)
	}
	return nil
}

func (b *FSBackend) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := b.fs.Open(key)
	if err != nil {
		return nil, fmt.Errorf("artifact: open %q: %w", key, err)
	}
	return f, nil
}

func (b *FSBackend) List(_ context.Context, prefix string) ([]Object, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	if _, err := b.fs.Lstat(prefix); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifact: stat %q: %w", prefix, err)
	}

	var objects []Object
	err := util.Walk(b.fs, prefix, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			objects = append(objects, Object{Key: filepath.ToSlash(p), Size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: walk %q: %w", prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (b *FSBackend) DeletePrefix(_ context.Context, prefix string) error {
	prefix = strings.TrimSuffix(prefix, "/")
	if err := util.RemoveAll(b.fs, prefix); err != nil {
		return fmt.Errorf("artifact: remove %q: %w", prefix, err)
	}
	return nil
}
