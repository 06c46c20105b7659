// Package source watches version control sources for branch head changes.
//
// A Watcher polls a Lister for the current head of every branch and reports
// the branches whose head moved since the previous poll. The first poll only
// records a baseline so a restart does not re-trigger every branch.
package source

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/vk/stagegrid/internal/ctxlog"
)

// Change reports that a branch head of a source moved.
type Change struct {
	Source   string `json:"source"`
	Branch   string `json:"branch"`
	Revision string `json:"revision"`
}

// Lister returns the current head revision of every branch.
type Lister interface {
	Heads(ctx context.Context) (map[string]string, error)
}

// GitLister lists branch heads of a git repository. URL is either a local
// repository path or a remote URL.
type GitLister struct {
	URL string
}

// NewGitLister returns a lister for url.
func NewGitLister(url string) *GitLister {
	return &GitLister{URL: url}
}

func isRemote(url string) bool {
	return strings.Contains(url, "://") || strings.HasPrefix(url, "git@")
}

func (l *GitLister) Heads(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if isRemote(l.URL) {
		return l.remoteHeads(ctx)
	}
	return l.localHeads()
}

func (l *GitLister) localHeads() (map[string]string, error) {
	repo, err := git.PlainOpen(l.URL)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", l.URL, err)
	}
	refs, err := repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("list branches of %s: %w", l.URL, err)
	}
	defer refs.Close()

	heads := make(map[string]string)
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		heads[ref.Name().Short()] = ref.Hash().String()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list branches of %s: %w", l.URL, err)
	}
	return heads, nil
}

func (l *GitLister) remoteHeads(ctx context.Context) (map[string]string, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{l.URL},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list remote %s: %w", l.URL, err)
	}

	heads := make(map[string]string)
	for _, ref := range refs {
		if ref.Name().IsBranch() && ref.Type() == plumbing.HashReference {
			heads[ref.Name().Short()] = ref.Hash().String()
		}
	}
	return heads, nil
}

// Watcher reports branch head changes of one source.
type Watcher struct {
	name     string
	lister   Lister
	interval time.Duration

	mu    sync.Mutex
	heads map[string]string
}

// NewWatcher creates a watcher. Interval is used by Run.
func NewWatcher(name string, lister Lister, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watcher{name: name, lister: lister, interval: interval}
}

// Name returns the source name.
func (w *Watcher) Name() string {
	return w.name
}

// Poll lists the heads and returns the branches that were created or moved
// since the previous poll, sorted by branch. The first poll returns nothing.
func (w *Watcher) Poll(ctx context.Context) ([]Change, error) {
	heads, err := w.lister.Heads(ctx)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.heads == nil {
		w.heads = heads
		ctxlog.FromContext(ctx).Debug("Source baseline recorded.", "source", w.name, "branches", len(heads))
		return nil, nil
	}

	var changes []Change
	for branch, rev := range heads {
		if w.heads[branch] != rev {
			changes = append(changes, Change{Source: w.name, Branch: branch, Revision: rev})
		}
	}
	w.heads = heads
	sort.Slice(changes, func(i, j int) bool { return changes[i].Branch < changes[j].Branch })
	return changes, nil
}

// Run polls every interval and hands each change to notify until ctx is
// done. Poll errors are logged and retried on the next tick.
func (w *Watcher) Run(ctx context.Context, notify func(context.Context, Change)) error {
	logger := ctxlog.FromContext(ctx).With("source", w.name)
	logger.Info("Watching source.", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		changes, err := w.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn("Polling source failed.", "error", err)
		}
		for _, c := range changes {
			logger.Info("Branch head moved.", "branch", c.Branch, "revision", c.Revision)
			notify(ctx, c)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// MatchBranch evaluates an ordered branch predicate. Rules look like
// "+:<glob>" or "-:<glob>"; a bare glob includes. The last matching rule
// decides. An empty predicate matches every branch.
func MatchBranch(rules []string, branch string) bool {
	if len(rules) == 0 {
		return true
	}
	branch = strings.TrimPrefix(branch, "refs/heads/")

	matched := false
	for _, rule := range rules {
		include := true
		pattern := rule
		switch {
		case strings.HasPrefix(rule, "+:"):
			pattern = rule[2:]
		case strings.HasPrefix(rule, "-:"):
			include = false
			pattern = rule[2:]
		}
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			matched = include
		}
	}
	return matched
}
