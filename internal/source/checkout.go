package source

import (
	"context"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/vk/stagegrid/internal/ctxlog"
)

// CheckoutOptions selects what Checkout puts in the working tree.
type CheckoutOptions struct {
	// Branch is cloned. Empty means the remote HEAD.
	Branch string
	// Revision is checked out when set. It must be reachable from Branch.
	Revision string
	// Shallow clones only the tip of the branch. A pinned revision that is
	// no longer the tip falls back to a full clone.
	Shallow bool
}

// Checkout clones url into dir and returns the commit it checked out. Dir
// must not hold a repository yet.
func Checkout(ctx context.Context, url, dir string, opts CheckoutOptions) (string, error) {
	logger := ctxlog.FromContext(ctx).With("url", url, "branch", opts.Branch)

	repo, err := clone(ctx, url, dir, opts.Branch, opts.Shallow)
	if err != nil {
		return "", err
	}
	if opts.Revision == "" {
		head, err := repo.Head()
		if err != nil {
			return "", fmt.Errorf("resolve HEAD of %s: %w", url, err)
		}
		logger.Debug("Source checked out.", "revision", head.Hash().String())
		return head.Hash().String(), nil
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(opts.Revision))
	if err != nil && opts.Shallow {
		logger.Debug("Pinned revision is not the branch tip, cloning full history.", "revision", opts.Revision)
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("reset checkout directory: %w", err)
		}
		if repo, err = clone(ctx, url, dir, opts.Branch, false); err != nil {
			return "", err
		}
		hash, err = repo.ResolveRevision(plumbing.Revision(opts.Revision))
	}
	if err != nil {
		return "", fmt.Errorf("revision %s of %s: %w", opts.Revision, url, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return "", fmt.Errorf("check out %s: %w", hash, err)
	}
	logger.Debug("Source checked out.", "revision", hash.String())
	return hash.String(), nil
}

func clone(ctx context.Context, url, dir, branch string, shallow bool) (*git.Repository, error) {
	opts := &git.CloneOptions{URL: url, Tags: git.NoTags}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}
	if shallow {
		opts.Depth = 1
		opts.SingleBranch = true
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", url, err)
	}
	return repo, nil
}
