package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GitRepository keeps one working clone per (repository, branch) under
// workDir. Callers serialize access per target; the Mutator does so with
// its Locker.
type GitRepository struct {
	workDir     string
	authorName  string
	authorEmail string
}

type GitOption func(*GitRepository)

func WithAuthor(name, email string) GitOption {
	return func(g *GitRepository) {
		if name != "" {
			g.authorName = name
		}
		if email != "" {
			g.authorEmail = email
		}
	}
}

func NewGitRepository(workDir string, opts ...GitOption) *GitRepository {
	g := &GitRepository{
		workDir:     workDir,
		authorName:  "gantry",
		authorEmail: "gantry@localhost",
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *GitRepository) dir(t Target) string {
	sum := sha256.Sum256([]byte(lockKey(t)))
	return filepath.Join(g.workDir, hex.EncodeToString(sum[:8]))
}

func remoteRef(branch string) plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName("origin", branch)
}

// open returns the working clone for t, synced hard to the remote branch.
func (g *GitRepository) open(ctx context.Context, t Target) (*git.Repository, *plumbing.Hash, error) {
	dir := g.dir(t)

	repo, err := git.PlainOpen(dir)
	if err != nil {
		if err := os.RemoveAll(dir); err != nil {
			return nil, nil, err
		}
		repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:           t.Repository,
			Auth:          t.Auth,
			ReferenceName: plumbing.NewBranchReferenceName(t.Branch),
			SingleBranch:  true,
		})
		if err != nil {
			os.RemoveAll(dir)
			return nil, nil, fmt.Errorf("failed to clone repository: %w", err)
		}
	} else {
		err = repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: "origin",
			Auth:       t.Auth,
			Force:      true,
			RefSpecs: []config.RefSpec{
				config.RefSpec(fmt.Sprintf("+refs/heads/%s:%s", t.Branch, remoteRef(t.Branch))),
			},
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil, nil, fmt.Errorf("failed to fetch: %w", err)
		}
	}

	ref, err := repo.Reference(remoteRef(t.Branch), true)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving origin/%s: %w", t.Branch, err)
	}
	hash := ref.Hash()
	if err := g.reset(repo, t.Branch, hash); err != nil {
		return nil, nil, err
	}
	return repo, &hash, nil
}

// reset points the local branch at hash and makes the worktree match it,
// discarding anything a failed write left behind.
func (g *GitRepository) reset(repo *git.Repository, branch string, hash plumbing.Hash) error {
	local := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), hash)
	if err := repo.Storer.SetReference(local); err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, local.Name())); err != nil {
		return err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting worktree: %w", err)
	}
	return nil
}

func (g *GitRepository) file(t Target) (string, error) {
	if !filepath.IsLocal(t.Path) {
		return "", fmt.Errorf("path %q escapes the repository", t.Path)
	}
	return filepath.Join(g.dir(t), t.Path), nil
}

func (g *GitRepository) Read(ctx context.Context, t Target) ([]byte, string, error) {
	_, hash, err := g.open(ctx, t)
	if err != nil {
		return nil, "", err
	}
	p, err := g.file(t)
	if err != nil {
		return nil, "", err
	}
	content, err := os.ReadFile(p)
	if err != nil {
		return nil, "", err
	}
	return content, hash.String(), nil
}

// Write stages, commits and pushes content. The push is never forced; a
// rejection leaves the remote untouched and the local clone is reset to
// the remote branch.
func (g *GitRepository) Write(ctx context.Context, t Target, content []byte, message string) (string, error) {
	dir := g.dir(t)
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("opening working clone: %w", err)
	}
	base, err := repo.Reference(remoteRef(t.Branch), true)
	if err != nil {
		return "", err
	}

	p, err := g.file(t)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(p, content, 0644); err != nil {
		return "", err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	if _, err := wt.Add(filepath.ToSlash(t.Path)); err != nil {
		return "", fmt.Errorf("staging %s: %w", t.Path, err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  g.authorName,
			Email: g.authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		g.reset(repo, t.Branch, base.Hash())
		return "", fmt.Errorf("committing: %w", err)
	}

	branch := plumbing.NewBranchReferenceName(t.Branch)
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		Auth:       t.Auth,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("%s:%s", branch, branch))},
	})
	if err != nil {
		if rerr := g.reset(repo, t.Branch, base.Hash()); rerr != nil {
			return "", errors.Join(err, rerr)
		}
		if isRejected(err) {
			return "", fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return "", fmt.Errorf("pushing: %w", err)
	}

	// keep origin/<branch> in step with what we just pushed
	_ = repo.Storer.SetReference(plumbing.NewHashReference(remoteRef(t.Branch), hash))

	return hash.String(), nil
}

func isRejected(err error) bool {
	if errors.Is(err, git.ErrNonFastForwardUpdate) || errors.Is(err, git.ErrForceNeeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "non-fast-forward") ||
		strings.Contains(msg, "fetch first") ||
		strings.Contains(msg, "rejected")
}
