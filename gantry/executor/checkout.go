package executor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// CheckoutAction clones the pipeline source into the run workspace and
// checks out the run revision. A workspace that already holds a clone,
// from an earlier attempt or a resumed run, is fetched instead.
type CheckoutAction struct{}

func NewCheckoutAction() *CheckoutAction {
	return &CheckoutAction{}
}

func (a *CheckoutAction) Run(ctx context.Context, step *Step) (*Output, error) {
	url := step.Def.Param("url")
	if url == "" {
		url = step.Run.SourceURL
	}
	if url == "" {
		return nil, Permanent(fmt.Errorf("checkout: no source url"))
	}
	branch := step.Def.Param("branch")
	if branch == "" {
		branch = step.Run.Branch
	}

	auth := gitAuth(step)
	workspace := step.Run.Workspace

	repo, err := git.PlainOpen(workspace)
	switch {
	case err == nil:
		step.Logger.Info("workspace already cloned, fetching", "url", url)
		err = repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: "origin",
			Auth:       auth,
			Force:      true,
			Progress:   step.Stdout,
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil, classifyGit(fmt.Errorf("fetching %s: %w", url, err))
		}

	default:
		if err := os.RemoveAll(workspace); err != nil {
			return nil, Permanent(err)
		}
		if err := os.MkdirAll(workspace, 0755); err != nil {
			return nil, Permanent(err)
		}

		step.Logger.Info("cloning source", "url", url, "branch", branch)
		cloneOpts := &git.CloneOptions{
			URL:      url,
			Auth:     auth,
			Progress: step.Stdout,
		}
		if branch != "" {
			cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(branch)
			cloneOpts.SingleBranch = true
		}
		repo, err = git.PlainCloneContext(ctx, workspace, false, cloneOpts)
		if err != nil {
			return nil, classifyGit(fmt.Errorf("cloning %s: %w", url, err))
		}
	}

	if step.Run.Revision == "" {
		return nil, nil
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(step.Run.Revision))
	if err != nil {
		// the revision may live on another branch than the one cloned
		err = repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: "origin",
			Auth:       auth,
			RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil, classifyGit(fmt.Errorf("fetching all branches: %w", err))
		}
		hash, err = repo.ResolveRevision(plumbing.Revision(step.Run.Revision))
		if err != nil {
			return nil, Permanent(fmt.Errorf("resolving revision %s: %w", step.Run.Revision, err))
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, Permanent(err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return nil, Permanent(fmt.Errorf("checking out %s: %w", hash, err))
	}

	fmt.Fprintf(step.Stdout, "checked out %s\n", hash)
	return nil, nil
}

func gitAuth(step *Step) transport.AuthMethod {
	token := step.Secret("GIT_TOKEN")
	if token == "" {
		return nil
	}
	user := step.Secret("GIT_USERNAME")
	if user == "" {
		user = "gantry"
	}
	return &http.BasicAuth{Username: user, Password: token}
}

// classifyGit marks answers from the remote about missing repositories or
// credentials as permanent, everything else as transient.
func classifyGit(err error) error {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, transport.ErrInvalidAuthMethod),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return Permanent(err)
	}
	return Transient(err)
}
