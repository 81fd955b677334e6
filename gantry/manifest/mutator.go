// Package manifest rewrites image references in deployment descriptors
// kept in git, committing and pushing each change as one unit.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"tangled.sh/tangled.sh/gantry/gantry/models"
)

// Target names one file on one branch of a manifest repository.
type Target struct {
	Repository string
	Branch     string
	Path       string
	// Image selects the reference to replace when no literal old
	// reference is given.
	Image string
	Auth  transport.AuthMethod
}

func (t Target) String() string {
	return fmt.Sprintf("%s@%s:%s", t.Repository, t.Branch, t.Path)
}

// Repository reads and writes files in a manifest repository. Write
// commits and pushes content on top of the revision returned by the
// preceding Read, and returns ErrConflict if the branch moved meanwhile.
type Repository interface {
	Read(ctx context.Context, t Target) (content []byte, revision string, err error)
	Write(ctx context.Context, t Target, content []byte, message string) (commit string, err error)
}

// Verifier confirms that an artifact exists in its registry.
type Verifier interface {
	Verify(ctx context.Context, ref models.ArtifactReference) error
}

type VerifierFunc func(ctx context.Context, ref models.ArtifactReference) error

func (f VerifierFunc) Verify(ctx context.Context, ref models.ArtifactReference) error {
	return f(ctx, ref)
}

type Mutator struct {
	repo     Repository
	locker   Locker
	verifier Verifier
	l        *slog.Logger
}

type Option func(*Mutator)

func WithLocker(l Locker) Option {
	return func(m *Mutator) {
		m.locker = l
	}
}

func WithVerifier(v Verifier) Option {
	return func(m *Mutator) {
		m.verifier = v
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Mutator) {
		m.l = l
	}
}

func New(repo Repository, opts ...Option) *Mutator {
	m := &Mutator{
		repo:   repo,
		locker: NewLocalLocker(),
		l:      slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.l = m.l.With("component", "manifest")
	return m
}

// Apply replaces oldRef (or the single reference to t.Image when oldRef is
// empty) with the digest reference of newRef, then commits and pushes. A
// push rejected because the branch moved is retried once on a fresh read;
// a second rejection is a ConflictError.
func (m *Mutator) Apply(ctx context.Context, t Target, oldRef string, newRef models.ArtifactReference) (models.ManifestUpdate, error) {
	var update models.ManifestUpdate

	if newRef.IsZero() || !newRef.HasDigest() {
		return update, &MutationError{Path: t.Path, Err: fmt.Errorf("%w: %s has no content digest", ErrUnpublishedArtifact, newRef.TagRef())}
	}
	if m.verifier != nil {
		if err := m.verifier.Verify(ctx, newRef); err != nil {
			if errors.Is(err, ErrUnpublishedArtifact) {
				return update, &MutationError{Path: t.Path, Err: err}
			}
			return update, fmt.Errorf("verifying %s: %w", newRef.DigestRef(), err)
		}
	}

	unlock, err := m.locker.Lock(ctx, lockKey(t))
	if err != nil {
		return update, fmt.Errorf("locking %s: %w", lockKey(t), err)
	}
	defer unlock()

	l := m.l.With("target", t.String())
	newValue := newRef.DigestRef()

	const maxAttempts = 2
	var pushErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		content, revision, err := m.repo.Read(ctx, t)
		if err != nil {
			return update, fmt.Errorf("reading %s: %w", t, err)
		}

		sub, err := resolve(string(content), oldRef, t.Image, newValue)
		if err != nil {
			return update, &MutationError{Path: t.Path, Err: err}
		}

		msg := fmt.Sprintf("gantry: update %s to %s\n\nreplaces %s", t.Path, newValue, sub.old)
		commit, err := m.repo.Write(ctx, t, []byte(sub.apply(string(content))), msg)
		if err == nil {
			l.Info("manifest updated", "old", sub.old, "new", newValue, "commit", commit, "base", revision)
			return models.ManifestUpdate{
				Path:      t.Path,
				OldValue:  sub.old,
				NewValue:  newValue,
				Commit:    commit,
				CreatedAt: time.Now().UTC(),
			}, nil
		}
		if !errors.Is(err, ErrConflict) {
			return update, fmt.Errorf("writing %s: %w", t, err)
		}

		pushErr = err
		l.Warn("push rejected, re-fetching", "attempt", attempt, "error", err)
	}

	return update, &ConflictError{
		Repository: t.Repository,
		Branch:     t.Branch,
		Attempts:   maxAttempts,
		Err:        pushErr,
	}
}
