// Package publisher pushes build output to an OCI registry under its
// content digest, and only then moves the human tag to it.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"tangled.sh/tangled.sh/gantry/gantry/models"
)

// BuildOutput is an image tarball (as written by `docker save`) and where
// it should go.
type BuildOutput struct {
	Tarball    string
	Repository string
	Tag        string
}

type Publisher struct {
	insecure bool
	options  []remote.Option
	l        *slog.Logger
}

type Option func(*Publisher)

// WithInsecure allows plain http registries.
func WithInsecure(insecure bool) Option {
	return func(p *Publisher) {
		p.insecure = insecure
	}
}

func WithRemoteOptions(opts ...remote.Option) Option {
	return func(p *Publisher) {
		p.options = append(p.options, opts...)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		p.l = l
	}
}

func New(opts ...Option) *Publisher {
	p := &Publisher{
		l: slog.Default(),
		// retries belong to the stage executor, not the registry client
		options: []remote.Option{
			remote.WithRetryBackoff(remote.Backoff{Duration: time.Second, Factor: 1, Steps: 1}),
		},
	}
	for _, o := range opts {
		o(p)
	}
	p.l = p.l.With("component", "publisher")
	return p
}

// Auth returns basic auth for username/password, or anonymous access when
// no username is set.
func Auth(username, password string) authn.Authenticator {
	if username == "" {
		return authn.Anonymous
	}
	return authn.FromConfig(authn.AuthConfig{Username: username, Password: password})
}

func (p *Publisher) remoteOptions(ctx context.Context, auth authn.Authenticator) []remote.Option {
	if auth == nil {
		auth = authn.Anonymous
	}
	opts := append([]remote.Option{}, p.options...)
	return append(opts, remote.WithContext(ctx), remote.WithAuth(auth))
}

func (p *Publisher) repository(repo string) (name.Repository, error) {
	var nameOpts []name.Option
	if p.insecure {
		nameOpts = append(nameOpts, name.Insecure)
	}
	return name.NewRepository(strings.TrimSpace(repo), nameOpts...)
}

// Publish pushes out under its digest, then points out.Tag at that digest.
// The digest is derived from the image content, so publishing the same
// tarball twice yields the same reference and the second push is skipped.
func (p *Publisher) Publish(ctx context.Context, out BuildOutput, auth authn.Authenticator) (models.ArtifactReference, error) {
	var ref models.ArtifactReference

	img, err := tarball.ImageFromPath(out.Tarball, nil)
	if err != nil {
		return ref, permanent("load", out.Tarball, err)
	}
	digest, err := img.Digest()
	if err != nil {
		return ref, permanent("digest", out.Tarball, err)
	}

	repo, err := p.repository(out.Repository)
	if err != nil {
		return ref, permanent("parse", out.Repository, err)
	}
	digestRef := repo.Digest(digest.String())
	opts := p.remoteOptions(ctx, auth)

	l := p.l.With("repository", out.Repository, "digest", digest.String())

	exists, err := p.head(digestRef, opts)
	if err != nil {
		return ref, classify("head", digestRef.String(), err)
	}
	if exists {
		l.Info("digest already published, skipping push")
	} else {
		if err := remote.Write(digestRef, img, opts...); err != nil {
			return ref, classify("push", digestRef.String(), err)
		}
		l.Info("pushed image by digest")
	}

	// the mutable tag only moves once the digest is in the registry
	if out.Tag != "" {
		tagRef := repo.Tag(out.Tag)
		if err := remote.Tag(tagRef, img, opts...); err != nil {
			return ref, classify("tag", tagRef.String(), err)
		}
		l.Info("updated tag", "tag", out.Tag)
	}

	return models.ArtifactReference{
		Repository: strings.TrimSpace(out.Repository),
		Digest:     digest.String(),
		Tag:        out.Tag,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Exists reports whether the registry holds a manifest under ref's digest.
func (p *Publisher) Exists(ctx context.Context, ref models.ArtifactReference, auth authn.Authenticator) (bool, error) {
	if !ref.HasDigest() {
		return false, fmt.Errorf("reference %s has no content digest", ref.TagRef())
	}
	repo, err := p.repository(ref.Repository)
	if err != nil {
		return false, err
	}
	ok, err := p.head(repo.Digest(ref.Digest), p.remoteOptions(ctx, auth))
	if err != nil {
		return false, classify("head", ref.DigestRef(), err)
	}
	return ok, nil
}

func (p *Publisher) head(ref name.Digest, opts []remote.Option) (bool, error) {
	desc, err := remote.Head(ref, opts...)
	if err != nil {
		var terr *transport.Error
		if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return desc.Digest.String() == ref.DigestStr(), nil
}
