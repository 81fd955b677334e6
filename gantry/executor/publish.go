package executor

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/authn"
	"tangled.sh/tangled.sh/gantry/gantry/models"
	"tangled.sh/tangled.sh/gantry/gantry/publisher"
)

// PublishAction pushes an image tarball from the workspace through the
// artifact publisher.
type PublishAction struct {
	publisher *publisher.Publisher
}

func NewPublishAction(p *publisher.Publisher) *PublishAction {
	return &PublishAction{publisher: p}
}

func registryAuth(step *Step) authn.Authenticator {
	return publisher.Auth(step.Secret("REGISTRY_USERNAME"), step.Secret("REGISTRY_PASSWORD"))
}

func (a *PublishAction) Run(ctx context.Context, step *Step) (*Output, error) {
	tarball := step.Def.Param("tarball")
	if !filepath.IsAbs(tarball) {
		if !filepath.IsLocal(tarball) {
			return nil, Permanent(fmt.Errorf("tarball %q escapes the workspace", tarball))
		}
		tarball = filepath.Join(step.Run.Workspace, tarball)
	}

	out := publisher.BuildOutput{
		Tarball:    tarball,
		Repository: step.Def.Param("repository"),
		Tag:        step.Def.Param("tag"),
	}
	fmt.Fprintf(step.Stdout, "publishing %s to %s\n", step.Def.Param("tarball"), out.Repository)

	ref, err := a.publisher.Publish(ctx, out, registryAuth(step))
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(step.Stdout, "published %s\n", ref.DigestRef())
	if ref.Tag != "" {
		fmt.Fprintf(step.Stdout, "tagged %s\n", ref.TagRef())
	}
	return &Output{Artifact: &ref}, nil
}

// registryVerifier checks that an artifact is really in the registry before
// a manifest may point at it.
type registryVerifier struct {
	publisher *publisher.Publisher
	auth      authn.Authenticator
}

func (v registryVerifier) Verify(ctx context.Context, ref models.ArtifactReference) error {
	ok, err := v.publisher.Exists(ctx, ref, v.auth)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not in the registry", ref.DigestRef())
	}
	return nil
}
