package executor

import (
	"context"
	"fmt"
	"sort"

	"tangled.sh/tangled.sh/gantry/gantry/manifest"
	"tangled.sh/tangled.sh/gantry/gantry/models"
	"tangled.sh/tangled.sh/gantry/gantry/publisher"
)

// ManifestAction points a deployment descriptor at an artifact published
// earlier in the same run.
type ManifestAction struct {
	repo      manifest.Repository
	locker    manifest.Locker
	publisher *publisher.Publisher
}

// NewManifestAction builds the action. The locker is shared by every run
// so pushes to one branch are serialized. A nil publisher skips the
// registry check.
func NewManifestAction(repo manifest.Repository, locker manifest.Locker, p *publisher.Publisher) *ManifestAction {
	if locker == nil {
		locker = manifest.NewLocalLocker()
	}
	return &ManifestAction{repo: repo, locker: locker, publisher: p}
}

func (a *ManifestAction) Run(ctx context.Context, step *Step) (*Output, error) {
	def := step.Def

	artifact, err := pickArtifact(step.Run.Artifacts, def.Param("artifact"))
	if err != nil {
		return nil, Permanent(err)
	}

	opts := []manifest.Option{
		manifest.WithLocker(a.locker),
		manifest.WithLogger(step.Logger),
	}
	if a.publisher != nil {
		v := registryVerifier{publisher: a.publisher, auth: registryAuth(step)}
		opts = append(opts, manifest.WithVerifier(manifest.VerifierFunc(func(ctx context.Context, ref models.ArtifactReference) error {
			if err := v.Verify(ctx, ref); err != nil {
				if IsTransient(err) {
					return err
				}
				return fmt.Errorf("%w: %v", manifest.ErrUnpublishedArtifact, err)
			}
			return nil
		})))
	}
	m := manifest.New(a.repo, opts...)

	target := manifest.Target{
		Repository: def.Param("repository"),
		Branch:     def.Param("branch"),
		Path:       def.Param("file"),
		Image:      def.Param("image"),
		Auth:       gitAuth(step),
	}
	if target.Branch == "" {
		target.Branch = "main"
	}

	fmt.Fprintf(step.Stdout, "updating %s to %s\n", target, artifact.DigestRef())
	update, err := m.Apply(ctx, target, def.Param("old"), artifact)
	if err != nil {
		if IsTransient(err) {
			return nil, Transient(err)
		}
		return nil, Permanent(err)
	}

	fmt.Fprintf(step.Stdout, "replaced %s with %s in commit %s\n", update.OldValue, update.NewValue, update.Commit)
	return &Output{Manifest: &update}, nil
}

// pickArtifact selects the artifact to deploy. With several published
// artifacts the producing stage must be named.
func pickArtifact(artifacts map[string]models.ArtifactReference, stage string) (models.ArtifactReference, error) {
	if stage != "" {
		a, ok := artifacts[stage]
		if !ok {
			return a, fmt.Errorf("%w: stage %q published no artifact in this run", manifest.ErrUnpublishedArtifact, stage)
		}
		return a, nil
	}

	switch len(artifacts) {
	case 0:
		return models.ArtifactReference{}, fmt.Errorf("%w: no artifact was published in this run", manifest.ErrUnpublishedArtifact)
	case 1:
		for _, a := range artifacts {
			return a, nil
		}
	}

	stages := make([]string, 0, len(artifacts))
	for s := range artifacts {
		stages = append(stages, s)
	}
	sort.Strings(stages)
	return models.ArtifactReference{}, fmt.Errorf("%w: several artifacts published (%v), set with.artifact", manifest.ErrAmbiguousReference, stages)
}
