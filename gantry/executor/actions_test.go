package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/gantry/gantry/manifest"
	"tangled.sh/tangled.sh/gantry/gantry/models"
)

// sourceRepo creates a repository with two commits on main and returns its
// path and both hashes.
func sourceRepo(t *testing.T) (string, plumbing.Hash, plumbing.Hash) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "hello-flask")
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	commit := func(content string) plumbing.Hash {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte(content), 0644))
		_, err := wt.Add("app.py")
		require.NoError(t, err)
		h, err := wt.Commit("app", &git.CommitOptions{
			Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
		})
		require.NoError(t, err)
		return h
	}
	first := commit("print('v1')\n")
	second := commit("print('v2')\n")
	return dir, first, second
}

func TestCheckoutAction(t *testing.T) {
	src, first, second := sourceRepo(t)
	env := newTestEnv(t, WithAction(models.ActionCheckout, NewCheckoutAction()))
	env.rc.SourceURL = src
	env.rc.Branch = "main"
	env.rc.Revision = first.String()

	def := models.StageDefinition{Name: "checkout", Action: models.ActionCheckout, Timeout: 30 * time.Second}

	res := env.exec.Execute(context.Background(), def, env.rc).Result
	require.Equal(t, models.StageSucceeded, res.Status, res.Error)

	content, err := os.ReadFile(filepath.Join(env.rc.Workspace, "app.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('v1')\n", string(content))

	// a second checkout into the same workspace fetches instead of cloning
	env.rc.Revision = second.String()
	res = env.exec.Execute(context.Background(), def, env.rc).Result
	require.Equal(t, models.StageSucceeded, res.Status, res.Error)
	content, err = os.ReadFile(filepath.Join(env.rc.Workspace, "app.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('v2')\n", string(content))
}

func TestCheckoutActionUnknownRevision(t *testing.T) {
	src, _, _ := sourceRepo(t)
	env := newTestEnv(t, WithAction(models.ActionCheckout, NewCheckoutAction()))
	env.rc.SourceURL = src
	env.rc.Branch = "main"
	env.rc.Revision = strings.Repeat("f", 40)

	def := models.StageDefinition{Name: "checkout", Action: models.ActionCheckout, Timeout: 30 * time.Second, Retries: 2}
	res := env.exec.Execute(context.Background(), def, env.rc).Result
	assert.Equal(t, models.StageFailed, res.Status)
	assert.Equal(t, models.ReasonPermanent, res.Reason)
	assert.Equal(t, 1, res.Attempts)
}

func TestCheckoutActionNoSource(t *testing.T) {
	env := newTestEnv(t, WithAction(models.ActionCheckout, NewCheckoutAction()))
	def := models.StageDefinition{Name: "checkout", Action: models.ActionCheckout, Timeout: time.Second}
	res := env.exec.Execute(context.Background(), def, env.rc).Result
	assert.Equal(t, models.StageFailed, res.Status)
	assert.Contains(t, res.Error, "no source url")
}

func TestPickArtifact(t *testing.T) {
	a := models.ArtifactReference{Repository: "acme/a", Digest: "sha256:a", Stage: "push-a"}
	b := models.ArtifactReference{Repository: "acme/b", Digest: "sha256:b", Stage: "push-b"}

	_, err := pickArtifact(nil, "")
	assert.ErrorIs(t, err, manifest.ErrUnpublishedArtifact)

	got, err := pickArtifact(map[string]models.ArtifactReference{"push-a": a}, "")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	both := map[string]models.ArtifactReference{"push-a": a, "push-b": b}
	_, err = pickArtifact(both, "")
	assert.ErrorIs(t, err, manifest.ErrAmbiguousReference)

	got, err = pickArtifact(both, "push-b")
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = pickArtifact(both, "push-c")
	assert.ErrorIs(t, err, manifest.ErrUnpublishedArtifact)
}

// recordingRepo is a manifest.Repository over a single string.
type recordingRepo struct {
	content string
	commits int
}

func (r *recordingRepo) Read(ctx context.Context, t manifest.Target) ([]byte, string, error) {
	return []byte(r.content), "base", nil
}

func (r *recordingRepo) Write(ctx context.Context, t manifest.Target, content []byte, message string) (string, error) {
	r.content = string(content)
	r.commits++
	return "c1", nil
}

func TestManifestAction(t *testing.T) {
	repo := &recordingRepo{content: "image: docker.io/acme/hello-flask:v1\n"}
	env := newTestEnv(t, WithAction(models.ActionUpdateManifest, NewManifestAction(repo, nil, nil)))

	def := models.StageDefinition{
		Name:    "update-manifest",
		Action:  models.ActionUpdateManifest,
		Timeout: time.Second,
		Retries: 3,
		With: map[string]string{
			"repository": "https://example.com/manifests.git",
			"file":       "deploy/deployment.yaml",
			"image":      "docker.io/acme/hello-flask",
		},
	}

	t.Run("without a published artifact nothing is committed", func(t *testing.T) {
		out := env.exec.Execute(context.Background(), def, env.rc)
		assert.Equal(t, models.StageFailed, out.Result.Status)
		assert.Equal(t, 1, out.Result.Attempts)
		assert.Nil(t, out.Manifest)
		assert.Zero(t, repo.commits)
	})

	t.Run("with an artifact", func(t *testing.T) {
		rc := env.rc
		rc.Artifacts = map[string]models.ArtifactReference{
			"push": {Repository: "docker.io/acme/hello-flask", Digest: "sha256:" + strings.Repeat("1", 64), Stage: "push"},
		}
		out := env.exec.Execute(context.Background(), def, rc)
		require.Equal(t, models.StageSucceeded, out.Result.Status, out.Result.Error)
		require.NotNil(t, out.Manifest)
		assert.Equal(t, "update-manifest", out.Manifest.Stage)
		assert.Equal(t, "docker.io/acme/hello-flask:v1", out.Manifest.OldValue)
		assert.Equal(t, "c1", out.Manifest.Commit)
		assert.Equal(t, 1, repo.commits)

		// again: the old reference is gone, no duplicate commit
		out = env.exec.Execute(context.Background(), def, rc)
		assert.Equal(t, models.StageFailed, out.Result.Status)
		assert.Contains(t, out.Result.Error, manifest.ErrReferenceNotFound.Error())
		assert.Equal(t, 1, repo.commits)
	})
}
