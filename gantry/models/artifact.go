package models

import (
	"strings"
	"time"
)

// ArtifactReference points at a published image. It is only valid once the
// stage that produced it has a succeeded result; the store never holds an
// invalid one.
type ArtifactReference struct {
	Repository string    `json:"repository"`
	Digest     string    `json:"digest"`
	Tag        string    `json:"tag,omitempty"`
	Stage      string    `json:"stage"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
}

// DigestRef is the immutable, content addressed form: repo@sha256:...
func (a ArtifactReference) DigestRef() string {
	return a.Repository + "@" + a.Digest
}

// TagRef is the mutable human form: repo:tag
func (a ArtifactReference) TagRef() string {
	if a.Tag == "" {
		return a.Repository
	}
	return a.Repository + ":" + a.Tag
}

func (a ArtifactReference) IsZero() bool {
	return a.Repository == "" || a.Digest == ""
}

func (a ArtifactReference) HasDigest() bool {
	return strings.HasPrefix(a.Digest, "sha256:")
}

// ManifestUpdate records one committed substitution in a deployment
// descriptor.
type ManifestUpdate struct {
	Path      string    `json:"path"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Commit    string    `json:"commit"`
	Stage     string    `json:"stage"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}
