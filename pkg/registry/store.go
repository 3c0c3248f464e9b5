package registry

import (
	"context"

	"github.com/domaindetermine/governance/pkg/canonical"
	"github.com/domaindetermine/governance/pkg/errs"
)

// Registry is the artifact store facade: schema validation, CAS payload
// storage, the manifest index, and the status side-table behind one
// coherent Put/Get surface.
type Registry struct {
	validator *Validator
	blobs     BlobStore
	manifests *ManifestStore
	status    *StatusStore
}

// New assembles a Registry from its stores.
func New(validator *Validator, blobs BlobStore, manifests *ManifestStore, status *StatusStore) *Registry {
	return &Registry{
		validator: validator,
		blobs:     blobs,
		manifests: manifests,
		status:    status,
	}
}

// Put validates and persists an artifact: payload into CAS, manifest
// into the index. The manifest hash must match the payload bytes.
//
// The write order makes failures safe: a payload blob with no manifest
// is unreachable garbage, never a half-published artifact.
func (r *Registry) Put(ctx context.Context, m *Manifest, payload []byte) error {
	if err := r.validator.ValidateManifest(m); err != nil {
		return err
	}
	if err := r.validator.ValidatePayload(m.Class, payload); err != nil {
		return err
	}

	if got := canonical.HashBytes(payload); got != m.Hash {
		return errs.Newf(errs.SchemaViolation,
			"manifest hash %s does not match payload hash %s", m.Hash, got).
			WithRemediation("recompute the payload hash and update the manifest")
	}

	if _, err := r.blobs.Put(ctx, payload); err != nil {
		return errs.Wrap(errs.SourceUnavailable, err, "payload store write failed")
	}

	return r.manifests.Put(ctx, m)
}

// GetManifest loads a manifest by artifact id.
func (r *Registry) GetManifest(ctx context.Context, id string) (*Manifest, error) {
	return r.manifests.Get(ctx, id)
}

// GetPayload loads an artifact's payload and re-verifies it against the
// manifest hash. A mismatch means the stored bytes no longer reproduce
// the published content.
func (r *Registry) GetPayload(ctx context.Context, id string) ([]byte, *Manifest, error) {
	m, err := r.manifests.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	payload, err := r.blobs.Get(ctx, m.Hash)
	if err != nil {
		return nil, nil, errs.Wrap(errs.SourceUnavailable, err, "payload read failed")
	}
	if got := canonical.HashBytes(payload); got != m.Hash {
		return nil, nil, errs.Newf(errs.NondeterministicOutput,
			"payload for %s does not reproduce manifest hash %s", id, m.Hash)
	}
	return payload, m, nil
}

// Resolve maps a coordinate to its manifest.
func (r *Registry) Resolve(ctx context.Context, k Key) (*Manifest, error) {
	id, err := r.manifests.Lookup(ctx, k)
	if err != nil {
		return nil, err
	}
	return r.manifests.Get(ctx, id)
}

// Status returns an artifact's lifecycle state.
func (r *Registry) Status(ctx context.Context, id string) (Status, error) {
	if _, err := r.manifests.Get(ctx, id); err != nil {
		return "", err
	}
	return r.status.Get(ctx, id)
}

// MarkStatus records a lifecycle transition.
func (r *Registry) MarkStatus(ctx context.Context, id string, status Status, actor, reason string) error {
	if _, err := r.manifests.Get(ctx, id); err != nil {
		return err
	}
	return r.status.Set(ctx, id, status, actor, reason)
}

// ListVersions returns the published versions of a coordinate in
// ascending semver order.
func (r *Registry) ListVersions(ctx context.Context, class Class, tenant, slug string) ([]string, error) {
	return r.manifests.ListVersions(ctx, class, tenant, slug)
}

// LatestVersion returns the highest published version, "" when none.
func (r *Registry) LatestVersion(ctx context.Context, class Class, tenant, slug string) (string, error) {
	return r.manifests.LatestVersion(ctx, class, tenant, slug)
}

// All returns every stored manifest, for startup rebuilds.
func (r *Registry) All(ctx context.Context) ([]*Manifest, error) {
	return r.manifests.All(ctx)
}
