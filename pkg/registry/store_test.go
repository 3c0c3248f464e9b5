package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domaindetermine/governance/pkg/canonical"
	"github.com/domaindetermine/governance/pkg/errs"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()

	validator, err := NewValidator()
	require.NoError(t, err)
	blobs, err := NewFileBlobStore(filepath.Join(root, "payloads"))
	require.NoError(t, err)
	manifests, err := NewManifestStore(root)
	require.NoError(t, err)
	status, err := NewStatusStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = status.Close() })

	return New(validator, blobs, manifests, status), root
}

func testManifest(t *testing.T, version string, payload []byte) *Manifest {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return &Manifest{
		ArtifactID:   id.String(),
		Class:        ClassCoveragePlan,
		Tenant:       "acme",
		Slug:         "emea-coverage",
		Version:      version,
		Hash:         canonical.HashBytes(payload),
		Title:        "EMEA coverage plan",
		Creator:      "user:planner",
		CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ChangeImpact: ImpactMinor,
	}
}

func TestRegistryPutAndGetRoundtrip(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	payload := []byte(`{"strata": ["emea-1", "emea-2"]}`)
	m := testManifest(t, "1.0.0", payload)
	require.NoError(t, reg.Put(ctx, m, payload))

	got, err := reg.GetManifest(ctx, m.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, m.Hash, got.Hash)
	assert.Equal(t, ClassCoveragePlan, got.Class)

	data, gotM, err := reg.GetPayload(ctx, m.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, m.ArtifactID, gotM.ArtifactID)

	resolved, err := reg.Resolve(ctx, m.Key())
	require.NoError(t, err)
	assert.Equal(t, m.ArtifactID, resolved.ArtifactID)
}

func TestRegistryRejectsHashMismatch(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	payload := []byte(`{"strata": []}`)
	m := testManifest(t, "1.0.0", payload)
	m.Hash = canonical.HashBytes([]byte("different"))

	err := reg.Put(ctx, m, payload)
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.SchemaViolation, code)

	// Nothing committed.
	_, err = reg.GetManifest(ctx, m.ArtifactID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryRejectsInvalidManifest(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	payload := []byte(`{}`)
	m := testManifest(t, "1.0.0", payload)
	m.Version = "v1.0" // not strict semver

	err := reg.Put(ctx, m, payload)
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.SchemaViolation, code)
}

func TestRegistryCoordinateCollisionIsStaleSnapshot(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	payload := []byte(`{"rev": 1}`)
	first := testManifest(t, "1.0.0", payload)
	require.NoError(t, reg.Put(ctx, first, payload))

	other := []byte(`{"rev": 2}`)
	second := testManifest(t, "1.0.0", other)
	err := reg.Put(ctx, second, other)
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.StaleSnapshot, code)

	// The first manifest still wins the coordinate.
	resolved, err := reg.Resolve(ctx, first.Key())
	require.NoError(t, err)
	assert.Equal(t, first.ArtifactID, resolved.ArtifactID)
}

func TestRegistryDetectsCorruptedPayload(t *testing.T) {
	reg, root := newTestRegistry(t)
	ctx := context.Background()

	payload := []byte(`{"strata": ["x"]}`)
	m := testManifest(t, "1.0.0", payload)
	require.NoError(t, reg.Put(ctx, m, payload))

	// Corrupt the stored blob in place.
	blobPath := filepath.Join(root, "payloads", m.Hash)
	require.NoError(t, os.WriteFile(blobPath, []byte(`{"strata": ["y"]}`), 0o644))

	_, _, err := reg.GetPayload(ctx, m.ArtifactID)
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.NondeterministicOutput, code)
}

func TestRegistryListVersionsSemverOrder(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "1.10.0", "1.2.0"} {
		payload := []byte(`{"v": "` + v + `"}`)
		require.NoError(t, reg.Put(ctx, testManifest(t, v, payload), payload))
	}

	versions, err := reg.ListVersions(ctx, ClassCoveragePlan, "acme", "emea-coverage")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0", "1.2.0", "1.10.0"}, versions)

	latest, err := reg.LatestVersion(ctx, ClassCoveragePlan, "acme", "emea-coverage")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", latest)

	latest, err = reg.LatestVersion(ctx, ClassMapping, "acme", "emea-coverage")
	require.NoError(t, err)
	assert.Empty(t, latest)
}

func TestRegistryStatusLifecycle(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	payload := []byte(`{}`)
	m := testManifest(t, "1.0.0", payload)
	require.NoError(t, reg.Put(ctx, m, payload))

	status, err := reg.Status(ctx, m.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, status)

	require.NoError(t, reg.MarkStatus(ctx, m.ArtifactID, StatusRolledBack, "user:oncall", "bad upstream"))
	status, err = reg.Status(ctx, m.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, status)

	_, err = reg.Status(ctx, "missing-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryPayloadSchemaEnforced(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.validator.RegisterPayloadSchema(ClassCoveragePlan, `{
		"type": "object",
		"required": ["strata"],
		"properties": {"strata": {"type": "array"}}
	}`))

	bad := []byte(`{"wrong": true}`)
	err := reg.Put(ctx, testManifest(t, "1.0.0", bad), bad)
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.SchemaViolation, code)

	good := []byte(`{"strata": []}`)
	require.NoError(t, reg.Put(ctx, testManifest(t, "1.0.1", good), good))
}
