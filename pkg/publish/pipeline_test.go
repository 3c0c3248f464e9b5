package publish

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domaindetermine/governance/pkg/canonical"
	"github.com/domaindetermine/governance/pkg/errs"
	"github.com/domaindetermine/governance/pkg/eventlog"
	"github.com/domaindetermine/governance/pkg/lineage"
	"github.com/domaindetermine/governance/pkg/registry"
	"github.com/domaindetermine/governance/pkg/signer"
	"github.com/domaindetermine/governance/pkg/version"
	"github.com/domaindetermine/governance/pkg/waiver"
)

const testKeyID = "governance-signing-1"

type pipelineFixture struct {
	pipeline *Pipeline
	reg      *registry.Registry
	graph    *lineage.Graph
	keys     *signer.KeyRing
	log      *eventlog.MemoryLog
	waivers  *waiver.Manager
	now      time.Time
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	root := t.TempDir()

	validator, err := registry.NewValidator()
	require.NoError(t, err)
	blobs, err := registry.NewFileBlobStore(filepath.Join(root, "payloads"))
	require.NoError(t, err)
	manifests, err := registry.NewManifestStore(root)
	require.NoError(t, err)
	status, err := registry.NewStatusStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = status.Close() })
	reg := registry.New(validator, blobs, manifests, status)

	keys := signer.NewKeyRing()
	require.NoError(t, keys.Generate(testKeyID))

	mac, err := signer.NewEventMAC([]byte("test-secret"))
	require.NoError(t, err)
	log := eventlog.NewMemoryLog(mac)

	waiverStore, err := waiver.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = waiverStore.Close() })

	graph := lineage.NewGraph()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	waivers := waiver.NewManager(waiverStore, log, slog.Default()).
		WithClock(func() time.Time { return now })
	pipeline := NewPipeline(reg, graph, keys, testKeyID, log, slog.Default()).
		WithWaivers(waivers).
		WithClock(func() time.Time { return now })

	return &pipelineFixture{
		pipeline: pipeline, reg: reg, graph: graph, keys: keys, log: log,
		waivers: waivers, now: now,
	}
}

func minorApprovals() []registry.Approval {
	return []registry.Approval{
		{Actor: "user:m", Role: version.RoleMaintainer},
		{Actor: "user:q", Role: version.RoleQA},
	}
}

func proposal(payload string) *Proposal {
	return &Proposal{
		Class:        registry.ClassEvalSuite,
		Tenant:       "acme",
		Slug:         "emea-evals",
		Title:        "EMEA eval suite",
		ChangeImpact: registry.ImpactMinor,
		Approvals:    minorApprovals(),
		Payload:      []byte(payload),
	}
}

func TestFirstPublishGetsInitialVersionAndFirstSeq(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	m, err := f.pipeline.Publish(ctx, "user:planner", proposal(`{"strata": []}`))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.Version, "a coordinate with no prior versions starts at 1.0.0")
	assert.Equal(t, testKeyID, m.SignatureKeyID)

	// The signature covers the canonical manifest minus its signature.
	signingBytes, err := m.SigningBytes()
	require.NoError(t, err)
	ok, err := f.keys.Verify(signingBytes, m.Signature, testKeyID)
	require.NoError(t, err)
	assert.True(t, ok)

	events, err := f.log.Range(ctx, "acme", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, eventlog.KindArtifactPublished, events[0].Kind)
	assert.Equal(t, m.ArtifactID, events[0].SubjectID)
	assert.Equal(t, "1.0.0", events[0].Payload["version"])
}

func TestDeclaredVersionMustMatchImpact(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Publish(ctx, "user:planner", proposal(`{"rev": 1}`))
	require.NoError(t, err)

	// Prior is 1.0.0; a minor change must declare 1.1.0, not 2.0.0.
	bad := proposal(`{"rev": 2}`)
	bad.Version = "2.0.0"
	_, err = f.pipeline.Publish(ctx, "user:planner", bad)
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.PolicyViolation, code)

	good := proposal(`{"rev": 2}`)
	good.Version = "1.1.0"
	m, err := f.pipeline.Publish(ctx, "user:planner", good)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", m.Version)
}

func TestApprovalBarPerImpact(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	// Major with no governance approval is rejected.
	p := proposal(`{"rev": 1}`)
	p.ChangeImpact = registry.ImpactMajor
	_, err := f.pipeline.Publish(ctx, "user:planner", p)
	require.Error(t, err)
	code, _ := errs.CodeOf(err)
	assert.Equal(t, errs.PolicyViolation, code)

	p.Approvals = append(p.Approvals, registry.Approval{Actor: "user:gov", Role: version.RoleGovernance})
	m, err := f.pipeline.Publish(ctx, "user:planner", p)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.Version)
}

func TestRepublishingIdenticalContentIsIdempotent(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	first, err := f.pipeline.Publish(ctx, "user:planner", proposal(`{"strata": []}`))
	require.NoError(t, err)

	again := proposal(`{"strata": []}`)
	again.Version = first.Version
	second, err := f.pipeline.Publish(ctx, "user:planner", again)
	require.NoError(t, err)
	assert.Equal(t, first.ArtifactID, second.ArtifactID)

	// Only one publish event in the journal.
	events, err := f.log.Range(ctx, "acme", 1, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPublishAgainstRolledBackUpstreamIsSourceUnavailable(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	upstreamProp := proposal(`{"kind": "snapshot"}`)
	upstreamProp.Class = registry.ClassKOSSnapshot
	upstreamProp.Slug = "kos-main"
	up, err := f.pipeline.Publish(ctx, "user:planner", upstreamProp)
	require.NoError(t, err)

	// A consumer builds against the snapshot while it is live.
	consumer := proposal(`{"built_from": "snapshot"}`)
	consumer.Upstream = []registry.Pin{{ArtifactID: up.ArtifactID, Hash: up.Hash, Version: up.Version}}
	built, err := f.pipeline.Publish(ctx, "user:planner", consumer)
	require.NoError(t, err)

	result, err := f.pipeline.Rollback(ctx, "user:oncall", up.ArtifactID, "licensing dispute")
	require.NoError(t, err)
	assert.Equal(t, []string{built.ArtifactID}, result.Impacted)

	// New builds pinning the rolled-back snapshot are refused.
	late := proposal(`{"built_from": "snapshot", "rev": 2}`)
	late.Upstream = []registry.Pin{{ArtifactID: up.ArtifactID, Hash: up.Hash, Version: up.Version}}
	_, err = f.pipeline.Publish(ctx, "user:planner", late)
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.SourceUnavailable, code)

	// The existing descendant is warned, not rolled back.
	status, err := f.reg.Status(ctx, built.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPublished, status)

	events, err := f.log.Range(ctx, "acme", 1, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 2)

	// The rollback itself, then one warning event per descendant.
	rolled := events[len(events)-2]
	assert.Equal(t, eventlog.KindArtifactRolledBack, rolled.Kind)
	assert.Equal(t, up.ArtifactID, rolled.SubjectID)
	assert.Equal(t, []string{built.ArtifactID}, rolled.Payload["impacted"])

	warned := events[len(events)-1]
	assert.Equal(t, eventlog.KindArtifactRolledBack, warned.Kind)
	assert.Equal(t, built.ArtifactID, warned.SubjectID)
	assert.Equal(t, "upstream_rolled_back", warned.Payload["warning"])
	assert.Equal(t, up.ArtifactID, warned.Payload["upstream"])
}

func TestStalePinIsStaleSnapshot(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	upstreamProp := proposal(`{"kind": "snapshot"}`)
	upstreamProp.Class = registry.ClassKOSSnapshot
	upstreamProp.Slug = "kos-main"
	up, err := f.pipeline.Publish(ctx, "user:planner", upstreamProp)
	require.NoError(t, err)

	consumer := proposal(`{"built_from": "snapshot"}`)
	consumer.Upstream = []registry.Pin{{
		ArtifactID: up.ArtifactID,
		Hash:       canonical.HashBytes([]byte("not the real payload")),
		Version:    up.Version,
	}}
	_, err = f.pipeline.Publish(ctx, "user:planner", consumer)
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.StaleSnapshot, code)
}

func TestRollbackTwiceIsRejected(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	m, err := f.pipeline.Publish(ctx, "user:planner", proposal(`{"strata": []}`))
	require.NoError(t, err)

	_, err = f.pipeline.Rollback(ctx, "user:oncall", m.ArtifactID, "bad data")
	require.NoError(t, err)

	_, err = f.pipeline.Rollback(ctx, "user:oncall", m.ArtifactID, "again")
	require.Error(t, err)
	code, _ := errs.CodeOf(err)
	assert.Equal(t, errs.PolicyViolation, code)

	_, err = f.pipeline.Rollback(ctx, "user:oncall", "art-missing", "nope")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestPromptPackPublishUsesPromptEvent(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	p := proposal(`{"prompts": ["triage"]}`)
	p.Class = registry.ClassPromptPack
	p.Slug = "triage-pack"
	m, err := f.pipeline.Publish(ctx, "user:planner", p)
	require.NoError(t, err)

	events, err := f.log.Range(ctx, "acme", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventlog.KindPromptPublished, events[0].Kind)
	assert.Equal(t, m.ArtifactID, events[0].SubjectID)
}

func TestPublishRejectsUnknownWaiverReference(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	p := proposal(`{"slices": []}`)
	p.Waivers = []string{"wvr-does-not-exist"}
	_, err := f.pipeline.Publish(ctx, "user:planner", p)
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.PolicyViolation, code)
}

func TestPublishAcceptsApprovedWaiver(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	w, err := f.waivers.Propose(ctx, "acme", "license_review", "vendor review pending", "user:dev", f.now.Add(30*24*time.Hour))
	require.NoError(t, err)

	// A PROPOSED waiver cannot cover a publish.
	p := proposal(`{"slices": []}`)
	p.Waivers = []string{w.ID}
	_, err = f.pipeline.Publish(ctx, "user:planner", p)
	require.Error(t, err)
	code, _ := errs.CodeOf(err)
	assert.Equal(t, errs.PolicyViolation, code)

	_, err = f.waivers.Approve(ctx, w.ID, "user:gov", []string{"governance"})
	require.NoError(t, err)

	m, err := f.pipeline.Publish(ctx, "user:planner", p)
	require.NoError(t, err)
	assert.Equal(t, []string{w.ID}, m.Waivers)
}

func TestPublishRejectsForeignTenantWaiver(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	w, err := f.waivers.Propose(ctx, "other", "license_review", "vendor review pending", "user:dev", f.now.Add(30*24*time.Hour))
	require.NoError(t, err)
	_, err = f.waivers.Approve(ctx, w.ID, "user:gov", []string{"governance"})
	require.NoError(t, err)

	p := proposal(`{"slices": []}`)
	p.Waivers = []string{w.ID}
	_, err = f.pipeline.Publish(ctx, "user:planner", p)
	require.Error(t, err)
	code, _ := errs.CodeOf(err)
	assert.Equal(t, errs.PolicyViolation, code)
}

func TestNonRootClassRequiresUpstream(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	p := proposal(`{"strata": []}`)
	p.Class = registry.ClassCoveragePlan
	p.Slug = "emea-coverage"
	_, err := f.pipeline.Publish(ctx, "user:planner", p)
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.SchemaViolation, code)

	// Pinned against a live snapshot the same plan publishes.
	snapProp := proposal(`{"source": "mesh"}`)
	snapProp.Class = registry.ClassKOSSnapshot
	snapProp.Slug = "kos-main"
	snap, err := f.pipeline.Publish(ctx, "user:planner", snapProp)
	require.NoError(t, err)

	p.Upstream = []registry.Pin{{ArtifactID: snap.ArtifactID, Hash: snap.Hash, Version: snap.Version}}
	_, err = f.pipeline.Publish(ctx, "user:planner", p)
	require.NoError(t, err)
}

func TestRevokedSigningKeyBlocksPublish(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	f.keys.Revoke(testKeyID)
	_, err := f.pipeline.Publish(ctx, "user:planner", proposal(`{"strata": []}`))
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.PolicyViolation, code)
}
