// Package publish drives the artifact release pipeline:
// propose -> build -> audit -> approve -> sign -> publish.
// Every stage fails closed; nothing becomes visible until the final
// commit, and the journal entry lands with it.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/domaindetermine/governance/pkg/canonical"
	"github.com/domaindetermine/governance/pkg/errs"
	"github.com/domaindetermine/governance/pkg/eventlog"
	"github.com/domaindetermine/governance/pkg/lineage"
	"github.com/domaindetermine/governance/pkg/registry"
	"github.com/domaindetermine/governance/pkg/signer"
	"github.com/domaindetermine/governance/pkg/telemetry"
	"github.com/domaindetermine/governance/pkg/version"
	"github.com/domaindetermine/governance/pkg/waiver"
)

// Proposal is a publish request before any pipeline stage has run.
type Proposal struct {
	Class            registry.Class        `json:"class"`
	Tenant           string                `json:"tenant"`
	Slug             string                `json:"slug"`
	Title            string                `json:"title"`
	Summary          string                `json:"summary,omitempty"`
	LicenseTag       string                `json:"license_tag,omitempty"`
	PolicyPackHash   string                `json:"policy_pack_hash,omitempty"`
	ChangeReasonCode string                `json:"change_reason_code,omitempty"`
	ChangeImpact     registry.ChangeImpact `json:"change_impact"`
	// Version is optional: empty means "compute from the prior version
	// and the change impact"; set means "verify my declared bump".
	Version     string              `json:"version,omitempty"`
	Upstream    []registry.Pin      `json:"upstream,omitempty"`
	Approvals   []registry.Approval `json:"approvals,omitempty"`
	Waivers     []string            `json:"waivers,omitempty"`
	PromptRefs  []string            `json:"prompt_refs,omitempty"`
	Environment string              `json:"environment_fingerprint,omitempty"`
	Payload     []byte              `json:"-"`
}

// AuditHook runs extra checks between build and approve. Returning an
// error aborts the publish.
type AuditHook func(ctx context.Context, m *registry.Manifest, payload []byte) error

// RollbackResult reports a rollback and the downstream artifacts that
// were warned.
type RollbackResult struct {
	ArtifactID string   `json:"artifact_id"`
	Impacted   []string `json:"impacted"`
}

// WaiverVerifier resolves waiver references on a proposal. Implemented
// by waiver.Manager.
type WaiverVerifier interface {
	Get(ctx context.Context, id string) (*waiver.Waiver, error)
}

// Pipeline executes publishes and rollbacks against the registry.
type Pipeline struct {
	reg     *registry.Registry
	graph   *lineage.Graph
	signer  signer.Signer
	keyID   string
	log     eventlog.Log
	logger  *slog.Logger
	audits  []AuditHook
	waivers WaiverVerifier
	tel     *telemetry.Provider
	clock   func() time.Time
}

// NewPipeline assembles a publish pipeline. keyID names the signing key
// used for manifest signatures.
func NewPipeline(reg *registry.Registry, graph *lineage.Graph, sig signer.Signer, keyID string, log eventlog.Log, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		reg:    reg,
		graph:  graph,
		signer: sig,
		keyID:  keyID,
		log:    log,
		logger: logger.With("component", "publish"),
		clock:  time.Now,
	}
}

// WithClock injects a deterministic clock (tests).
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// WithWaivers wires the waiver store. Proposals carrying waiver
// references fail POLICY_VIOLATION until one is set.
func (p *Pipeline) WithWaivers(v WaiverVerifier) *Pipeline {
	p.waivers = v
	return p
}

// WithTelemetry wires publish and rollback metrics.
func (p *Pipeline) WithTelemetry(tel *telemetry.Provider) *Pipeline {
	p.tel = tel
	return p
}

// AddAuditHook appends an audit stage check.
func (p *Pipeline) AddAuditHook(hook AuditHook) {
	p.audits = append(p.audits, hook)
}

// Publish runs the full pipeline. Republishing content that is already
// live at the same coordinate returns the existing manifest unchanged.
func (p *Pipeline) Publish(ctx context.Context, actor string, prop *Proposal) (*registry.Manifest, error) {
	started := p.clock()

	// Propose: cheap structural checks before any store access.
	if !prop.Class.Valid() {
		return nil, errs.Newf(errs.SchemaViolation, "unknown artifact class %q", prop.Class)
	}
	if !prop.ChangeImpact.Valid() {
		return nil, errs.Newf(errs.SchemaViolation, "unknown change impact %q", prop.ChangeImpact)
	}
	if len(prop.Payload) == 0 {
		return nil, errs.New(errs.SchemaViolation, "publish requires a payload")
	}
	if len(prop.Upstream) == 0 && !prop.Class.Root() {
		return nil, errs.Newf(errs.SchemaViolation,
			"class %s requires upstream pins; only root classes publish without them", prop.Class).
			WithRemediation("pin the upstream artifacts this one was built from")
	}

	// Build: resolve the version against the prior one.
	prior, err := p.reg.LatestVersion(ctx, prop.Class, prop.Tenant, prop.Slug)
	if err != nil {
		return nil, err
	}
	declared := prop.Version
	if declared == "" {
		if declared, err = version.Next(prior, prop.ChangeImpact); err != nil {
			return nil, err
		}
	} else if err := version.Check(prior, declared, prop.ChangeImpact); err != nil {
		// Idempotent republish: the declared version may already be
		// live with identical content.
		if existing := p.findIdentical(ctx, prop, declared); existing != nil {
			return existing, nil
		}
		return nil, err
	}

	hash := canonical.HashBytes(prop.Payload)
	if existing := p.findIdentical(ctx, prop, declared); existing != nil {
		return existing, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("publish: failed to generate artifact id: %w", err)
	}
	m := &registry.Manifest{
		ArtifactID:             "art-" + id.String(),
		Class:                  prop.Class,
		Tenant:                 prop.Tenant,
		Slug:                   prop.Slug,
		Version:                declared,
		Hash:                   hash,
		Title:                  prop.Title,
		Summary:                prop.Summary,
		LicenseTag:             prop.LicenseTag,
		PolicyPackHash:         prop.PolicyPackHash,
		Creator:                actor,
		CreatedAt:              p.clock().UTC(),
		ChangeReasonCode:       prop.ChangeReasonCode,
		ChangeImpact:           prop.ChangeImpact,
		Upstream:               prop.Upstream,
		Approvals:              prop.Approvals,
		Waivers:                prop.Waivers,
		EnvironmentFingerprint: prop.Environment,
		PromptRefs:             prop.PromptRefs,
	}

	// Audit: upstream pins must be live and exact, then the hooks run.
	if err := p.auditUpstream(ctx, m); err != nil {
		return nil, err
	}
	for _, hook := range p.audits {
		if err := hook(ctx, m, prop.Payload); err != nil {
			return nil, err
		}
	}

	// Approve: the change impact sets the approval bar, and every waiver
	// reference must resolve to a valid waiver for this tenant.
	if err := version.VerifyApprovals(m.Approvals, m.ChangeImpact); err != nil {
		return nil, err
	}
	if err := p.verifyWaivers(ctx, m); err != nil {
		return nil, err
	}

	// Sign.
	signingBytes, err := m.SigningBytes()
	if err != nil {
		return nil, err
	}
	sig, err := p.signer.Sign(signingBytes, p.keyID)
	if err != nil {
		return nil, errs.Wrap(errs.PolicyViolation, err, "manifest signing failed")
	}
	m.Signature = sig
	m.SignatureKeyID = p.keyID

	// Publish: commit, wire lineage, journal.
	if err := p.reg.Put(ctx, m, prop.Payload); err != nil {
		return nil, err
	}
	if err := p.graph.Add(m); err != nil {
		return nil, err
	}

	kind := eventlog.KindArtifactPublished
	if m.Class == registry.ClassPromptPack {
		kind = eventlog.KindPromptPublished
	}
	if _, err := p.log.Append(ctx, &eventlog.Event{
		Tenant:    m.Tenant,
		Actor:     actor,
		Kind:      kind,
		SubjectID: m.ArtifactID,
		Payload: map[string]any{
			"class":   string(m.Class),
			"slug":    m.Slug,
			"version": m.Version,
			"hash":    m.Hash,
		},
	}); err != nil {
		return nil, err
	}

	if p.tel != nil {
		p.tel.RecordPublish(ctx, m.Tenant, string(m.Class), p.clock().Sub(started))
	}
	p.logger.InfoContext(ctx, "artifact published",
		"tenant", m.Tenant, "artifact_id", m.ArtifactID,
		"class", m.Class, "slug", m.Slug, "version", m.Version)
	return m, nil
}

// verifyWaivers rejects the publish unless every referenced waiver
// exists, belongs to the proposal's tenant, and is APPROVED and
// unexpired right now.
func (p *Pipeline) verifyWaivers(ctx context.Context, m *registry.Manifest) error {
	if len(m.Waivers) == 0 {
		return nil
	}
	if p.waivers == nil {
		return errs.New(errs.PolicyViolation, "waiver references cannot be verified: no waiver store is configured")
	}
	now := p.clock()
	for _, id := range m.Waivers {
		w, err := p.waivers.Get(ctx, id)
		if err != nil {
			return errs.Wrap(errs.PolicyViolation, err,
				fmt.Sprintf("waiver %s does not resolve", id)).
				WithRemediation("reference only approved, unexpired waivers")
		}
		if w.Tenant != m.Tenant {
			return errs.Newf(errs.PolicyViolation, "waiver %s belongs to another tenant", id)
		}
		if !w.Valid(now) {
			return errs.Newf(errs.PolicyViolation, "waiver %s is %s and cannot cover a publish", id, w.State).
				WithRemediation("reference only approved, unexpired waivers")
		}
	}
	return nil
}

// findIdentical returns the live manifest when the coordinate already
// holds exactly this payload.
func (p *Pipeline) findIdentical(ctx context.Context, prop *Proposal, v string) *registry.Manifest {
	existing, err := p.reg.Resolve(ctx, registry.Key{
		Class: prop.Class, Tenant: prop.Tenant, Slug: prop.Slug, Version: v,
	})
	if err != nil || existing == nil {
		return nil
	}
	if existing.Hash == canonical.HashBytes(prop.Payload) {
		return existing
	}
	return nil
}

// auditUpstream verifies each pin: the artifact exists, its hash is the
// pinned one, and it has not been rolled back or revoked.
func (p *Pipeline) auditUpstream(ctx context.Context, m *registry.Manifest) error {
	for _, pin := range m.Upstream {
		up, err := p.reg.GetManifest(ctx, pin.ArtifactID)
		if err != nil {
			return errs.Wrap(errs.SourceUnavailable, err,
				fmt.Sprintf("upstream %s is not available", pin.ArtifactID))
		}
		if up.Hash != pin.Hash {
			return errs.Newf(errs.StaleSnapshot,
				"upstream %s hash %s does not match pinned %s", pin.ArtifactID, up.Hash, pin.Hash).
				WithRemediation("re-pin the upstream at its current hash")
		}
		status, err := p.reg.Status(ctx, pin.ArtifactID)
		if err != nil {
			return err
		}
		if status != registry.StatusPublished {
			return errs.Newf(errs.SourceUnavailable,
				"upstream %s is %s and cannot be built against", pin.ArtifactID, status).
				WithRemediation("pin a live version of the upstream artifact")
		}
	}
	return nil
}

// Rollback marks an artifact ROLLED_BACK and warns every downstream
// artifact. Descendants keep working: the rollback blocks new builds
// against the artifact, it does not cascade.
func (p *Pipeline) Rollback(ctx context.Context, actor, artifactID, reason string) (*RollbackResult, error) {
	m, err := p.reg.GetManifest(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	status, err := p.reg.Status(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if status != registry.StatusPublished {
		return nil, errs.Newf(errs.PolicyViolation, "artifact %s is already %s", artifactID, status)
	}
	if reason == "" {
		return nil, errs.New(errs.SchemaViolation, "rollback requires a reason")
	}

	if err := p.reg.MarkStatus(ctx, artifactID, registry.StatusRolledBack, actor, reason); err != nil {
		return nil, err
	}

	impacted := p.graph.RollbackImpact(artifactID)
	if _, err := p.log.Append(ctx, &eventlog.Event{
		Tenant:    m.Tenant,
		Actor:     actor,
		Kind:      eventlog.KindArtifactRolledBack,
		SubjectID: artifactID,
		Payload: map[string]any{
			"reason":   reason,
			"impacted": impacted,
		},
	}); err != nil {
		return nil, err
	}

	// One warning event per descendant, addressed to the descendant so
	// its owners find the warning on their own artifact's trail.
	for _, id := range impacted {
		tenant := m.Tenant
		if desc, err := p.reg.GetManifest(ctx, id); err == nil {
			tenant = desc.Tenant
		}
		if _, err := p.log.Append(ctx, &eventlog.Event{
			Tenant:    tenant,
			Actor:     actor,
			Kind:      eventlog.KindArtifactRolledBack,
			SubjectID: id,
			Payload: map[string]any{
				"warning":  "upstream_rolled_back",
				"upstream": artifactID,
				"reason":   reason,
			},
		}); err != nil {
			return nil, err
		}
		p.logger.WarnContext(ctx, "upstream rolled back",
			"tenant", tenant, "artifact_id", id, "rolled_back_upstream", artifactID)
	}

	if p.tel != nil {
		p.tel.RecordRollback(ctx, m.Tenant)
	}
	p.logger.InfoContext(ctx, "artifact rolled back",
		"tenant", m.Tenant, "artifact_id", artifactID, "impacted", len(impacted))
	return &RollbackResult{ArtifactID: artifactID, Impacted: impacted}, nil
}
