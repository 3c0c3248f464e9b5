// Package registry is the governance artifact registry: content-addressed
// payload storage, versioned manifests with a unique coordinate index,
// and a lifecycle status side-table.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/domaindetermine/governance/pkg/canonical"
)

// ErrNotFound is returned when an artifact id or coordinate has no
// stored manifest. The API layer maps it to 404.
var ErrNotFound = errors.New("registry: artifact not found")

// Class enumerates the governed artifact classes.
type Class string

const (
	ClassKOSSnapshot      Class = "kos_snapshot"
	ClassCoveragePlan     Class = "coverage_plan"
	ClassMapping          Class = "mapping"
	ClassOverlay          Class = "overlay"
	ClassAuditCertificate Class = "audit_certificate"
	ClassEvalSuite        Class = "eval_suite"
	ClassPromptPack       Class = "prompt_pack"
	ClassRunBundle        Class = "run_bundle"
	ClassReleaseManifest  Class = "release_manifest"
)

// Classes lists every valid artifact class.
var Classes = []Class{
	ClassKOSSnapshot,
	ClassCoveragePlan,
	ClassMapping,
	ClassOverlay,
	ClassAuditCertificate,
	ClassEvalSuite,
	ClassPromptPack,
	ClassRunBundle,
	ClassReleaseManifest,
}

// Valid reports whether c names a known class.
func (c Class) Valid() bool {
	for _, known := range Classes {
		if c == known {
			return true
		}
	}
	return false
}

// Root reports whether the class sits at the top of the lineage graph.
// Root artifacts are ingested or authored from outside the registry and
// are the only ones allowed to publish without upstream pins.
func (c Class) Root() bool {
	switch c {
	case ClassKOSSnapshot, ClassPromptPack, ClassEvalSuite:
		return true
	}
	return false
}

// ChangeImpact drives version bump rules and approval requirements.
type ChangeImpact string

const (
	ImpactMajor ChangeImpact = "major"
	ImpactMinor ChangeImpact = "minor"
	ImpactPatch ChangeImpact = "patch"
)

// Valid reports whether i names a known change impact.
func (i ChangeImpact) Valid() bool {
	return i == ImpactMajor || i == ImpactMinor || i == ImpactPatch
}

// Status is an artifact's lifecycle state. Manifests are immutable;
// status lives in a side-table so transitions never rewrite a manifest.
type Status string

const (
	StatusPublished  Status = "PUBLISHED"
	StatusRevoked    Status = "REVOKED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Pin references an exact upstream artifact an artifact was built from.
type Pin struct {
	ArtifactID string `json:"artifact_id"`
	Hash       string `json:"hash"`
	Version    string `json:"version"`
}

// Approval records one sign-off on a manifest: who approved in which
// role, when, and the detached signature over the proposal they saw.
type Approval struct {
	Actor     string    `json:"actor"`
	Role      string    `json:"role"`
	TS        time.Time `json:"ts"`
	Signature string    `json:"signature,omitempty"`
}

// Manifest is the signed, immutable description of one published
// artifact version.
type Manifest struct {
	ArtifactID             string         `json:"artifact_id"`
	Class                  Class          `json:"class"`
	Tenant                 string         `json:"tenant"`
	Slug                   string         `json:"slug"`
	Version                string         `json:"version"`
	Hash                   string         `json:"hash"`
	Title                  string         `json:"title"`
	Summary                string         `json:"summary,omitempty"`
	LicenseTag             string         `json:"license_tag,omitempty"`
	PolicyPackHash         string         `json:"policy_pack_hash,omitempty"`
	Creator                string         `json:"creator"`
	CreatedAt              time.Time      `json:"created_at"`
	ChangeReasonCode       string         `json:"change_reason_code,omitempty"`
	ChangeImpact           ChangeImpact   `json:"change_impact"`
	Upstream               []Pin          `json:"upstream,omitempty"`
	Approvals              []Approval     `json:"approvals,omitempty"`
	Waivers                []string       `json:"waivers,omitempty"`
	EnvironmentFingerprint string         `json:"environment_fingerprint,omitempty"`
	PromptRefs             []string       `json:"prompt_refs,omitempty"`
	Supersedes             string         `json:"supersedes,omitempty"`
	Signature              string         `json:"signature,omitempty"`
	SignatureKeyID         string         `json:"signature_key_id,omitempty"`
	Metadata               map[string]any `json:"metadata,omitempty"`
}

// Key is the unique registry coordinate (class, tenant, slug, version).
type Key struct {
	Class   Class
	Tenant  string
	Slug    string
	Version string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Class, k.Tenant, k.Slug, k.Version)
}

// Key returns the manifest's registry coordinate.
func (m *Manifest) Key() Key {
	return Key{Class: m.Class, Tenant: m.Tenant, Slug: m.Slug, Version: m.Version}
}

// SigningBytes returns the canonical byte form the manifest signature
// covers: everything except the signature fields themselves.
func (m *Manifest) SigningBytes() ([]byte, error) {
	shadow := *m
	shadow.Signature = ""
	shadow.SignatureKeyID = ""
	return canonical.Canonicalize(&shadow)
}
