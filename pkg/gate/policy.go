// Package gate evaluates release candidates against a declarative
// policy pack and records every decision in the governance journal.
package gate

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/domaindetermine/governance/pkg/errs"
	"github.com/domaindetermine/governance/pkg/registry"
)

// Check names used in decision reasons and waiver scopes.
const (
	CheckApprovals    = "approvals"
	CheckRehearsalAge = "rehearsal_age"
	CheckReadiness    = "readiness"
	CheckExpression   = "expression"
)

// Expression is a named CEL rule evaluated against the release input.
type Expression struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

// PolicyPack is the declarative release policy. Packs are YAML (JSON is
// a YAML subset and parses too).
type PolicyPack struct {
	// RequiredApprovals is the set of roles that must each have signed
	// off on the release.
	RequiredApprovals      []string     `yaml:"required_approvals" json:"required_approvals"`
	MaxRehearsalAgeDays    int          `yaml:"max_rehearsal_age_days" json:"max_rehearsal_age_days"`
	AllowWaivers           bool         `yaml:"allow_waivers" json:"allow_waivers"`
	RequiredReadinessGates []string     `yaml:"required_readiness_gates" json:"required_readiness_gates"`
	Expressions            []Expression `yaml:"expressions,omitempty" json:"expressions,omitempty"`
}

// ParsePolicyPack decodes and validates a policy pack document.
func ParsePolicyPack(data []byte) (*PolicyPack, error) {
	var pack PolicyPack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, errs.Wrap(errs.SchemaViolation, err, "policy pack is not valid YAML")
	}
	if err := pack.Validate(); err != nil {
		return nil, err
	}
	return &pack, nil
}

// Validate checks the pack's internal consistency.
func (p *PolicyPack) Validate() error {
	seenRoles := make(map[string]bool)
	for _, role := range p.RequiredApprovals {
		if role == "" {
			return errs.New(errs.SchemaViolation, "required_approvals entries must name a role")
		}
		if seenRoles[role] {
			return errs.Newf(errs.SchemaViolation, "duplicate required approval role %q", role)
		}
		seenRoles[role] = true
	}
	if p.MaxRehearsalAgeDays < 0 {
		return errs.New(errs.SchemaViolation, "max_rehearsal_age_days must not be negative")
	}
	seen := make(map[string]bool)
	for _, e := range p.Expressions {
		if e.Name == "" || e.Expr == "" {
			return errs.New(errs.SchemaViolation, "policy expressions need both name and expr")
		}
		if seen[e.Name] {
			return errs.Newf(errs.SchemaViolation, "duplicate policy expression %q", e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

// ReleaseInput is the release candidate under evaluation.
type ReleaseInput struct {
	Tenant          string          `json:"tenant"`
	ArtifactID      string          `json:"artifact_id"`
	Version         string          `json:"version"`
	ApprovalRoles   []string        `json:"approval_roles"`
	LastRehearsalAt time.Time       `json:"last_rehearsal_at"`
	ReadinessGates  map[string]bool `json:"readiness_gates"`
	Environment     string          `json:"environment"`
}

// HasApprovalRole reports whether the release carries an approval in
// the given role.
func (in *ReleaseInput) HasApprovalRole(role string) bool {
	for _, r := range in.ApprovalRoles {
		if r == role {
			return true
		}
	}
	return false
}

// releasePayload is the slice of a release_manifest payload the gate
// reads: the rollback rehearsal timestamp and the readiness results.
type releasePayload struct {
	LastRehearsalAt time.Time       `json:"last_rehearsal_at"`
	ReadinessGates  map[string]bool `json:"readiness_gates"`
	Environment     string          `json:"environment"`
}

// InputFromManifest derives the release input from a stored
// release_manifest artifact: approval roles come from the manifest's
// approvals, rehearsal and readiness state from its payload.
func InputFromManifest(m *registry.Manifest, payload []byte) (*ReleaseInput, error) {
	if m.Class != registry.ClassReleaseManifest {
		return nil, errs.Newf(errs.SchemaViolation,
			"gate evaluation needs a %s artifact, got %s", registry.ClassReleaseManifest, m.Class)
	}
	var body releasePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, errs.Wrap(errs.SchemaViolation, err, "release manifest payload is not valid JSON")
		}
	}
	roles := make([]string, 0, len(m.Approvals))
	for _, a := range m.Approvals {
		roles = append(roles, a.Role)
	}
	return &ReleaseInput{
		Tenant:          m.Tenant,
		ArtifactID:      m.ArtifactID,
		Version:         m.Version,
		ApprovalRoles:   roles,
		LastRehearsalAt: body.LastRehearsalAt,
		ReadinessGates:  body.ReadinessGates,
		Environment:     body.Environment,
	}, nil
}

// celInput flattens the release for CEL's "release" variable.
func (in *ReleaseInput) celInput(now time.Time) map[string]any {
	gates := make(map[string]any, len(in.ReadinessGates))
	for name, ok := range in.ReadinessGates {
		gates[name] = ok
	}
	roles := make([]any, 0, len(in.ApprovalRoles))
	for _, r := range in.ApprovalRoles {
		roles = append(roles, r)
	}
	return map[string]any{
		"now": now.Unix(),
		"release": map[string]any{
			"tenant":            in.Tenant,
			"artifact_id":       in.ArtifactID,
			"version":           in.Version,
			"approval_roles":    roles,
			"last_rehearsal_at": in.LastRehearsalAt.Unix(),
			"readiness_gates":   gates,
			"environment":       in.Environment,
		},
	}
}

// Result is the gate verdict.
type Result string

const (
	ResultApprove Result = "APPROVE"
	ResultReject  Result = "REJECT"
)

// Decision is the full gate outcome: verdict, the reasons behind a
// rejection, and the checks satisfied only through waivers.
type Decision struct {
	Result  Result   `json:"result"`
	Reasons []string `json:"reasons,omitempty"`
	Waived  []string `json:"waived,omitempty"`
	TraceID string   `json:"trace_id,omitempty"`
}

func reasonReadiness(gateName string) string {
	return fmt.Sprintf("readiness_gate_failed:%s", gateName)
}

func reasonExpression(name string) string {
	return fmt.Sprintf("expression_failed:%s", name)
}
