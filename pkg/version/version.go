// Package version enforces the registry's semantic versioning contract:
// declared versions must equal the bump computed from the declared
// change impact, and each impact level carries its own approval bar.
package version

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/domaindetermine/governance/pkg/errs"
	"github.com/domaindetermine/governance/pkg/registry"
)

// Roles recognized by the approval rules.
const (
	RoleGovernance = "governance"
	RoleMaintainer = "maintainer"
	RoleQA         = "qa"
)

// FirstVersion is assigned when a coordinate has no published versions.
const FirstVersion = "1.0.0"

// Next computes the version a change of the given impact must carry.
// An empty prior means the coordinate is new.
func Next(prior string, impact registry.ChangeImpact) (string, error) {
	if !impact.Valid() {
		return "", errs.Newf(errs.SchemaViolation, "unknown change impact %q", impact)
	}
	if prior == "" {
		return FirstVersion, nil
	}

	v, err := semver.StrictNewVersion(prior)
	if err != nil {
		return "", errs.Wrap(errs.SchemaViolation, err,
			fmt.Sprintf("prior version %q is not semver", prior))
	}

	var next semver.Version
	switch impact {
	case registry.ImpactMajor:
		next = v.IncMajor()
	case registry.ImpactMinor:
		next = v.IncMinor()
	case registry.ImpactPatch:
		next = v.IncPatch()
	}
	return next.String(), nil
}

// Check verifies that declared is exactly the bump impact requires on
// top of prior. Any other declared version is a POLICY_VIOLATION.
func Check(prior, declared string, impact registry.ChangeImpact) error {
	want, err := Next(prior, impact)
	if err != nil {
		return err
	}
	if declared != want {
		return errs.Newf(errs.PolicyViolation,
			"declared version %s does not match computed %s for %s change on prior %q",
			declared, want, impact, prior).
			WithRemediation(fmt.Sprintf("declare version %s or correct the change impact", want))
	}
	return nil
}

// VerifyApprovals checks the approval set against the impact's bar:
//
//   - major: at least one governance approval
//   - minor: at least two approvals from distinct actors
//   - patch: a maintainer approval and a QA approval
func VerifyApprovals(approvals []registry.Approval, impact registry.ChangeImpact) error {
	switch impact {
	case registry.ImpactMajor:
		for _, a := range approvals {
			if a.Role == RoleGovernance {
				return nil
			}
		}
		return errs.New(errs.PolicyViolation,
			"major change requires a governance approval").
			WithRemediation("obtain sign-off from a governance role holder")

	case registry.ImpactMinor:
		actors := make(map[string]bool)
		for _, a := range approvals {
			actors[a.Actor] = true
		}
		if len(actors) < 2 {
			return errs.New(errs.PolicyViolation,
				"minor change requires approvals from two distinct actors")
		}
		return nil

	case registry.ImpactPatch:
		var maintainer, qa bool
		for _, a := range approvals {
			switch a.Role {
			case RoleMaintainer:
				maintainer = true
			case RoleQA:
				qa = true
			}
		}
		if !maintainer || !qa {
			return errs.New(errs.PolicyViolation,
				"patch change requires maintainer and qa approvals")
		}
		return nil

	default:
		return errs.Newf(errs.SchemaViolation, "unknown change impact %q", impact)
	}
}
