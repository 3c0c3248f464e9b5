package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/domaindetermine/governance/pkg/errs"
	"github.com/domaindetermine/governance/pkg/eventlog"
	"github.com/domaindetermine/governance/pkg/waiver"
)

// WaiverLookup finds a currently valid waiver for a tenant and check
// scope. Implemented by waiver.Manager.
type WaiverLookup interface {
	FindValidForScope(ctx context.Context, tenant, scope string) (*waiver.Waiver, error)
}

// Evaluator runs release candidates through a policy pack. Fail-closed:
// any evaluation error rejects rather than approves.
type Evaluator struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex

	waivers WaiverLookup
	log     eventlog.Log
	logger  *slog.Logger
	clock   func() time.Time
}

// NewEvaluator creates a gate evaluator. waivers may be nil when waiver
// support is not wired (decisions then never waive a failure).
func NewEvaluator(waivers WaiverLookup, log eventlog.Log, logger *slog.Logger) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("release", cel.DynType),
		cel.Variable("now", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("gate: failed to create CEL environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
		waivers:  waivers,
		log:      log,
		logger:   logger.With("component", "gate"),
		clock:    time.Now,
	}, nil
}

// WithClock injects a deterministic clock (tests).
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// failure is one failed check: the reason string for the decision and
// the waiver scope that can cover it.
type failure struct {
	reason string
	scope  string
}

// Evaluate runs the input through the pack and journals the verdict as
// a deployment_gate event. The returned Decision is REJECT when any
// check fails without a covering waiver.
func (e *Evaluator) Evaluate(ctx context.Context, actor string, pack *PolicyPack, in *ReleaseInput) (*Decision, error) {
	if err := pack.Validate(); err != nil {
		return nil, err
	}
	now := e.clock().UTC()

	var failures []failure

	for _, role := range pack.RequiredApprovals {
		if !in.HasApprovalRole(role) {
			failures = append(failures, failure{
				reason: fmt.Sprintf("insufficient_approvals:missing_%s", role),
				scope:  CheckApprovals,
			})
		}
	}

	if pack.MaxRehearsalAgeDays > 0 {
		maxAge := time.Duration(pack.MaxRehearsalAgeDays) * 24 * time.Hour
		if in.LastRehearsalAt.IsZero() || now.Sub(in.LastRehearsalAt) > maxAge {
			failures = append(failures, failure{
				reason: "stale_rollback_rehearsal",
				scope:  CheckRehearsalAge,
			})
		}
	}

	for _, gateName := range pack.RequiredReadinessGates {
		if !in.ReadinessGates[gateName] {
			failures = append(failures, failure{
				reason: reasonReadiness(gateName),
				scope:  CheckReadiness,
			})
		}
	}

	celIn := in.celInput(now)
	for _, expr := range pack.Expressions {
		ok, err := e.evaluateExpr(expr.Expr, celIn)
		if err != nil {
			// Fail closed: a broken expression rejects the release.
			return nil, errs.Wrap(errs.PolicyViolation, err,
				fmt.Sprintf("policy expression %q failed to evaluate", expr.Name))
		}
		if !ok {
			failures = append(failures, failure{
				reason: reasonExpression(expr.Name),
				scope:  CheckExpression,
			})
		}
	}

	decision := &Decision{Result: ResultApprove, TraceID: newTraceID()}
	for _, f := range failures {
		if pack.AllowWaivers && e.waivers != nil {
			w, err := e.waivers.FindValidForScope(ctx, in.Tenant, f.scope)
			if err != nil {
				return nil, err
			}
			if w != nil {
				decision.Waived = append(decision.Waived, fmt.Sprintf("%s:%s", f.reason, w.ID))
				continue
			}
		}
		decision.Reasons = append(decision.Reasons, f.reason)
	}
	if len(decision.Reasons) > 0 {
		decision.Result = ResultReject
	}

	if _, err := e.log.Append(ctx, &eventlog.Event{
		Tenant:    in.Tenant,
		Actor:     actor,
		Kind:      eventlog.KindDeploymentGate,
		SubjectID: in.ArtifactID,
		Payload: map[string]any{
			"result":   string(decision.Result),
			"reasons":  decision.Reasons,
			"waived":   decision.Waived,
			"trace_id": decision.TraceID,
		},
	}); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "gate decision",
		"tenant", in.Tenant, "artifact_id", in.ArtifactID,
		"result", decision.Result, "reasons", decision.Reasons, "trace_id", decision.TraceID)
	return decision, nil
}

func (e *Evaluator) evaluateExpr(expr string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.prgCache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.prgCache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

func newTraceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
