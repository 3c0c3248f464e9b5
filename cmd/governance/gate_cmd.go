package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/domaindetermine/governance/pkg/eventlog"
	"github.com/domaindetermine/governance/pkg/gate"
	"github.com/domaindetermine/governance/pkg/signer"
	"github.com/domaindetermine/governance/pkg/waiver"
)

// noWaivers denies every waiver lookup; the offline checker only
// consults waivers when pointed at the server's waiver database.
type noWaivers struct{}

func (noWaivers) FindValidForScope(ctx context.Context, tenant, scope string) (*waiver.Waiver, error) {
	return nil, nil
}

// runGateCmd evaluates a release input against a policy pack.
// Exit codes: 0 approve, 1 reject, 2 operational failure.
func runGateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("gate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		policyPath  string
		releasePath string
		waiversDB   string
		actor       string
		jsonOutput  bool
	)
	cmd.StringVar(&policyPath, "policy", "", "Path to the policy pack YAML (REQUIRED)")
	cmd.StringVar(&releasePath, "release", "", "Path to the release input JSON (REQUIRED)")
	cmd.StringVar(&waiversDB, "waivers-db", "", "Path to the waiver database (optional)")
	cmd.StringVar(&actor, "actor", "cli:gate", "Actor recorded on the decision")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the decision as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if policyPath == "" || releasePath == "" {
		fmt.Fprintln(stderr, "Error: --policy and --release are required")
		cmd.Usage()
		return 2
	}

	policyData, err := os.ReadFile(policyPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading policy pack: %v\n", err)
		return 2
	}
	pack, err := gate.ParsePolicyPack(policyData)
	if err != nil {
		fmt.Fprintf(stderr, "Error parsing policy pack: %v\n", err)
		return 2
	}

	releaseData, err := os.ReadFile(releasePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading release input: %v\n", err)
		return 2
	}
	var release gate.ReleaseInput
	if err := json.Unmarshal(releaseData, &release); err != nil {
		fmt.Fprintf(stderr, "Error parsing release input: %v\n", err)
		return 2
	}

	// Decisions from the offline checker land in a throwaway journal;
	// only the server's evaluations enter the durable chain.
	secret := os.Getenv("GOVERNANCE_EVENT_SECRET")
	if secret == "" {
		secret = "gate-cli"
	}
	mac, err := signer.NewEventMAC([]byte(secret))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	journal := eventlog.NewMemoryLog(mac)

	var lookup gate.WaiverLookup = noWaivers{}
	if waiversDB != "" {
		store, err := waiver.NewStore(waiversDB)
		if err != nil {
			fmt.Fprintf(stderr, "Error opening waiver database: %v\n", err)
			return 2
		}
		defer func() { _ = store.Close() }()
		lookup = waiver.NewManager(store, journal, slog.Default())
	}

	eval, err := gate.NewEvaluator(lookup, journal, slog.Default())
	if err != nil {
		fmt.Fprintf(stderr, "Error building evaluator: %v\n", err)
		return 2
	}

	decision, err := eval.Evaluate(context.Background(), actor, pack, &release)
	if err != nil {
		fmt.Fprintf(stderr, "Error evaluating release: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(decision, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "%s %s@%s\n", decision.Result, release.ArtifactID, release.Version)
		for _, reason := range decision.Reasons {
			fmt.Fprintf(stdout, "  reason: %s\n", reason)
		}
		for _, waived := range decision.Waived {
			fmt.Fprintf(stdout, "  waived: %s\n", waived)
		}
	}

	if decision.Result == gate.ResultReject {
		return 1
	}
	return 0
}
