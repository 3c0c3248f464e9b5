package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/domaindetermine/governance/pkg/eventlog"
	"github.com/domaindetermine/governance/pkg/signer"
)

// runVerifyCmd re-verifies a tenant's event chain end to end.
// Exit codes: 0 intact, 1 chain broken, 2 operational failure.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var tenant string
	cmd.StringVar(&tenant, "tenant", "", "Tenant whose chain to verify (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenant == "" {
		fmt.Fprintln(stderr, "Error: --tenant is required")
		cmd.Usage()
		return 2
	}

	secret := os.Getenv("GOVERNANCE_EVENT_SECRET")
	if secret == "" {
		fmt.Fprintln(stderr, "Error: GOVERNANCE_EVENT_SECRET is required")
		return 2
	}
	mac, err := signer.NewEventMAC([]byte(secret))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	var journal eventlog.Log
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			fmt.Fprintf(stderr, "Error opening postgres: %v\n", err)
			return 2
		}
		defer func() { _ = db.Close() }()
		journal = eventlog.NewPostgresLog(db, mac)
	} else {
		root := os.Getenv("GOVERNANCE_STORE_ROOT")
		if root == "" {
			root = "data"
		}
		fl, err := eventlog.NewFileLog(filepath.Join(root, "events"), mac)
		if err != nil {
			fmt.Fprintf(stderr, "Error opening event journal: %v\n", err)
			return 2
		}
		defer func() { _ = fl.Close() }()
		journal = fl
	}

	head, err := journal.VerifyChain(ctx, tenant)
	if err != nil {
		fmt.Fprintf(stderr, "Chain verification FAILED for %s: %v\n", tenant, err)
		return 1
	}
	fmt.Fprintf(stdout, "Chain intact for %s: %d events\n", tenant, head)
	return 0
}
