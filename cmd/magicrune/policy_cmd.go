package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/magicrune/pkg/gate"
	"github.com/Mindburn-Labs/magicrune/pkg/policy"
)

func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: magicrune policy <lint|default> [flags]")
		return gate.ExitInputInvalid
	}
	switch args[0] {
	case "lint":
		return runPolicyLint(args[1:], stdout, stderr)
	case "default":
		_, _ = stdout.Write(policy.DefaultDocument())
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown policy subcommand: %s\n", args[0])
		return gate.ExitInputInvalid
	}
}

type lintReport struct {
	File    string `json:"file"`
	Valid   bool   `json:"valid"`
	ID      string `json:"id,omitempty"`
	Version string `json:"version,omitempty"`
	Digest  string `json:"digest,omitempty"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// runPolicyLint compiles every file and exits with the policy status if any
// of them fails.
func runPolicyLint(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy lint", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return gate.ExitInternal
	}
	if cmd.NArg() == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: magicrune policy lint [--json] <file>...")
		return gate.ExitInputInvalid
	}

	var reports []lintReport
	failed := false
	for _, path := range cmd.Args() {
		r := lintReport{File: path}
		pol, err := loadPolicyFile(path)
		if err != nil {
			failed = true
			r.Code = policy.CodeOf(err)
			r.Error = err.Error()
		} else {
			r.Valid = true
			r.ID, r.Version, r.Digest = pol.ID, pol.Version, pol.Digest
		}
		reports = append(reports, r)
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(reports, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		for _, r := range reports {
			if r.Valid {
				_, _ = fmt.Fprintf(stdout, "%sOK%s   %s (id=%s version=%s digest=%s)\n",
					ColorGreen, ColorReset, r.File, r.ID, r.Version, r.Digest)
			} else {
				_, _ = fmt.Fprintf(stdout, "FAIL %s [%s] %s\n", r.File, r.Code, r.Error)
			}
		}
	}
	if failed {
		return gate.ExitPolicyViolation
	}
	return 0
}
