package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mindburn-Labs/magicrune/pkg/config"
	"github.com/Mindburn-Labs/magicrune/pkg/gate"
	"github.com/Mindburn-Labs/magicrune/pkg/observability"
	"github.com/Mindburn-Labs/magicrune/pkg/policy"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

func runExecCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("exec", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		inPath     string
		outPath    string
		policyPath string
		timeout    int
		seed       uint64
		strict     bool
	)

	cmd.StringVar(&inPath, "f", "", "Request JSON file, - for stdin (REQUIRED)")
	cmd.StringVar(&inPath, "file", "", "Alias for -f")
	cmd.StringVar(&outPath, "out", "", "Write the result to this file instead of stdout")
	cmd.StringVar(&policyPath, "policy", "", "Policy document to run under instead of policy_id")
	cmd.IntVar(&timeout, "timeout", 0, "Override timeout_sec (1-60)")
	cmd.Uint64Var(&seed, "seed", 0, "Override the request seed")
	cmd.BoolVar(&strict, "strict", false, "Require every request field to be present")

	if err := cmd.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return gate.ExitInternal
	}
	if inPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -f <request.json> is required")
		return gate.ExitInputInvalid
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return gate.ExitInternal
	}
	logger := observability.SetupLogger(stderr, cfg.Log.Level, cfg.Log.JSON)

	data, err := readInput(inPath)
	if err != nil {
		return fail(stderr, &gate.Error{Code: gate.CodeInputInvalid, Message: "read request", Cause: err})
	}
	req, err := spell.DecodeRequest(data, strict || cfg.Strict)
	if err != nil {
		return fail(stderr, &gate.Error{Code: gate.CodeInputInvalid, Message: "decode request", Cause: err})
	}
	cmd.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			req.Seed = seed
		}
	})

	opts := []gate.ExecOption{gate.WithSource("cli")}
	if policyPath != "" {
		pol, err := loadPolicyFile(policyPath)
		if err != nil {
			return fail(stderr, &gate.Error{Code: gate.CodePolicyViolation, Message: "load policy " + policyPath, Cause: err})
		}
		opts = append(opts, gate.WithPolicy(pol))
	}
	if timeout != 0 {
		if timeout < 1 || timeout > spell.MaxTimeoutSec {
			return fail(stderr, &gate.Error{Code: gate.CodeInputInvalid, Message: fmt.Sprintf("--timeout %d out of range 1..%d", timeout, spell.MaxTimeoutSec)})
		}
		opts = append(opts, gate.WithTimeout(timeout))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return fail(stderr, &gate.Error{Code: gate.CodeInternal, Message: "start", Cause: err})
	}
	defer s.Close(context.Background())

	res, err := s.gate.Execute(ctx, *req, opts...)
	if err != nil {
		return fail(stderr, err)
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fail(stderr, &gate.Error{Code: gate.CodeOutputInvalid, Message: "encode result", Cause: err})
	}
	out = append(out, '\n')
	if outPath != "" {
		if err := os.WriteFile(outPath, out, 0o644); err != nil {
			return fail(stderr, &gate.Error{Code: gate.CodeInternal, Message: "write result", Cause: err})
		}
	} else if _, err := stdout.Write(out); err != nil {
		return gate.ExitInternal
	}
	return gate.ExitCode(res, nil)
}

// readInput reads path, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func loadPolicyFile(path string) (*policy.ResolvedPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return policy.Load(data)
}

// fail reports err and returns its exit status.
func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return gate.ExitCode(nil, err)
}
