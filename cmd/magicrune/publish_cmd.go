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
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/magicrune/pkg/config"
	"github.com/Mindburn-Labs/magicrune/pkg/gate"
	"github.com/Mindburn-Labs/magicrune/pkg/observability"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
	"github.com/Mindburn-Labs/magicrune/pkg/transport"
)

func runPublishCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("publish", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		inPath  string
		subject string
		wait    time.Duration
	)

	cmd.StringVar(&inPath, "f", "", "Request JSON file, - for stdin (REQUIRED)")
	cmd.StringVar(&inPath, "file", "", "Alias for -f")
	cmd.StringVar(&subject, "subject", "", "Request subject (overrides NATS_REQ_SUBJ)")
	cmd.DurationVar(&wait, "wait", transport.DefaultReplyTimeout, "How long to wait for the reply")

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
	if subject == "" {
		subject = cfg.NATS.RequestSubject
	}
	if !strings.HasPrefix(subject, "run.req.") {
		_, _ = fmt.Fprintf(stderr, "Error: subject %q must be under run.req\n", subject)
		return gate.ExitInputInvalid
	}
	logger := observability.SetupLogger(stderr, cfg.Log.Level, cfg.Log.JSON)

	data, err := readInput(inPath)
	if err != nil {
		return fail(stderr, &gate.Error{Code: gate.CodeInputInvalid, Message: "read request", Cause: err})
	}
	req, err := spell.DecodeRequest(data, cfg.Strict)
	if err != nil {
		return fail(stderr, &gate.Error{Code: gate.CodeInputInvalid, Message: "decode request", Cause: err})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	js, err := transport.NewJetStream(ctx, jetStreamConfig(cfg), logger)
	if err != nil {
		return fail(stderr, &gate.Error{Code: gate.CodeTransport, Message: "connect " + cfg.NATS.URL, Cause: err})
	}
	defer func() { _ = js.Close() }()

	pub := transport.NewPublisher(js,
		transport.WithRequestSubject(subject),
		transport.WithReplyTimeout(wait),
		transport.WithPublisherLogger(logger),
	)
	reply, err := pub.Publish(ctx, *req)
	if err != nil {
		return fail(stderr, &gate.Error{Code: gate.CodeTransport, Message: "publish", Cause: err})
	}
	if reply.Error != nil {
		return fail(stderr, reply.Error)
	}

	out, err := json.MarshalIndent(reply.Result, "", "  ")
	if err != nil {
		return fail(stderr, &gate.Error{Code: gate.CodeOutputInvalid, Message: "encode result", Cause: err})
	}
	_, _ = stdout.Write(append(out, '\n'))
	return gate.ExitCode(reply.Result, nil)
}
