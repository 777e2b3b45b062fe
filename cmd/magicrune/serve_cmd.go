package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/magicrune/pkg/api"
	"github.com/Mindburn-Labs/magicrune/pkg/config"
	"github.com/Mindburn-Labs/magicrune/pkg/gate"
	"github.com/Mindburn-Labs/magicrune/pkg/observability"
	"github.com/Mindburn-Labs/magicrune/pkg/transport"
)

const shutdownTimeout = 10 * time.Second

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		httpAddr  string
		noGateway bool
		noHTTP    bool
		clientRPS float64
	)

	cmd.StringVar(&httpAddr, "http", "", "HTTP listen address (overrides HTTP_ADDR)")
	cmd.BoolVar(&noGateway, "no-gateway", false, "Do not consume from JetStream")
	cmd.BoolVar(&noHTTP, "no-http", false, "Do not serve HTTP")
	cmd.Float64Var(&clientRPS, "client-rps", 5, "Per-client HTTP request rate; 0 disables")

	if err := cmd.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return gate.ExitInternal
	}
	if noGateway && noHTTP {
		_, _ = fmt.Fprintln(stderr, "Error: nothing to serve")
		return gate.ExitInputInvalid
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return gate.ExitInternal
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	logger := observability.SetupLogger(stderr, cfg.Log.Level, cfg.Log.JSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return gate.ExitInternal
	}
	defer s.Close(context.Background())

	// SIGHUP reloads the policy directory.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := s.registry.Reload(); err != nil {
					logger.Error("policy reload failed", "error", err)
				} else {
					logger.Info("policies reloaded", "ids", s.registry.IDs())
				}
			}
		}
	}()

	errs := make(chan error, 2)

	var httpSrv *http.Server
	if !noHTTP {
		opts := []api.ServerOption{
			api.WithStrictRequests(cfg.Strict),
			api.WithReadiness(s.ready),
			api.WithServerLogger(logger),
		}
		if clientRPS > 0 {
			limiter := api.NewClientRateLimiter(clientRPS, int(clientRPS*2)+1)
			defer limiter.Close()
			opts = append(opts, api.WithClientRateLimit(limiter))
		}
		httpSrv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api.NewServer(s.gate, opts...).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("http listening", "addr", cfg.HTTPAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("http: %w", err)
			}
		}()
	}

	gwDone := make(chan struct{})
	if noGateway {
		close(gwDone)
	} else {
		js, err := transport.NewJetStream(ctx, jetStreamConfig(cfg), logger)
		if err != nil {
			logger.Error("jetstream unavailable", "url", cfg.NATS.URL, "error", err)
			shutdownHTTP(httpSrv)
			return gate.ExitInternal
		}
		defer func() { _ = js.Close() }()

		gw := transport.NewGateway(js, s.gate,
			transport.WithConcurrency(cfg.Gateway.Concurrency),
			transport.WithRate(cfg.Gateway.Rate, cfg.Gateway.Concurrency),
			transport.WithStrict(cfg.Strict),
			transport.WithGatewayLogger(logger),
		)
		go observability.NewReporter(gw.Counters(), cfg.Gateway.ReportInterval, logger).Run(ctx)
		go func() {
			defer close(gwDone)
			if err := gw.Run(ctx); err != nil {
				errs <- fmt.Errorf("gateway: %w", err)
			}
		}()
	}

	logger.Info("magicrune serving", "version", version, "ledger", cfg.Ledger.Backend,
		"gateway", !noGateway, "http", !noHTTP)

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errs:
		logger.Error("serve failed", "error", err)
		code = gate.ExitInternal
	}
	stop()
	shutdownHTTP(httpSrv)
	<-gwDone
	_, _ = fmt.Fprintln(stdout, "stopped")
	return code
}

func shutdownHTTP(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
