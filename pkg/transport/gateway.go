package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/magicrune/pkg/gate"
	"github.com/Mindburn-Labs/magicrune/pkg/observability"
	"github.com/Mindburn-Labs/magicrune/pkg/retry"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

// Executor runs a request at most once per fingerprint. *gate.Gate
// implements it.
type Executor interface {
	Run(ctx context.Context, req spell.Request, opts ...gate.ExecOption) (*gate.Outcome, error)
}

// DefaultConcurrency bounds in-flight deliveries per gateway.
const DefaultConcurrency = 16

// Gateway consumes requests from a Transport, runs them through an Executor
// and publishes one reply per request.
type Gateway struct {
	transport Transport
	exec      Executor
	id        string

	limiter   *rate.Limiter
	sem       chan struct{}
	replyBase string
	ackBase   string
	strict    bool
	backoff   retry.BackoffPolicy
	counters  *observability.Counters
	logger    *slog.Logger

	wg sync.WaitGroup
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithConcurrency bounds the number of requests processed at once.
func WithConcurrency(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.sem = make(chan struct{}, n)
		}
	}
}

// WithRate limits intake to perSec deliveries per second. Zero disables the
// limit.
func WithRate(perSec float64, burst int) GatewayOption {
	return func(g *Gateway) {
		if perSec <= 0 {
			g.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

func WithReplyBase(base string) GatewayOption {
	return func(g *Gateway) { g.replyBase = base }
}

func WithAckBase(base string) GatewayOption {
	return func(g *Gateway) { g.ackBase = base }
}

// WithStrict requires every request field to be present.
func WithStrict(strict bool) GatewayOption {
	return func(g *Gateway) { g.strict = strict }
}

// WithReplyBackoff sets the retry policy for reply publishes.
func WithReplyBackoff(p retry.BackoffPolicy) GatewayOption {
	return func(g *Gateway) { g.backoff = p }
}

func WithCounters(c *observability.Counters) GatewayOption {
	return func(g *Gateway) { g.counters = c }
}

func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a gateway reading from t and executing with exec.
func NewGateway(t Transport, exec Executor, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		transport: t,
		exec:      exec,
		id:        uuid.NewString(),
		limiter:   rate.NewLimiter(rate.Inf, 0),
		sem:       make(chan struct{}, DefaultConcurrency),
		replyBase: DefaultReplyBase,
		ackBase:   DefaultAckBase,
		backoff:   retry.DefaultPolicy(),
		counters:  &observability.Counters{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway", "gateway_id", g.id)
	return g
}

// Counters returns the gateway's counters.
func (g *Gateway) Counters() *observability.Counters { return g.counters }

// Run consumes until ctx is done and waits for in-flight deliveries to settle.
func (g *Gateway) Run(ctx context.Context) error {
	unsubscribe, err := g.transport.Subscribe(g.ackBase+".>", func(subject string, _ []byte) {
		g.logger.Debug("reply confirmed", "subject", subject)
	})
	if err != nil {
		return err
	}
	defer func() { _ = unsubscribe() }()

	g.logger.Info("gateway started", "concurrency", cap(g.sem), "rate", float64(g.limiter.Limit()), "reply_base", g.replyBase)
	err = g.transport.Consume(ctx, g.handle)
	g.wg.Wait()
	g.logger.Info("gateway stopped")
	return err
}

func (g *Gateway) handle(ctx context.Context, d Delivery) {
	if err := g.limiter.Wait(ctx); err != nil {
		_ = d.Nak(ctx)
		return
	}
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		_ = d.Nak(ctx)
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() { <-g.sem }()
		// Deliveries in flight finish even when the gateway is stopping.
		g.process(context.WithoutCancel(ctx), d)
	}()
}

func (g *Gateway) process(ctx context.Context, d Delivery) {
	logger := g.logger.With("subject", d.Subject(), "delivered", d.NumDelivered())
	msgID := d.MsgID()

	req, err := spell.DecodeRequest(d.Data(), g.strict)
	if err != nil {
		g.reject(ctx, logger, d, msgID, &gate.Error{Code: gate.CodeInputInvalid, Message: "request rejected", Cause: err})
		return
	}
	fp, err := req.Fingerprint()
	if err != nil {
		g.reject(ctx, logger, d, msgID, &gate.Error{Code: gate.CodeInternal, Message: "fingerprint", Cause: err})
		return
	}
	if msgID == "" {
		msgID = fp
	} else if msgID != fp {
		g.reject(ctx, logger, d, msgID, &gate.Error{
			Code:    gate.CodeInputInvalid,
			Message: "message id does not match request fingerprint " + fp,
		})
		return
	}

	runID := spell.RunID(fp)
	logger = logger.With("run_id", runID)

	var acked atomic.Bool
	onPending := func() {
		if err := d.DoubleAck(ctx); err != nil {
			logger.Warn("ack failed", "error", err)
			return
		}
		acked.Store(true)
	}

	out, err := g.exec.Run(ctx, *req, gate.WithOnPending(onPending), gate.WithSource("transport"))
	if err != nil {
		gerr := asGateError(err)
		switch gerr.Code {
		case gate.CodeInputInvalid, gate.CodePolicyViolation, gate.CodeOutputInvalid:
			if !acked.Load() {
				onPending()
			}
		default:
			if !acked.Load() {
				// Nothing was recorded for this request. Let the broker redeliver.
				logger.Warn("run failed before ack, requesting redelivery", "error", err)
				if nerr := d.Nak(ctx); nerr != nil {
					logger.Error("nak failed", "error", nerr)
				}
				return
			}
			logger.Error("run failed", "error", err)
		}
		replied := g.reply(ctx, logger, runID, fp, Reply{Error: gerr})
		g.settle(acked.Load() && replied, false, false, true)
		return
	}

	replied := g.reply(ctx, logger, runID, fp, Reply{Result: out.Result})
	logger.Debug("delivery settled", "verdict", out.Result.Verdict, "replayed", out.Replayed, "acked", acked.Load(), "replied", replied)
	g.settle(acked.Load() && replied, out.Replayed, out.Result.Verdict == spell.VerdictRed, false)
}

// reject settles a delivery that can never succeed: it is acknowledged and,
// if the requester can be addressed, answered with an error.
func (g *Gateway) reject(ctx context.Context, logger *slog.Logger, d Delivery, msgID string, gerr *gate.Error) {
	logger.Warn("request rejected", "code", gerr.Code, "error", gerr)
	ackErr := d.DoubleAck(ctx)
	if ackErr != nil {
		logger.Warn("ack failed", "error", ackErr)
	}
	if msgID == "" {
		g.settle(false, false, false, true)
		return
	}
	replied := g.reply(ctx, logger, spell.RunID(msgID), msgID, Reply{Error: gerr})
	g.settle(ackErr == nil && replied, false, false, true)
}

// reply publishes to the run's reply subject with backoff. The message id
// is the fingerprint, so duplicate deliveries produce a single stored reply.
func (g *Gateway) reply(ctx context.Context, logger *slog.Logger, runID, msgID string, r Reply) bool {
	data, err := json.Marshal(r)
	if err != nil {
		logger.Error("encode reply", "error", err)
		return false
	}
	subject := ReplySubject(g.replyBase, runID)
	err = retry.Do(ctx, msgID, g.backoff, func(ctx context.Context, attempt int) error {
		ack, err := g.transport.Publish(ctx, subject, msgID, data)
		if errors.Is(err, ErrClosed) {
			return retry.Permanent(err)
		}
		if err != nil {
			logger.Warn("reply publish failed", "attempt", attempt, "error", err)
			return err
		}
		if ack.Duplicate {
			logger.Debug("reply already published", "subject", subject)
		}
		return nil
	})
	if err != nil {
		logger.Error("reply not published", "subject", subject, "error", err)
		return false
	}
	return true
}

func (g *Gateway) settle(confirmed, duplicate, red, failed bool) {
	if !confirmed {
		return
	}
	g.counters.Processed.Add(1)
	if duplicate {
		g.counters.Duplicates.Add(1)
	}
	if red {
		g.counters.Red.Add(1)
	}
	if failed {
		g.counters.Failed.Add(1)
	}
}

func asGateError(err error) *gate.Error {
	var gerr *gate.Error
	if errors.As(err, &gerr) {
		return gerr
	}
	return &gate.Error{Code: gate.CodeInternal, Message: "gateway", Cause: err}
}
