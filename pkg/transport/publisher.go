package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

// DefaultReplyTimeout bounds how long Publish waits for a reply.
const DefaultReplyTimeout = 90 * time.Second

// ErrNoReply is returned when no reply arrives in time.
var ErrNoReply = errors.New("transport: no reply")

// Publisher submits requests and waits for their replies.
type Publisher struct {
	transport Transport
	subject   string
	replyBase string
	ackBase   string
	timeout   time.Duration
	logger    *slog.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

func WithRequestSubject(s string) PublisherOption {
	return func(p *Publisher) { p.subject = s }
}

func WithReplyTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.timeout = d }
}

func WithPublisherReplyBase(base string) PublisherOption {
	return func(p *Publisher) { p.replyBase = base }
}

func WithPublisherAckBase(base string) PublisherOption {
	return func(p *Publisher) { p.ackBase = base }
}

func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

// NewPublisher creates a publisher on t.
func NewPublisher(t Transport, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		transport: t,
		subject:   DefaultRequestSubject,
		replyBase: DefaultReplyBase,
		ackBase:   DefaultAckBase,
		timeout:   DefaultReplyTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "publisher")
	return p
}

// Publish sends req with its fingerprint as message id, waits for the reply
// on the run's reply subject and confirms receipt on the ack subject.
func (p *Publisher) Publish(ctx context.Context, req spell.Request) (*Reply, error) {
	req = req.Normalize()
	fp, err := req.Fingerprint()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("transport: encode request: %w", err)
	}
	runID := spell.RunID(fp)
	logger := p.logger.With("run_id", runID)

	replies := make(chan []byte, 1)
	unsubscribe, err := p.transport.Subscribe(ReplySubject(p.replyBase, runID), func(_ string, data []byte) {
		select {
		case replies <- data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = unsubscribe() }()

	ack, err := p.transport.Publish(ctx, p.subject, fp, data)
	if err != nil {
		return nil, err
	}
	logger.Debug("request published", "subject", p.subject, "sequence", ack.Sequence, "duplicate", ack.Duplicate)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	var raw []byte
	select {
	case raw = <-replies:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w for %s: %v", ErrNoReply, runID, ctx.Err())
	}

	if _, err := p.transport.Publish(ctx, AckSubject(p.ackBase, runID), "", []byte(`{"run_id":"`+runID+`"}`)); err != nil {
		logger.Warn("reply confirmation failed", "error", err)
	}
	return DecodeReply(raw)
}
