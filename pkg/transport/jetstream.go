package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig configures the NATS JetStream transport.
type JetStreamConfig struct {
	URL string
	// Stream holds requests, ResultStream holds replies.
	Stream         string
	RequestFilter  string
	ResultStream   string
	ReplyBase      string
	Durable        string
	DupWindow      time.Duration
	AckWait        time.Duration
	MaxDeliver     int
	ResultMaxAge   time.Duration
	ConnectTimeout time.Duration
}

// DefaultJetStreamConfig returns the stream layout used by publishers.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:            nats.DefaultURL,
		Stream:         "RUN",
		RequestFilter:  DefaultRequestFilter,
		ResultStream:   "RUN_RES",
		ReplyBase:      DefaultReplyBase,
		Durable:        "magicrune",
		DupWindow:      DefaultDupWindow,
		AckWait:        30 * time.Second,
		MaxDeliver:     5,
		ResultMaxAge:   time.Hour,
		ConnectTimeout: 5 * time.Second,
	}
}

// JetStream is a Transport backed by NATS JetStream.
type JetStream struct {
	cfg    JetStreamConfig
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	logger *slog.Logger
}

// NewJetStream connects and creates or updates both streams.
func NewJetStream(ctx context.Context, cfg JetStreamConfig, logger *slog.Logger) (*JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport.jetstream")

	nc, err := nats.Connect(cfg.URL,
		nats.Name("magicrune"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: connect %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport: jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.RequestFilter},
		Duplicates: cfg.DupWindow,
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport: stream %s: %w", cfg.Stream, err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.ResultStream,
		Subjects:   []string{cfg.ReplyBase + ".>"},
		Duplicates: cfg.DupWindow,
		MaxAge:     cfg.ResultMaxAge,
		Storage:    jetstream.FileStorage,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport: stream %s: %w", cfg.ResultStream, err)
	}

	logger.Info("jetstream ready", "url", nc.ConnectedUrl(), "stream", cfg.Stream, "dup_window", cfg.DupWindow)
	return &JetStream{cfg: cfg, nc: nc, js: js, stream: stream, logger: logger}, nil
}

func (j *JetStream) Consume(ctx context.Context, handler Handler) error {
	cons, err := j.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       j.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       j.cfg.AckWait,
		MaxDeliver:    j.cfg.MaxDeliver,
		FilterSubject: j.cfg.RequestFilter,
	})
	if err != nil {
		return fmt.Errorf("transport: consumer %s: %w", j.cfg.Durable, err)
	}
	cc, err := cons.Consume(func(m jetstream.Msg) {
		handler(ctx, &jsDelivery{msg: m})
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		j.logger.Warn("consume error", "error", err)
	}))
	if err != nil {
		return fmt.Errorf("transport: consume: %w", err)
	}
	<-ctx.Done()
	cc.Stop()
	return nil
}

func (j *JetStream) Publish(ctx context.Context, subject, msgID string, data []byte) (PubAck, error) {
	if subjectMatches(j.cfg.RequestFilter, subject) || subjectMatches(j.cfg.ReplyBase+".>", subject) {
		var opts []jetstream.PublishOpt
		if msgID != "" {
			opts = append(opts, jetstream.WithMsgID(msgID))
		}
		ack, err := j.js.Publish(ctx, subject, data, opts...)
		if err != nil {
			return PubAck{}, fmt.Errorf("transport: publish %s: %w", subject, err)
		}
		return PubAck{Stream: ack.Stream, Sequence: ack.Sequence, Duplicate: ack.Duplicate}, nil
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	if msgID != "" {
		msg.Header.Set(nats.MsgIdHdr, msgID)
	}
	if err := j.nc.PublishMsg(msg); err != nil {
		return PubAck{}, fmt.Errorf("transport: publish %s: %w", subject, err)
	}
	return PubAck{}, nil
}

func (j *JetStream) Subscribe(subject string, fn func(subject string, data []byte)) (func() error, error) {
	sub, err := j.nc.Subscribe(subject, func(m *nats.Msg) {
		fn(m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe %s: %w", subject, err)
	}
	// Make sure the server has the interest before the caller publishes.
	if err := j.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("transport: subscribe %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

func (j *JetStream) Close() error {
	if err := j.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

type jsDelivery struct {
	msg jetstream.Msg
}

func (d *jsDelivery) Data() []byte    { return d.msg.Data() }
func (d *jsDelivery) Subject() string { return d.msg.Subject() }

func (d *jsDelivery) MsgID() string {
	if h := d.msg.Headers(); h != nil {
		return h.Get(nats.MsgIdHdr)
	}
	return ""
}

func (d *jsDelivery) NumDelivered() uint64 {
	md, err := d.msg.Metadata()
	if err != nil {
		return 0
	}
	return md.NumDelivered
}

func (d *jsDelivery) DoubleAck(ctx context.Context) error { return d.msg.DoubleAck(ctx) }
func (d *jsDelivery) Nak(context.Context) error           { return d.msg.Nak() }
