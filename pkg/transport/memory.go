package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultDupWindow matches the JetStream stream configuration.
const DefaultDupWindow = 2 * time.Minute

// MemoryOptions configures a Memory transport.
type MemoryOptions struct {
	// Streams are the subject patterns whose publishes are stored and
	// deduplicated. Requests are the first stream.
	Streams   []string
	DupWindow time.Duration
	// RedeliverDelay is applied after Nak.
	RedeliverDelay time.Duration
}

// Memory is an in-process Transport for tests and local mode.
type Memory struct {
	opts MemoryOptions

	mu      sync.Mutex
	seen    map[string]time.Time
	subs    map[int]subscription
	nextSub int
	seq     uint64
	closed  bool

	queue chan *memDelivery
	now   func() time.Time
}

type subscription struct {
	pattern string
	fn      func(subject string, data []byte)
}

// NewMemory creates a memory transport.
func NewMemory(opts MemoryOptions) *Memory {
	if len(opts.Streams) == 0 {
		opts.Streams = []string{DefaultRequestFilter, DefaultReplyBase + ".>"}
	}
	if opts.DupWindow == 0 {
		opts.DupWindow = DefaultDupWindow
	}
	return &Memory{
		opts:  opts,
		seen:  make(map[string]time.Time),
		subs:  make(map[int]subscription),
		queue: make(chan *memDelivery, 1024),
		now:   time.Now,
	}
}

func (m *Memory) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-m.queue:
			if !ok {
				return ErrClosed
			}
			handler(ctx, d)
		}
	}
}

func (m *Memory) Publish(_ context.Context, subject, msgID string, data []byte) (PubAck, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return PubAck{}, ErrClosed
	}
	stream := m.streamOf(subject)
	var ack PubAck
	if stream != "" {
		ack.Stream = stream
		if msgID != "" {
			key := stream + "\x00" + msgID
			now := m.now()
			m.expire(now)
			if _, dup := m.seen[key]; dup {
				m.mu.Unlock()
				ack.Duplicate = true
				return ack, nil
			}
			m.seen[key] = now
		}
		m.seq++
		ack.Sequence = m.seq
	}
	subs := m.matching(subject)
	m.mu.Unlock()

	payload := append([]byte(nil), data...)
	if stream == m.opts.Streams[0] {
		if err := m.enqueue(&memDelivery{m: m, subject: subject, msgID: msgID, data: payload}); err != nil {
			return PubAck{}, err
		}
	}
	for _, fn := range subs {
		fn(subject, payload)
	}
	return ack, nil
}

// Inject queues a request without deduplication, as a broker redelivery would.
func (m *Memory) Inject(subject, msgID string, data []byte) error {
	return m.enqueue(&memDelivery{m: m, subject: subject, msgID: msgID, data: append([]byte(nil), data...)})
}

func (m *Memory) enqueue(d *memDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	d.delivered++
	select {
	case m.queue <- d:
		return nil
	default:
		return errors.New("transport: memory queue full")
	}
}

func (m *Memory) Subscribe(subject string, fn func(subject string, data []byte)) (func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = subscription{pattern: subject, fn: fn}
	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
		return nil
	}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	return nil
}

func (m *Memory) streamOf(subject string) string {
	for _, s := range m.opts.Streams {
		if subjectMatches(s, subject) {
			return s
		}
	}
	return ""
}

func (m *Memory) matching(subject string) []func(string, []byte) {
	var fns []func(string, []byte)
	for _, s := range m.subs {
		if subjectMatches(s.pattern, subject) {
			fns = append(fns, s.fn)
		}
	}
	return fns
}

func (m *Memory) expire(now time.Time) {
	for k, t := range m.seen {
		if now.Sub(t) >= m.opts.DupWindow {
			delete(m.seen, k)
		}
	}
}

type memDelivery struct {
	m         *Memory
	subject   string
	msgID     string
	data      []byte
	delivered uint64

	mu    sync.Mutex
	acked bool
}

func (d *memDelivery) Data() []byte         { return d.data }
func (d *memDelivery) MsgID() string        { return d.msgID }
func (d *memDelivery) Subject() string      { return d.subject }
func (d *memDelivery) NumDelivered() uint64 { return d.delivered }

func (d *memDelivery) DoubleAck(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acked {
		return errors.New("transport: message already acknowledged")
	}
	d.acked = true
	return nil
}

func (d *memDelivery) Nak(context.Context) error {
	d.mu.Lock()
	if d.acked {
		d.mu.Unlock()
		return errors.New("transport: message already acknowledged")
	}
	d.acked = true
	d.mu.Unlock()

	redeliver := &memDelivery{m: d.m, subject: d.subject, msgID: d.msgID, data: d.data, delivered: d.delivered}
	delay := d.m.opts.RedeliverDelay
	if delay <= 0 {
		return d.m.enqueue(redeliver)
	}
	time.AfterFunc(delay, func() { _ = d.m.enqueue(redeliver) })
	return nil
}
