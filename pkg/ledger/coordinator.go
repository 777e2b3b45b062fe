package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLease        = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	shardCount          = 64
)

// Outcome is what Do returns for a fingerprint.
type Outcome struct {
	Result []byte
	// Replayed is true when the result came from an earlier execution.
	Replayed bool
}

// call is one in-process attempt shared by every local caller of a fingerprint.
type call struct {
	pending chan struct{}
	done    chan struct{}
	outcome Outcome
	err     error
}

type shard struct {
	mu    sync.Mutex
	calls map[string]*call
}

// Coordinator guarantees a function runs at most once per fingerprint across
// processes sharing a Store. Local callers of the same fingerprint share one
// attempt.
type Coordinator struct {
	store  Store
	owner  string
	lease  time.Duration
	poll   time.Duration
	logger *slog.Logger
	shards [shardCount]shard
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLease sets the lease granted to a claim. It is renewed every third of
// its length while the function runs.
func WithLease(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.lease = d }
}

// WithPollInterval sets how often a foreign pending entry is re-read.
func WithPollInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.poll = d }
}

// WithOwner overrides the generated owner token.
func WithOwner(owner string) CoordinatorOption {
	return func(c *Coordinator) { c.owner = owner }
}

func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a coordinator over store.
func NewCoordinator(store Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:  store,
		owner:  uuid.NewString(),
		lease:  DefaultLease,
		poll:   DefaultPollInterval,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "ledger", "owner", c.owner)
	for i := range c.shards {
		c.shards[i].calls = make(map[string]*call)
	}
	return c
}

// Owner returns the token this coordinator claims entries with.
func (c *Coordinator) Owner() string { return c.owner }

type doConfig struct {
	onPending func()
}

// DoOption configures one Do call.
type DoOption func(*doConfig)

// WithOnPending registers a hook that fires once the fingerprint is durably
// at least pending, before the result is known.
func WithOnPending(fn func()) DoOption {
	return func(d *doConfig) { d.onPending = fn }
}

// Do returns the stored result for fp, running fn to produce it if no entry
// exists. When fn fails the entry is released and the error goes only to the
// callers that shared this attempt.
func (c *Coordinator) Do(ctx context.Context, fp string, fn func(context.Context) ([]byte, error), opts ...DoOption) (Outcome, error) {
	var cfg doConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	sh := c.shard(fp)
	sh.mu.Lock()
	cl, shared := sh.calls[fp]
	if !shared {
		cl = &call{pending: make(chan struct{}), done: make(chan struct{})}
		sh.calls[fp] = cl
	}
	sh.mu.Unlock()

	if !shared {
		// The attempt outlives any single caller's context.
		go c.attempt(context.WithoutCancel(ctx), fp, fn, cl)
	}

	if cfg.onPending != nil {
		select {
		case <-cl.pending:
			cfg.onPending()
		case <-cl.done:
			if cl.err == nil {
				cfg.onPending()
			}
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	select {
	case <-cl.done:
		out := cl.outcome
		if shared && cl.err == nil {
			out.Replayed = true
		}
		return out, cl.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// finish unregisters the attempt before publishing its outcome, so a caller
// arriving afterwards starts a new attempt instead of joining a finished one.
func (c *Coordinator) finish(fp string, cl *call) {
	sh := c.shard(fp)
	sh.mu.Lock()
	if sh.calls[fp] == cl {
		delete(sh.calls, fp)
	}
	sh.mu.Unlock()
	close(cl.done)
}

func (c *Coordinator) attempt(ctx context.Context, fp string, fn func(context.Context) ([]byte, error), cl *call) {
	var pendingOnce sync.Once
	markPending := func() { pendingOnce.Do(func() { close(cl.pending) }) }
	defer c.finish(fp, cl)

	for {
		entry, claimed, err := c.store.Claim(ctx, fp, c.owner, c.lease)
		if err != nil {
			cl.err = fmt.Errorf("ledger: claim %s: %w", fp, err)
			return
		}
		if claimed {
			markPending()
			cl.outcome, cl.err = c.execute(ctx, fp, fn)
			return
		}
		if entry.Status == StatusDone {
			markPending()
			cl.outcome = Outcome{Result: entry.Result, Replayed: true}
			return
		}
		markPending()
		entry, err = c.wait(ctx, fp)
		switch {
		case errors.Is(err, ErrNotFound):
			c.logger.Debug("pending entry released, retrying claim", "fingerprint", fp)
			continue
		case err != nil:
			cl.err = err
			return
		}
		cl.outcome = Outcome{Result: entry.Result, Replayed: true}
		return
	}
}

// execute runs fn under a renewed lease and records its outcome.
func (c *Coordinator) execute(ctx context.Context, fp string, fn func(context.Context) ([]byte, error)) (Outcome, error) {
	runCtx, stop := context.WithCancel(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		c.renew(runCtx, fp)
	}()

	result, err := fn(runCtx)
	stop()
	<-renewed

	store := context.WithoutCancel(ctx)
	if err != nil {
		if rerr := c.store.Release(store, fp, c.owner); rerr != nil {
			c.logger.Error("release failed", "fingerprint", fp, "error", rerr)
		}
		return Outcome{}, err
	}
	if err := c.store.Complete(store, fp, c.owner, result); err != nil {
		c.logger.Error("complete failed", "fingerprint", fp, "error", err)
		return Outcome{}, fmt.Errorf("ledger: complete %s: %w", fp, err)
	}
	return Outcome{Result: result}, nil
}

func (c *Coordinator) renew(ctx context.Context, fp string) {
	interval := c.lease / 3
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.store.Renew(ctx, fp, c.owner, c.lease); err != nil && ctx.Err() == nil {
				c.logger.Warn("lease renewal failed", "fingerprint", fp, "error", err)
			}
		}
	}
}

// wait polls a pending entry owned by another process until it is done,
// released (ErrNotFound) or orphaned.
func (c *Coordinator) wait(ctx context.Context, fp string) (Entry, error) {
	t := time.NewTicker(c.poll)
	defer t.Stop()
	for {
		e, err := c.store.Get(ctx, fp)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Entry{}, err
			}
			return Entry{}, fmt.Errorf("ledger: get %s: %w", fp, err)
		}
		if e.Status == StatusDone {
			return e, nil
		}
		if e.Orphaned(time.Now()) {
			c.logger.Error("orphaned entry", "fingerprint", fp, "entry_owner", e.Owner, "lease_until", e.LeaseUntil)
			return Entry{}, fmt.Errorf("%w: %s owned by %s", ErrOrphaned, fp, e.Owner)
		}
		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Coordinator) shard(fp string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))
	return &c.shards[h.Sum32()%shardCount]
}
