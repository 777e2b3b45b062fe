package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, m *Memory) (<-chan Delivery, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Delivery, 16)
	go func() {
		_ = m.Consume(ctx, func(_ context.Context, d Delivery) { out <- d })
	}()
	return out, cancel
}

func next(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func TestMemory_DeduplicatesWithinWindow(t *testing.T) {
	m := NewMemory(MemoryOptions{DupWindow: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	ack, err := m.Publish(ctx, DefaultRequestSubject, "fp1", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
	assert.Equal(t, uint64(1), ack.Sequence)
	assert.Equal(t, DefaultRequestFilter, ack.Stream)

	ack, err = m.Publish(ctx, "run.req.other", "fp1", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)

	// The same id on another stream is independent.
	ack, err = m.Publish(ctx, "run.res.r_1", "fp1", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)

	now = now.Add(time.Minute)
	ack, err = m.Publish(ctx, DefaultRequestSubject, "fp1", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)

	ch, cancel := collect(t, m)
	defer cancel()
	assert.Equal(t, "fp1", next(t, ch).MsgID())
	assert.Equal(t, "fp1", next(t, ch).MsgID())
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery %s", d.MsgID())
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemory_NakRedelivers(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	ch, cancel := collect(t, m)
	defer cancel()

	_, err := m.Publish(context.Background(), DefaultRequestSubject, "fp", []byte("payload"))
	require.NoError(t, err)

	d := next(t, ch)
	assert.Equal(t, uint64(1), d.NumDelivered())
	require.NoError(t, d.Nak(context.Background()))
	assert.Error(t, d.DoubleAck(context.Background()))

	d = next(t, ch)
	assert.Equal(t, uint64(2), d.NumDelivered())
	assert.Equal(t, []byte("payload"), d.Data())
	require.NoError(t, d.DoubleAck(context.Background()))
	assert.Error(t, d.DoubleAck(context.Background()))
}

func TestMemory_SubscribersAndInject(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	var mu sync.Mutex
	var got []string
	unsubscribe, err := m.Subscribe("run.res.>", func(subject string, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, subject+"="+string(data))
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = m.Publish(ctx, "run.res.r_1", "fp", []byte("a"))
	require.NoError(t, err)
	_, err = m.Publish(ctx, "run.res.r_1", "fp", []byte("b"))
	require.NoError(t, err)
	_, err = m.Publish(ctx, "run.ack.r_1", "", []byte("c"))
	require.NoError(t, err)

	require.NoError(t, unsubscribe())
	_, err = m.Publish(ctx, "run.res.r_2", "fp2", []byte("d"))
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{"run.res.r_1=a"}, got)
	mu.Unlock()

	ch, cancel := collect(t, m)
	defer cancel()
	require.NoError(t, m.Inject(DefaultRequestSubject, "fp", []byte("x")))
	require.NoError(t, m.Inject(DefaultRequestSubject, "fp", []byte("x")))
	assert.Equal(t, "fp", next(t, ch).MsgID())
	assert.Equal(t, "fp", next(t, ch).MsgID())
}

func TestMemory_Close(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Publish(context.Background(), DefaultRequestSubject, "fp", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.Subscribe("run.res.>", func(string, []byte) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Consume(context.Background(), func(context.Context, Delivery) {}), ErrClosed)
}
