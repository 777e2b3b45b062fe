package sandbox

import "sync"

// DefaultOutputCap bounds each captured stream when policy sets no limit.
const DefaultOutputCap = 1 << 20

// boundedBuffer keeps the first limit bytes written to it and counts the rest.
// Writes never fail, so a chatty payload is not killed by SIGPIPE.
type boundedBuffer struct {
	mu    sync.Mutex
	limit int64
	buf   []byte
	total int64
}

func newBoundedBuffer(limit int64) *boundedBuffer {
	if limit <= 0 {
		limit = DefaultOutputCap
	}
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += int64(len(p))
	if room := b.limit - int64(len(b.buf)); room > 0 {
		if int64(len(p)) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Output snapshots the buffer.
func (b *boundedBuffer) Output() Output {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Output{
		Data:      append([]byte(nil), b.buf...),
		Total:     b.total,
		Truncated: b.total > int64(len(b.buf)),
	}
}
