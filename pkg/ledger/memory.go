package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and single-node use.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry), now: time.Now}
}

func (s *MemoryStore) Claim(_ context.Context, fp, owner string, lease time.Duration) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[fp]; ok {
		return cloneEntry(e), false, nil
	}
	now := s.now().UTC()
	e := Entry{
		Fingerprint: fp,
		Status:      StatusPending,
		Owner:       owner,
		LeaseUntil:  now.Add(lease),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.entries[fp] = e
	return e, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, fp, owner string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.owned(fp, owner)
	if !ok {
		return ErrNotOwner
	}
	e.Status = StatusDone
	e.Result = append([]byte(nil), result...)
	e.UpdatedAt = s.now().UTC()
	s.entries[fp] = e
	return nil
}

func (s *MemoryStore) Release(_ context.Context, fp, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owned(fp, owner); !ok {
		return ErrNotOwner
	}
	delete(s.entries, fp)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, fp string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fp]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(e), nil
}

func (s *MemoryStore) Renew(_ context.Context, fp, owner string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.owned(fp, owner)
	if !ok {
		return ErrNotOwner
	}
	now := s.now().UTC()
	e.LeaseUntil = now.Add(lease)
	e.UpdatedAt = now
	s.entries[fp] = e
	return nil
}

func (s *MemoryStore) owned(fp, owner string) (Entry, bool) {
	e, ok := s.entries[fp]
	if !ok || e.Status != StatusPending || e.Owner != owner {
		return Entry{}, false
	}
	return e, true
}

func cloneEntry(e Entry) Entry {
	e.Result = append([]byte(nil), e.Result...)
	if len(e.Result) == 0 {
		e.Result = nil
	}
	return e
}
