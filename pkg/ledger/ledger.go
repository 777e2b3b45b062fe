// Package ledger records one entry per request fingerprint so that a payload
// is executed at most once and every later request for the same fingerprint
// receives the stored result.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for unknown fingerprints.
	ErrNotFound = errors.New("ledger: entry not found")
	// ErrNotOwner is returned when an owner-scoped operation targets an entry
	// that is not pending under that owner.
	ErrNotOwner = errors.New("ledger: entry not pending under this owner")
	// ErrOrphaned means a pending entry's lease expired without completion.
	// The payload may or may not have run, so it is never re-executed.
	ErrOrphaned = errors.New("ledger: pending entry orphaned")
)

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
)

// Entry is the durable record for one fingerprint.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Status      Status    `json:"status"`
	Owner       string    `json:"owner"`
	LeaseUntil  time.Time `json:"lease_until"`
	Result      []byte    `json:"result,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Orphaned reports whether e is pending with an expired lease.
func (e Entry) Orphaned(now time.Time) bool {
	return e.Status == StatusPending && now.After(e.LeaseUntil)
}

// Store is the durable ledger contract. Every method is atomic with respect
// to a single fingerprint.
type Store interface {
	// Claim creates a pending entry owned by owner. If an entry already
	// exists it is returned unchanged with claimed=false.
	Claim(ctx context.Context, fp, owner string, lease time.Duration) (entry Entry, claimed bool, err error)
	// Complete stores the result and marks the entry done.
	Complete(ctx context.Context, fp, owner string, result []byte) error
	// Release deletes a pending entry so the fingerprint can be claimed again.
	Release(ctx context.Context, fp, owner string) error
	Get(ctx context.Context, fp string) (Entry, error)
	// Renew extends the lease of a pending entry.
	Renew(ctx context.Context, fp, owner string, lease time.Duration) error
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
