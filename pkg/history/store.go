// Package history keeps the bounded rolling window of processed messages.
package history

import (
	"context"
	"time"

	"github.com/HatiCode/turbowatch/pkg/diagnosis"
	"github.com/HatiCode/turbowatch/pkg/telemetry"
)

// DefaultCapacity is the number of entries retained when none is configured.
const DefaultCapacity = 100

// Entry is one processed message: the inbound record and its verdict, encoded
// as a single flat JSON object.
type Entry struct {
	telemetry.Record
	diagnosis.Verdict
}

// NewEntry pairs a record with its verdict.
func NewEntry(r telemetry.Record, v diagnosis.Verdict) Entry {
	return Entry{Record: r, Verdict: v}
}

// Store is a bounded FIFO of entries. When full, Push evicts the oldest entry.
// Snapshot returns entries oldest-first and never returns nil.
type Store interface {
	Push(ctx context.Context, e Entry) error
	Snapshot(ctx context.Context) ([]Entry, error)
	Len(ctx context.Context) (int, error)
}

// Options configures a Redis-backed store.
type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Capacity int
	Timeout  time.Duration
}
