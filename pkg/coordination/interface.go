// Package coordination elects the single active scheduler. Producers
// and the reaper are idempotent behind dedup keys, so a brief overlap
// between leaders is survivable; the election exists to keep overlap
// brief, not to make it impossible.
package coordination

import (
	"context"
)

// Coordinator owns the connection elections run over.
type Coordinator interface {
	// NewElection creates an election for the named campaign. Elections
	// from one coordinator share its underlying session.
	NewElection(name string) Election

	// Done signals loss of the coordination session. A leader whose
	// session lapses must stop acting before a standby is promoted.
	Done() <-chan struct{}

	// Close terminates the coordinator connection.
	Close() error
}

// Election is a single leader-election campaign.
type Election interface {
	// Campaign blocks until this candidate holds leadership or ctx ends.
	// value identifies the candidate to observers.
	Campaign(ctx context.Context, value string) error

	// Resign releases leadership so a standby is promoted immediately.
	Resign(ctx context.Context) error

	// Leader returns the value of the current leader, if any.
	Leader(ctx context.Context) (string, error)
}
