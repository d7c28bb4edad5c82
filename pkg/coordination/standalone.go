package coordination

import (
	"context"
	"sync"
)

// Standalone is the single-node coordinator: every Campaign wins
// immediately. Used when no etcd endpoints are configured, typically in
// development or single-scheduler deployments.
type Standalone struct{}

func NewStandalone() *Standalone {
	return &Standalone{}
}

func (s *Standalone) NewElection(name string) Election {
	return &standaloneElection{}
}

// Done never fires: a standalone coordinator has no session to lose.
func (s *Standalone) Done() <-chan struct{} {
	return nil
}

func (s *Standalone) Close() error {
	return nil
}

type standaloneElection struct {
	mu     sync.Mutex
	leader string
}

func (e *standaloneElection) Campaign(ctx context.Context, value string) error {
	e.mu.Lock()
	e.leader = value
	e.mu.Unlock()
	return nil
}

func (e *standaloneElection) Resign(ctx context.Context) error {
	e.mu.Lock()
	e.leader = ""
	e.mu.Unlock()
	return nil
}

func (e *standaloneElection) Leader(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader, nil
}
