// Package etcd backs leader election with an etcd cluster. A single
// concurrency session carries every election the process runs, so one
// lost lease drops all leadership at once.
package etcd

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"marketpulse/pkg/coordination"
)

const electionPrefix = "/marketpulse/elections/"

type EtcdCoordinator struct {
	client  *clientv3.Client
	session *concurrency.Session
}

// NewEtcdCoordinator connects to the cluster and opens a session whose
// lease TTL (seconds) bounds how long a dead leader blocks a takeover.
func NewEtcdCoordinator(endpoints []string, ttl int) (*EtcdCoordinator, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// The session keeps the lease alive in the background; if it
	// expires, Campaign holders lose leadership automatically.
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}

	return &EtcdCoordinator{
		client:  cli,
		session: sess,
	}, nil
}

// Done fires when the session lease expires, which revokes every
// election held through it.
func (c *EtcdCoordinator) Done() <-chan struct{} {
	return c.session.Done()
}

func (c *EtcdCoordinator) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

func (c *EtcdCoordinator) NewElection(name string) coordination.Election {
	e := concurrency.NewElection(c.session, electionPrefix+name)
	return &EtcdElection{election: e}
}

// EtcdElection wraps the etcd concurrency.Election struct.
type EtcdElection struct {
	election *concurrency.Election
}

func (e *EtcdElection) Campaign(ctx context.Context, value string) error {
	return e.election.Campaign(ctx, value)
}

func (e *EtcdElection) Resign(ctx context.Context) error {
	return e.election.Resign(ctx)
}

func (e *EtcdElection) Leader(ctx context.Context) (string, error) {
	resp, err := e.election.Leader(ctx)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", concurrency.ErrElectionNoLeader
	}
	return string(resp.Kvs[0].Value), nil
}
