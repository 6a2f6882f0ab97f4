// Package replication provides quorum broadcast of state mutations to a
// set of in-cluster peers. Writers choose per-operation whether to wait
// for quorum acknowledgement (SyncReplicated) or fire-and-forget
// (AsyncReplicated). Commands from one broadcaster are applied in
// submission order on every peer.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrBroadcastFailure indicates that a synchronous broadcast was not
	// acknowledged by enough peers before its deadline.
	ErrBroadcastFailure = errors.New("replication broadcast failed")

	// ErrQuorumLost indicates that more peers have been lost than the
	// failover factor allows; the replicated state is considered corrupt.
	ErrQuorumLost = errors.New("replica quorum lost")

	// ErrClosed is returned for broadcasts after Close.
	ErrClosed = errors.New("broadcaster closed")
)

// Directive selects the durability of a single replicated write.
type Directive int

const (
	// AsyncReplicated ships the command to replicas best-effort and
	// returns immediately.
	AsyncReplicated Directive = iota
	// SyncReplicated returns only after at least ReplicationFactor peers
	// have acknowledged the command.
	SyncReplicated
)

func (d Directive) String() string {
	if d == SyncReplicated {
		return "sync"
	}
	return "async"
}

// Command is a tagged, encoded state mutation shipped to peers.
type Command struct {
	Seq     uint64          `json:"seq"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Peer is one replica of the state being broadcast.
type Peer interface {
	ID() string
	Apply(ctx context.Context, cmd Command) error
}

// Config tunes a Broadcaster.
type Config struct {
	// ReplicationFactor is the number of peers that must acknowledge a
	// synchronous write.
	ReplicationFactor int
	// FailoverFactor is how many peers may be lost before the replicated
	// state is considered corrupt.
	FailoverFactor int
	// Timeout bounds each synchronous broadcast.
	Timeout time.Duration
}

type envelope struct {
	cmd       Command
	directive Directive
	done      chan error
}

// Broadcaster ships commands to peers one at a time, preserving
// submission order on every replica. It runs as a single dispatcher
// goroutine fed by an ordered queue.
type Broadcaster struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	seq   uint64
	down  map[string]bool
	queue chan envelope
	stop  chan struct{}
	wg    sync.WaitGroup

	peers []Peer
}

// NewBroadcaster creates a broadcaster over the given peers and starts
// its dispatcher.
func NewBroadcaster(peers []Peer, cfg Config) *Broadcaster {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	b := &Broadcaster{
		cfg:    cfg,
		logger: slog.With("component", "replication"),
		down:   make(map[string]bool),
		queue:  make(chan envelope, 256),
		stop:   make(chan struct{}),
		peers:  peers,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Broadcast encodes payload under kind and ships it to all peers. With
// SyncReplicated the call blocks until quorum acknowledgement or
// failure; with AsyncReplicated it returns once the command is queued.
func (b *Broadcaster) Broadcast(ctx context.Context, kind string, payload any, d Directive) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s command: %w", kind, err)
	}

	b.mu.Lock()
	if b.lostLocked() > b.cfg.FailoverFactor {
		b.mu.Unlock()
		return ErrQuorumLost
	}
	b.seq++
	env := envelope{
		cmd:       Command{Seq: b.seq, Kind: kind, Payload: raw},
		directive: d,
	}
	if d == SyncReplicated {
		env.done = make(chan error, 1)
	}
	b.mu.Unlock()

	select {
	case b.queue <- env:
	case <-b.stop:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrBroadcastFailure, ctx.Err())
	}

	if env.done == nil {
		return nil
	}
	select {
	case err := <-env.done:
		return err
	case <-b.stop:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrBroadcastFailure, ctx.Err())
	}
}

// AliveCount returns the number of peers not yet marked failed.
func (b *Broadcaster) AliveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers) - b.lostLocked()
}

// Close stops the dispatcher. Queued asynchronous commands may be
// dropped.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	select {
	case <-b.stop:
		b.mu.Unlock()
		return
	default:
	}
	close(b.stop)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Broadcaster) lostLocked() int {
	n := 0
	for _, failed := range b.down {
		if failed {
			n++
		}
	}
	return n
}

func (b *Broadcaster) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case env := <-b.queue:
			err := b.ship(env.cmd)
			if env.done != nil {
				env.done <- err
			} else if err != nil {
				b.logger.Warn("async replication degraded", "kind", env.cmd.Kind, "error", err)
			}
		}
	}
}

// ship applies one command to every live peer concurrently and counts
// acknowledgements. Peers that fail are marked down; they stop counting
// toward quorum until the deployment replaces them.
func (b *Broadcaster) ship(cmd Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()

	var (
		g      errgroup.Group
		ackMu  sync.Mutex
		acks   int
		errAll error
	)
	for _, p := range b.peers {
		b.mu.Lock()
		failed := b.down[p.ID()]
		b.mu.Unlock()
		if failed {
			continue
		}
		p := p
		g.Go(func() error {
			if err := p.Apply(ctx, cmd); err != nil {
				b.mu.Lock()
				b.down[p.ID()] = true
				b.mu.Unlock()
				ackMu.Lock()
				errAll = multierror.Append(errAll, fmt.Errorf("peer %s: %w", p.ID(), err))
				ackMu.Unlock()
				return nil
			}
			ackMu.Lock()
			acks++
			ackMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if acks < b.cfg.ReplicationFactor {
		if errAll != nil {
			return fmt.Errorf("%w: %d/%d acks: %v", ErrBroadcastFailure, acks, b.cfg.ReplicationFactor, errAll)
		}
		return fmt.Errorf("%w: %d/%d acks", ErrBroadcastFailure, acks, b.cfg.ReplicationFactor)
	}
	return nil
}
