// Package raftstore is a replicated kv.Store: every mutation goes through a
// hashicorp/raft log and is acknowledged once a majority has committed it.
package raftstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/kv"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

const (
	// DefaultApplyTimeout bounds a write with no context deadline.
	DefaultApplyTimeout  = 5 * time.Second
	raftTransportMaxPool = 3
	raftTransportTimeout = 10 * time.Second
	raftSnapshotRetain   = 2
)

// Config configures a raft node.
type Config struct {
	NodeID string
	// BindAddr is the raft TCP address. Unused by OpenWithTransport.
	BindAddr string
	// DataDir holds the raft log, stable store and snapshots.
	DataDir string
	// Bootstrap forms a single-node cluster on first start.
	Bootstrap bool
	// InMemory keeps the raft log and snapshots in memory. DataDir is unused.
	InMemory     bool
	ApplyTimeout time.Duration

	// Raft timings; zero keeps the hashicorp/raft defaults.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
}

// Store is the raft backend. Reads are served from the local FSM after the
// node has confirmed it is still the leader.
type Store struct {
	raft    *raft.Raft
	fsm     *fsm
	timeout time.Duration
	closers []io.Closer
	logger  *zap.Logger
}

var _ kv.Store = (*Store)(nil)
var _ kv.Scanner = (*Store)(nil)

// Open starts a node with a TCP transport and on-disk log (raft-boltdb).
func Open(cfg Config, zlogger *zap.Logger) (*Store, error) {
	if zlogger == nil {
		zlogger = zap.NewNop()
	}
	raftLogger := logger.NewZapRaftLogger(zlogger.Named("raft"))
	if cfg.InMemory {
		return openInMemory(cfg, raftLogger, zlogger)
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create raft data directory %s: %w", cfg.DataDir, err)
	}
	transport, err := newTCPTransport(cfg.BindAddr, raftLogger)
	if err != nil {
		return nil, err
	}
	snapshots, err := raft.NewFileSnapshotStoreWithLogger(cfg.DataDir, raftSnapshotRetain, raftLogger)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create snapshot store at %s: %w", cfg.DataDir, err)
	}
	boltPath := filepath.Join(cfg.DataDir, "raft.db")
	boltDB, err := raftboltdb.NewBoltStore(boltPath)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create bolt store at %s: %w", boltPath, err)
	}
	s, err := OpenWithTransport(cfg, boltDB, boltDB, snapshots, transport, zlogger)
	if err != nil {
		transport.Close()
		boltDB.Close()
		return nil, err
	}
	s.closers = append(s.closers, transport, boltDB)
	return s, nil
}

// newTCPTransport listens on bindAddr. A zero port advertises the port the
// listener actually got.
func newTCPTransport(bindAddr string, raftLogger *logger.ZapRaftLogger) (*raft.NetworkTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve raft address %s: %w", bindAddr, err)
	}
	var advertise net.Addr = addr
	if addr.Port == 0 {
		advertise = nil
	}
	transport, err := raft.NewTCPTransportWithLogger(bindAddr, advertise, raftTransportMaxPool, raftTransportTimeout, raftLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft TCP transport: %w", err)
	}
	return transport, nil
}

func openInMemory(cfg Config, raftLogger *logger.ZapRaftLogger, zlogger *zap.Logger) (*Store, error) {
	transport, err := newTCPTransport(cfg.BindAddr, raftLogger)
	if err != nil {
		return nil, err
	}
	s, err := OpenWithTransport(cfg, raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), transport, zlogger)
	if err != nil {
		transport.Close()
		return nil, err
	}
	s.closers = append(s.closers, transport)
	return s, nil
}

// OpenWithTransport starts a node on caller-provided raft plumbing, e.g. the
// in-memory stores and transport used in tests.
func OpenWithTransport(cfg Config, logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore,
	trans raft.Transport, zlogger *zap.Logger) (*Store, error) {
	if zlogger == nil {
		zlogger = zap.NewNop()
	}
	zlogger = zlogger.Named("raftstore").With(zap.String("node_id", cfg.NodeID))

	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.NodeID)
	rc.Logger = logger.NewZapRaftLogger(zlogger.Named("raft"))
	if cfg.HeartbeatTimeout > 0 {
		rc.HeartbeatTimeout = cfg.HeartbeatTimeout
		if rc.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
			rc.LeaderLeaseTimeout = cfg.HeartbeatTimeout
		}
	}
	if cfg.ElectionTimeout > 0 {
		rc.ElectionTimeout = cfg.ElectionTimeout
	}

	f := newFSM(zlogger)
	r, err := raft.NewRaft(rc, f, logs, stable, snaps, trans)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logs, stable, snaps)
		if err != nil {
			r.Shutdown()
			return nil, err
		}
		if !hasState {
			configuration := raft.Configuration{
				Servers: []raft.Server{{ID: rc.LocalID, Address: trans.LocalAddr()}},
			}
			if err := r.BootstrapCluster(configuration).Error(); err != nil {
				r.Shutdown()
				return nil, fmt.Errorf("failed to bootstrap raft cluster: %w", err)
			}
			zlogger.Info("raft cluster bootstrapped")
		}
	}

	timeout := cfg.ApplyTimeout
	if timeout <= 0 {
		timeout = DefaultApplyTimeout
	}
	return &Store{raft: r, fsm: f, timeout: timeout, logger: zlogger}, nil
}

// WaitForLeader blocks until this node is the leader.
func (s *Store) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.raft.State() == raft.Leader {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for raft leadership: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// AddVoter adds a node to the cluster. It must be called on the leader.
func (s *Store) AddVoter(id, addr string) error {
	return mapErr(s.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, s.timeout).Error())
}

// Leader returns the address of the current leader, if known.
func (s *Store) Leader() string {
	addr, _ := s.raft.LeaderWithID()
	return string(addr)
}

// Snapshot forces a snapshot of the FSM.
func (s *Store) Snapshot() error {
	return s.raft.Snapshot().Error()
}

func (s *Store) Get(ctx context.Context, key string, opts kv.GetOptions) (*kv.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := mapErr(s.raft.VerifyLeader().Error()); err != nil {
		return nil, err
	}
	doc, ok := s.fsm.get(key)
	if !ok || (doc.Deleted && !opts.AccessDeleted) {
		return nil, kv.ErrDocNotFound
	}
	return doc, nil
}

func (s *Store) Insert(ctx context.Context, key string, m kv.Mutation, _ kv.WriteOptions) (kv.Cas, error) {
	return s.apply(ctx, command{Op: opInsert, Key: key, Value: m.Value, Xattr: m.Xattr, Deleted: m.Deleted})
}

func (s *Store) Replace(ctx context.Context, key string, m kv.Mutation, cas kv.Cas, _ kv.WriteOptions) (kv.Cas, error) {
	return s.apply(ctx, command{Op: opReplace, Key: key, Value: m.Value, Xattr: m.Xattr, Deleted: m.Deleted, Cas: uint64(cas)})
}

func (s *Store) Remove(ctx context.Context, key string, cas kv.Cas, _ kv.WriteOptions) error {
	_, err := s.apply(ctx, command{Op: opRemove, Key: key, Cas: uint64(cas)})
	return err
}

// Scan reads the local FSM without a leadership check.
func (s *Store) Scan(ctx context.Context, prefix string) ([]*kv.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.fsm.scan(prefix), nil
}

// apply replicates cmd. Every durability level is satisfied by a raft
// commit: the entry is on a majority of logs before Apply returns. Giving up
// on ctx before the commit is reported leaves the outcome unknown.
func (s *Store) apply(ctx context.Context, cmd command) (kv.Cas, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, err
	}
	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	future := s.raft.Apply(data, timeout)
	done := make(chan error, 1)
	go func() { done <- future.Error() }()
	select {
	case err := <-done:
		if err != nil {
			return 0, mapErr(err)
		}
	case <-ctx.Done():
		// The entry is in the log and may still commit.
		return 0, fmt.Errorf("%w: %v", kv.ErrTimeout, ctx.Err())
	}
	res, ok := future.Response().(applyResult)
	if !ok {
		return 0, fmt.Errorf("unexpected FSM response %T", future.Response())
	}
	return res.cas, res.err
}

func (s *Store) Close() error {
	err := s.raft.Shutdown().Error()
	for _, c := range s.closers {
		err = multierr.Append(err, c.Close())
	}
	s.closers = nil
	s.logger.Info("raft store closed")
	return err
}

// mapErr translates raft failures into kv errors.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, raft.ErrRaftShutdown):
		return fmt.Errorf("%w: %v", kv.ErrClosed, err)
	case errors.Is(err, raft.ErrLeadershipLost):
		// The entry may still be committed by the next leader.
		return fmt.Errorf("%w: %v", kv.ErrTimeout, err)
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrEnqueueTimeout),
		errors.Is(err, raft.ErrLeadershipTransferInProgress):
		return fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	default:
		return err
	}
}
