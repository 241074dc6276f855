// Package storefactory opens the kv.Store a configuration file asks for.
package storefactory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	documentservice "github.com/sushant-115/gojotxn/api/document_service"
	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/core/kv"
	"github.com/sushant-115/gojotxn/core/kv/boltstore"
	"github.com/sushant-115/gojotxn/core/kv/memstore"
	"github.com/sushant-115/gojotxn/core/kv/raftstore"
	"github.com/sushant-115/gojotxn/pkg/tlsconfig"
)

// Open returns the backend named by cfg.Backend. For raft it waits for the
// node to win leadership when it bootstraps the cluster.
func Open(ctx context.Context, cfg config.Store, tlsCfg tlsconfig.Config, logger *zap.Logger) (kv.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case config.BackendMemory, "":
		return memstore.New(logger), nil
	case config.BackendBolt:
		return boltstore.Open(cfg.Path, boltstore.Options{NoSync: cfg.NoSync}, logger)
	case config.BackendRaft:
		s, err := raftstore.Open(raftstore.Config{
			NodeID:       cfg.Raft.NodeID,
			BindAddr:     cfg.Raft.BindAddr,
			DataDir:      cfg.Raft.DataDir,
			Bootstrap:    cfg.Raft.Bootstrap,
			InMemory:     cfg.Raft.InMemory,
			ApplyTimeout: cfg.Raft.ApplyTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Raft.Bootstrap {
			if err := s.WaitForLeader(ctx); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil
	case config.BackendRemote:
		return documentservice.Dial(cfg.RemoteAddr, tlsCfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}
