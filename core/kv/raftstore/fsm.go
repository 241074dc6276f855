package raftstore

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/kv"
)

// command is what gets replicated through the raft log.
type command struct {
	Op      string `json:"op"`
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Xattr   []byte `json:"xattr,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Cas     uint64 `json:"cas,omitempty"`
}

// Operation types for the FSM.
const (
	opInsert  = "insert"
	opReplace = "replace"
	opRemove  = "remove"
)

// applyResult is returned from Apply through the raft future.
type applyResult struct {
	cas kv.Cas
	err error
}

type entry struct {
	Key     string `json:"k"`
	Value   []byte `json:"v,omitempty"`
	Xattr   []byte `json:"x,omitempty"`
	Cas     uint64 `json:"c"`
	Deleted bool   `json:"d,omitempty"`
}

func entryLess(a, b *entry) bool { return a.Key < b.Key }

// fsm applies document mutations in log order. The CAS of a document is the
// index of the log entry that last wrote it, so every replica agrees on it.
type fsm struct {
	mu          sync.RWMutex
	tree        *btree.BTreeG[*entry]
	lastApplied uint64
	logger      *zap.Logger
}

func newFSM(logger *zap.Logger) *fsm {
	return &fsm{tree: btree.NewG[*entry](32, entryLess), logger: logger}
}

// Apply applies a Raft log entry to the FSM.
func (f *fsm) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		f.logger.Error("failed to unmarshal raft log entry", zap.Uint64("index", l.Index), zap.Error(err))
		return applyResult{err: fmt.Errorf("corrupt log entry %d: %w", l.Index, err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastApplied = l.Index

	cur, exists := f.tree.Get(&entry{Key: cmd.Key})
	switch cmd.Op {
	case opInsert:
		if exists {
			return applyResult{err: kv.ErrDocExists}
		}
	case opReplace, opRemove:
		if !exists {
			return applyResult{err: kv.ErrDocNotFound}
		}
		if cmd.Cas != 0 && cur.Cas != cmd.Cas {
			return applyResult{err: kv.ErrCasMismatch}
		}
	default:
		f.logger.Warn("unknown FSM command operation", zap.String("op", cmd.Op), zap.Uint64("index", l.Index))
		return applyResult{err: fmt.Errorf("unknown FSM command operation: %s", cmd.Op)}
	}

	if cmd.Op == opRemove {
		f.tree.Delete(cur)
		return applyResult{}
	}
	f.tree.ReplaceOrInsert(&entry{
		Key:     cmd.Key,
		Value:   cmd.Value,
		Xattr:   cmd.Xattr,
		Cas:     l.Index,
		Deleted: cmd.Deleted,
	})
	return applyResult{cas: kv.Cas(l.Index)}
}

func (f *fsm) get(key string) (*kv.Document, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.tree.Get(&entry{Key: key})
	if !ok {
		return nil, false
	}
	return e.document(), true
}

func (f *fsm) scan(prefix string) []*kv.Document {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*kv.Document
	f.tree.AscendGreaterOrEqual(&entry{Key: prefix}, func(e *entry) bool {
		if !strings.HasPrefix(e.Key, prefix) {
			return false
		}
		out = append(out, e.document())
		return true
	})
	return out
}

func (f *fsm) len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.tree.Len()
}

func (e *entry) document() *kv.Document {
	return &kv.Document{
		Key:     e.Key,
		Value:   append([]byte(nil), e.Value...),
		Xattr:   append([]byte(nil), e.Xattr...),
		Cas:     kv.Cas(e.Cas),
		Deleted: e.Deleted,
	}
}

// Snapshot returns a snapshot of the FSM's state. Entries are never mutated
// in place, so sharing the pointers with the snapshot is safe.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entries := make([]*entry, 0, f.tree.Len())
	f.tree.Ascend(func(e *entry) bool {
		entries = append(entries, e)
		return true
	})
	f.logger.Debug("FSM snapshot created", zap.Uint64("index", f.lastApplied), zap.Int("docs", len(entries)))
	return &fsmSnapshot{entries: entries, logger: f.logger}, nil
}

// Restore replaces the FSM's state with a snapshot.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var data struct {
		Entries []*entry `json:"entries"`
	}
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode FSM snapshot: %w", err)
	}
	tree := btree.NewG[*entry](32, entryLess)
	for _, e := range data.Entries {
		tree.ReplaceOrInsert(e)
	}
	f.mu.Lock()
	f.tree = tree
	f.mu.Unlock()
	f.logger.Info("FSM state restored from snapshot", zap.Int("docs", len(data.Entries)))
	return nil
}

type fsmSnapshot struct {
	entries []*entry
	logger  *zap.Logger
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data := struct {
		Entries []*entry `json:"entries"`
	}{Entries: s.entries}
	if err := json.NewEncoder(sink).Encode(data); err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("failed to write FSM snapshot to sink: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
