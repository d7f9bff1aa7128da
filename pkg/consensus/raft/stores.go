package raftcons

import (
    "errors"
    "fmt"
    "path/filepath"
    "time"

    "github.com/boltdb/bolt"
    "github.com/hashicorp/go-hclog"
    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"
)

// StoreFile holds the raft log and stable store inside a raft directory.
const StoreFile = "raft.db"

var keyCurrentTerm = []byte("CurrentTerm")

type stores struct {
    logs   raft.LogStore
    stable raft.StableStore
    snaps  raft.SnapshotStore
    bolt   *raftboltdb.BoltStore
}

func openStores(dir string, retain int, logger hclog.Logger) (*stores, error) {
    b, err := raftboltdb.New(raftboltdb.Options{
        Path:        filepath.Join(dir, StoreFile),
        BoltOptions: &bolt.Options{Timeout: time.Second},
    })
    if err != nil { return nil, fmt.Errorf("raftcons: open %s: %w", dir, err) }
    snaps, err := raft.NewFileSnapshotStoreWithLogger(dir, retain, logger)
    if err != nil {
        b.Close()
        return nil, fmt.Errorf("raftcons: snapshots in %s: %w", dir, err)
    }
    return &stores{logs: b, stable: b, snaps: snaps, bolt: b}, nil
}

func inmemStores() *stores {
    return &stores{logs: raft.NewInmemStore(), stable: raft.NewInmemStore(), snaps: raft.NewInmemSnapshotStore()}
}

func (s *stores) Close() error {
    if s.bolt == nil { return nil }
    return s.bolt.Close()
}

// raiseTerm makes sure the stored raft term is at least min.
func raiseTerm(stable raft.StableStore, min uint64) error {
    if min == 0 { return nil }
    cur, err := currentTerm(stable)
    if err != nil { return err }
    if cur >= min { return nil }
    if err := stable.SetUint64(keyCurrentTerm, min); err != nil {
        return fmt.Errorf("raftcons: raise term to %d: %w", min, err)
    }
    return nil
}

func currentTerm(stable raft.StableStore) (uint64, error) {
    cur, err := stable.GetUint64(keyCurrentTerm)
    if err != nil {
        if errors.Is(err, raftboltdb.ErrKeyNotFound) || err.Error() == "not found" { return 0, nil }
        return 0, fmt.Errorf("raftcons: read term: %w", err)
    }
    return cur, nil
}

// bootstrapStores writes configuration as the first log entry when the
// stores hold no log or snapshot. A term recorded without a configuration
// does not block it; callers raise the term again afterwards.
func bootstrapStores(cfg *raft.Config, st *stores, trans raft.Transport, configuration raft.Configuration) (bool, error) {
    last, err := st.logs.LastIndex()
    if err != nil { return false, err }
    snaps, err := st.snaps.List()
    if err != nil { return false, err }
    if last > 0 || len(snaps) > 0 { return false, nil }
    if err := st.stable.SetUint64(keyCurrentTerm, 0); err != nil { return false, err }
    if err := raft.BootstrapCluster(cfg, st.logs, st.stable, st.snaps, trans, configuration); err != nil {
        return false, fmt.Errorf("raftcons: bootstrap: %w", err)
    }
    return true, nil
}
