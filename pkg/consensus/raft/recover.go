package raftcons

import (
    "fmt"
    "log"
    "os"
    "path/filepath"

    "github.com/hashicorp/raft"

    c "github.com/amirimatin/clusternode/pkg/consensus"
    "github.com/amirimatin/clusternode/pkg/internal/logutil"
    "github.com/amirimatin/clusternode/pkg/state"
    "github.com/amirimatin/clusternode/pkg/state/metastate"
)

// The functions below work on a raft directory while no raft instance has
// it open; callers hold the node lock.

// Dir is the raft directory of a node folder.
func Dir(nodePath string) string { return filepath.Join(nodePath, "raft") }

func offlineConfig(nodeID string, logger *log.Logger) *raft.Config {
    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(nodeID)
    cfg.Logger = logutil.HCLog(logger, "raft-offline")
    return cfg
}

// HasState reports whether dir holds raft logs, snapshots or a term.
func HasState(dir string, logger *log.Logger) (bool, error) {
    if _, err := os.Stat(filepath.Join(dir, StoreFile)); err != nil {
        if os.IsNotExist(err) { return false, nil }
        return false, err
    }
    st, err := openStores(dir, 1, logutil.HCLog(logger, "raft-offline"))
    if err != nil { return false, err }
    defer st.Close()
    return raft.HasExistingState(st.logs, st.stable, st.snaps)
}

// ReadConfiguration returns the voters of the latest raft configuration
// stored in dir, or nil when dir holds no raft state.
func ReadConfiguration(dir, nodeID string, logger *log.Logger) ([]c.Server, error) {
    ok, err := HasState(dir, logger)
    if err != nil || !ok { return nil, err }
    st, err := openStores(dir, 1, logutil.HCLog(logger, "raft-offline"))
    if err != nil { return nil, err }
    defer st.Close()
    cfg, err := readConfiguration(st, nodeID, logger)
    if err != nil { return nil, err }
    return voters(cfg), nil
}

func readConfiguration(st *stores, nodeID string, logger *log.Logger) (raft.Configuration, error) {
    _, trans := raft.NewInmemTransport("")
    cfg, err := raft.GetConfiguration(offlineConfig(nodeID, logger), newMetadataFSM(metastate.New()), st.logs, st.stable, st.snaps, trans)
    if err != nil { return raft.Configuration{}, fmt.Errorf("raftcons: read configuration: %w", err) }
    return cfg, nil
}

// Stamp edits the replayed metadata before a recovery snapshots it, so the
// recovered log agrees with the repaired cluster state.
type Stamp func(ms state.MetadataState) error

type stampingFSM struct {
    *metadataFSM
    stamp Stamp
}

func (f *stampingFSM) Snapshot() (raft.FSMSnapshot, error) {
    if f.stamp != nil {
        if err := f.stamp(f.ms); err != nil { return nil, err }
    }
    return f.metadataFSM.Snapshot()
}

// RecoverSingleVoter rewrites the raft configuration in dir to the single
// voter nodeID and raises the stored term to at least minTerm. The voter
// keeps its recorded address; fallbackAddr is used when none is recorded.
// A directory without raft state is left alone. stamp may be nil.
func RecoverSingleVoter(dir, nodeID, fallbackAddr string, stamp Stamp, minTerm uint64, logger *log.Logger) error {
    ok, err := HasState(dir, logger)
    if err != nil { return err }
    if !ok {
        logutil.Debugf(logger, "no raft state in %s; nothing to recover", dir)
        return nil
    }
    st, err := openStores(dir, 2, logutil.HCLog(logger, "raft-offline"))
    if err != nil { return err }
    defer st.Close()

    addr := raft.ServerAddress(fallbackAddr)
    if cur, err := readConfiguration(st, nodeID, logger); err == nil {
        for _, srv := range cur.Servers {
            if string(srv.ID) == nodeID && srv.Address != "" { addr = srv.Address }
        }
    }
    if addr == "" { return fmt.Errorf("raftcons: no address known for %s", nodeID) }

    configuration := raft.Configuration{Servers: []raft.Server{{
        Suffrage: raft.Voter,
        ID:       raft.ServerID(nodeID),
        Address:  addr,
    }}}
    _, trans := raft.NewInmemTransport(addr)
    cfg := offlineConfig(nodeID, logger)
    done, err := bootstrapStores(cfg, st, trans, configuration)
    if err != nil { return err }
    if done {
        logutil.Infof(logger, "raft in %s held only a term; wrote single voter %s at %s", dir, nodeID, addr)
        return raiseTerm(st.stable, minTerm)
    }
    fsm := &stampingFSM{metadataFSM: newMetadataFSM(metastate.New()), stamp: stamp}
    if err := raft.RecoverCluster(cfg, fsm, st.logs, st.stable, st.snaps, trans, configuration); err != nil {
        return fmt.Errorf("raftcons: recover cluster: %w", err)
    }
    logutil.Infof(logger, "raft configuration in %s reset to single voter %s at %s", dir, nodeID, addr)
    return raiseTerm(st.stable, minTerm)
}

// Detach removes the raft directory so the node starts without any raft
// configuration and can be bootstrapped or joined afresh.
func Detach(dir string, logger *log.Logger) error {
    if err := os.RemoveAll(dir); err != nil {
        return fmt.Errorf("raftcons: remove %s: %w", dir, err)
    }
    logutil.Infof(logger, "removed raft state in %s", dir)
    return nil
}

// StoredTerm returns the raft term stored in dir, zero when there is none.
func StoredTerm(dir string, logger *log.Logger) (uint64, error) {
    ok, err := HasState(dir, logger)
    if err != nil || !ok { return 0, err }
    st, err := openStores(dir, 1, logutil.HCLog(logger, "raft-offline"))
    if err != nil { return 0, err }
    defer st.Close()
    return currentTerm(st.stable)
}
