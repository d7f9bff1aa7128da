package node

import (
    "bytes"
    "context"
    "time"

    "github.com/amirimatin/clusternode/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/clusternode/pkg/observability/metrics"
    "github.com/amirimatin/clusternode/pkg/state"
    "github.com/amirimatin/clusternode/pkg/state/metastate"
)

func (n *Node) persistLoop(ctx context.Context) {
    defer n.wg.Done()
    ticker := time.NewTicker(n.opts.PersistInterval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            n.commitClusterUUID()
            if err := n.persistOnce(); err != nil {
                logutil.Warnf(n.log, "persist cluster state: %v", err)
            }
        }
    }
}

// commitClusterUUID gives a new or detached cluster its identity. Only the
// leader does so, through the log, so every member adopts the same UUID.
func (n *Node) commitClusterUUID() {
    if !n.cons.IsLeader() || n.cons.State().ClusterUUID() != "" { return }
    cmd, err := metastate.NewCommand(metastate.OpClusterUUID, metastate.ClusterUUIDPayload{UUID: n.opts.NewUUID()})
    if err == nil { err = n.cons.Apply(cmd, applyTimeout) }
    if err != nil {
        logutil.Warnf(n.log, "commit cluster uuid: %v", err)
        return
    }
    logutil.Infof(n.log, "committed cluster uuid %s", n.cons.State().ClusterUUID())
}

// persistOnce writes the current raft view when it differs from the last
// persisted state. Any metadata change bumps the version; the term never
// goes backwards.
func (n *Node) persistOnce() error {
    n.stMu.Lock()
    defer n.stMu.Unlock()
    next, changed, err := n.nextState()
    if err != nil || !changed { return err }
    if err := n.store.Persist(n.id, next, n.nodePaths); err != nil {
        obsmetrics.StatePersistErrors.Inc()
        return err
    }
    logutil.Debugf(n.log, "persisted cluster state: term %d, version %d", next.Term, next.Version)
    n.persisted = next
    n.observe(next)
    return nil
}

func (n *Node) nextState() (state.ClusterState, bool, error) {
    cur := n.persisted
    vs, err := n.cons.Voters()
    if err != nil { return cur, false, err }

    next := cur.Clone()
    if t := n.cons.Term(); t > next.Term { next.Term = t }
    if len(vs) > 0 {
        cfg := state.NewVotingConfiguration(voterIDs(vs)...)
        next.Metadata.Coordination.Term = next.Term
        next.Metadata.Coordination.LastCommittedConfig = cfg
        next.Metadata.Coordination.LastAcceptedConfig = cfg
    }
    ms := n.cons.State()
    if u := ms.ClusterUUID(); u != "" {
        next.Metadata.ClusterUUID, next.Metadata.ClusterUUIDCommitted = u, true
    }
    next.Metadata.PersistentSettings = ms.Settings()
    next.Metadata.Indices = ms.Indices()

    a, err := state.Encode(cur)
    if err != nil { return cur, false, err }
    b, err := state.Encode(next)
    if err != nil { return cur, false, err }
    if bytes.Equal(a, b) { return cur, false, nil }

    if !sameMetadata(cur, next) {
        next.Version = cur.Version + 1
        next.Metadata.Version = next.Version
    }
    return next, true, nil
}

// sameMetadata compares the metadata of a and b ignoring the coordination
// term, which follows the raft term.
func sameMetadata(a, b state.ClusterState) bool {
    a.Term, b.Term = 0, 0
    a.Metadata.Coordination.Term, b.Metadata.Coordination.Term = 0, 0
    x, errA := state.Encode(a)
    y, errB := state.Encode(b)
    return errA == nil && errB == nil && bytes.Equal(x, y)
}

func (n *Node) observe(st state.ClusterState) {
    obsmetrics.StateTerm.Set(float64(st.Term))
    obsmetrics.StateVersion.Set(float64(st.Version))
    obsmetrics.StateVoters.Set(float64(len(st.VotingConfiguration().NodeIDs())))
    obsmetrics.StateIndices.Set(float64(len(st.Metadata.Indices)))
}
