package recovery

import (
    "fmt"
    "math"
    "strings"

    "github.com/amirimatin/clusternode/pkg/config"
    "github.com/amirimatin/clusternode/pkg/state"
)

// Action selects the mutation a recovery run applies.
type Action int

const (
    UnsafeBootstrap Action = iota + 1
    DetachCluster
)

func (a Action) String() string {
    switch a {
    case UnsafeBootstrap:
        return "unsafe-bootstrap"
    case DetachCluster:
        return "detach-cluster"
    default:
        return fmt.Sprintf("action(%d)", int(a))
    }
}

// ParseAction maps a command name to its Action.
func ParseAction(s string) (Action, error) {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "unsafe-bootstrap":
        return UnsafeBootstrap, nil
    case "detach-cluster":
        return DetachCluster, nil
    default:
        return 0, fmt.Errorf("recovery: unknown action %q", s)
    }
}

const stopWarning = `
    WARNING: Nodes are only safe to repair while they are stopped.
    Running this tool against a live node corrupts its data folder.
`

const unsafeBootstrapConfirmation = `
Use this tool only after half or more of the master-eligible nodes of this
cluster are permanently lost and cannot be restored from a snapshot.

This node becomes the only voting master of the cluster at a higher term.
Metadata that the lost nodes committed but this node never received is gone
for good, and surviving nodes may hold data this node does not know about.
Other nodes of the old cluster must be detached before they can join it.

Do you want to unsafely bootstrap this node as the only master of its cluster?`

const detachClusterConfirmation = `
Use this tool only after every master-eligible node of this cluster is
permanently lost, or after a new cluster has been unsafely bootstrapped.

This node forgets its cluster membership and voting history so that it can
join a different cluster. Its index metadata is kept, but may not match the
cluster it joins; data can be lost when the two disagree.

Do you want to detach this node from its old cluster?`

func (a Action) confirmation() string {
    if a == UnsafeBootstrap { return unsafeBootstrapConfirmation }
    return detachClusterConfirmation
}

// precheck runs before the node is locked and anything is read from disk.
func (a Action) precheck(s config.Settings) error {
    if a == UnsafeBootstrap && !s.MasterEligible() {
        return fail(KindNotMasterNode, nil)
    }
    return nil
}

// validate runs on the loaded state before the operator is asked anything.
func (a Action) validate(loaded state.ClusterState) error {
    if a == UnsafeBootstrap && loaded.VotingConfiguration().IsEmpty() {
        return fail(KindEmptyLastCommittedVotingConfig, nil)
    }
    return nil
}

// Mutate applies a to the freshly loaded state. It never touches the disk;
// clusterUUID is the UUID a bootstrapped cluster adopts.
func Mutate(a Action, loaded state.ClusterState, nodeID, clusterUUID string) (state.ClusterState, error) {
    switch a {
    case UnsafeBootstrap:
        return unsafeBootstrap(loaded, nodeID, clusterUUID)
    case DetachCluster:
        return detachCluster(loaded)
    default:
        return state.ClusterState{}, fmt.Errorf("recovery: unknown action %d", int(a))
    }
}

func unsafeBootstrap(loaded state.ClusterState, nodeID, clusterUUID string) (state.ClusterState, error) {
    if loaded.VotingConfiguration().IsEmpty() {
        return state.ClusterState{}, fail(KindEmptyLastCommittedVotingConfig, nil)
    }
    if nodeID == "" || clusterUUID == "" {
        return state.ClusterState{}, fail(KindInvalidState, fmt.Errorf("missing node id or cluster uuid"))
    }
    if loaded.Term == math.MaxUint64 || loaded.Version == math.MaxUint64 {
        return state.ClusterState{}, fail(KindInvalidState, fmt.Errorf("term or version exhausted"))
    }
    out := loaded.Clone()
    self := state.NewVotingConfiguration(nodeID)
    out.Term = loaded.Term + 1
    out.Version = loaded.Version + 1
    out.Metadata.Version = out.Version
    out.Metadata.ClusterUUID = clusterUUID
    out.Metadata.ClusterUUIDCommitted = true
    out.Metadata.Coordination = state.CoordinationMetadata{
        Term:                out.Term,
        LastCommittedConfig: self,
        LastAcceptedConfig:  self,
    }
    if out.Metadata.PersistentSettings == nil { out.Metadata.PersistentSettings = map[string]string{} }
    out.Metadata.PersistentSettings[state.UnsafeBootstrapSetting] = "true"
    return out, nil
}

func detachCluster(loaded state.ClusterState) (state.ClusterState, error) {
    if loaded.Version == math.MaxUint64 {
        return state.ClusterState{}, fail(KindInvalidState, fmt.Errorf("version exhausted"))
    }
    out := loaded.Clone()
    out.Version = loaded.Version + 1
    out.Metadata.Version = out.Version
    out.Metadata.ClusterUUID = state.UnknownClusterUUID
    out.Metadata.ClusterUUIDCommitted = false
    out.Metadata.Coordination = state.CoordinationMetadata{}
    return out, nil
}
