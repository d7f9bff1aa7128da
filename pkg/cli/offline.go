package cli

import (
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "sort"

    "github.com/spf13/cobra"

    "github.com/amirimatin/clusternode/pkg/consensus"
    raftcons "github.com/amirimatin/clusternode/pkg/consensus/raft"
    "github.com/amirimatin/clusternode/pkg/internal/logutil"
    "github.com/amirimatin/clusternode/pkg/nodeenv"
    "github.com/amirimatin/clusternode/pkg/recovery"
    "github.com/amirimatin/clusternode/pkg/state"
)

// NewUnsafeBootstrapCmd returns the "unsafe-bootstrap" command.
func NewUnsafeBootstrapCmd() *cobra.Command {
    return newRecoveryCmd(recovery.UnsafeBootstrap,
        "Force this stopped master-eligible node to form a new cluster on its own",
        "Use when the majority of master-eligible nodes is permanently lost. The node\n"+
            "becomes the only voter of a cluster with a fresh UUID and keeps its metadata.\n"+
            "Data written after the last metadata change on the lost nodes may be lost.")
}

// NewDetachClusterCmd returns the "detach-cluster" command.
func NewDetachClusterCmd() *cobra.Command {
    return newRecoveryCmd(recovery.DetachCluster,
        "Detach this stopped node from its cluster so it can join another one",
        "Use on the remaining nodes after unsafe-bootstrap, or to move a node whose\n"+
            "cluster is gone. Index metadata is kept; cluster membership is forgotten.")
}

func newRecoveryCmd(action recovery.Action, short, long string) *cobra.Command {
    var f nodeFlags
    cmd := &cobra.Command{
        Use:   action.String(),
        Short: short,
        Long:  long,
        Args:  cobra.NoArgs,
        RunE: func(cmd *cobra.Command, args []string) error {
            s, err := f.settings()
            if err != nil { return err }
            logger, flush := f.setup(cmd)
            defer flush()
            _, err = recovery.Run(cmd.Context(), recovery.Request{
                Action:   action,
                Settings: s,
                Terminal: recovery.NewTerminal(cmd.InOrStdin(), cmd.OutOrStdout()),
                Logger:   logger,
            })
            return err
        },
    }
    f.bind(cmd)
    return cmd
}

// Inspection is the read-only view printed by the inspect command.
type Inspection struct {
    NodeID        string             `json:"nodeID"`
    DataPath      string             `json:"dataPath"`
    Term          uint64             `json:"term"`
    Version       uint64             `json:"version"`
    ClusterUUID   string             `json:"clusterUUID"`
    Committed     bool               `json:"clusterUUIDCommitted"`
    Voters        []string           `json:"voters"`
    Exclusions    []string           `json:"votingExclusions,omitempty"`
    Indices       []string           `json:"indices,omitempty"`
    Settings      map[string]string  `json:"settings,omitempty"`
    RaftTerm      uint64             `json:"raftTerm"`
    RaftVoters    []consensus.Server `json:"raftVoters,omitempty"`
    RepairPending string             `json:"repairPending,omitempty"`
}

// NewInspectCmd returns the "inspect" command which prints the persisted
// state of a stopped node without changing it.
func NewInspectCmd() *cobra.Command {
    var f nodeFlags
    cmd := &cobra.Command{
        Use:   "inspect",
        Short: "Print the persisted cluster state of a stopped node",
        Args:  cobra.NoArgs,
        RunE: func(cmd *cobra.Command, args []string) error {
            s, err := f.settings()
            if err != nil { return err }
            logger, flush := f.setup(cmd)
            defer flush()
            ins, err := inspect(s.Path.Data, logger)
            if err != nil { return err }
            enc := json.NewEncoder(cmd.OutOrStdout())
            enc.SetIndent("", "  ")
            return enc.Encode(ins)
        },
    }
    f.bind(cmd)
    return cmd
}

func inspect(dataPaths []string, logger *log.Logger) (*Inspection, error) {
    nps, err := locked(dataPaths)
    if err != nil { return nil, err }
    defer nps.release(logger)

    on, err := state.NewStore(logger).LoadBestOnDiskState(nps.paths)
    if err != nil { return nil, err }
    st := on.State
    ins := &Inspection{
        NodeID:      on.NodeID,
        DataPath:    on.DataPath,
        Term:        st.Term,
        Version:     st.Version,
        ClusterUUID: st.ClusterUUID(),
        Committed:   st.Metadata.ClusterUUIDCommitted,
        Voters:      st.VotingConfiguration().NodeIDs(),
        Exclusions:  st.Metadata.Coordination.VotingExclusions,
        Settings:    st.Metadata.PersistentSettings,
    }
    for name := range st.Metadata.Indices { ins.Indices = append(ins.Indices, name) }
    sort.Strings(ins.Indices)
    if err := state.CheckNoRepairPending(nps.paths); err != nil { ins.RepairPending = err.Error() }

    dir := raftcons.Dir(nps.paths[0])
    if ins.RaftTerm, err = raftcons.StoredTerm(dir, logger); err != nil { return nil, err }
    if ins.RaftVoters, err = raftcons.ReadConfiguration(dir, on.NodeID, logger); err != nil { return nil, err }
    return ins, nil
}

// NewResetStateCmd returns the "reset-state" command which deletes the
// persisted cluster state and raft store of a stopped node. The node identity
// is kept.
func NewResetStateCmd() *cobra.Command {
    var (
        f   nodeFlags
        yes bool
    )
    cmd := &cobra.Command{
        Use:   "reset-state",
        Short: "Delete the persisted cluster state of a stopped node, keeping its identity",
        Args:  cobra.NoArgs,
        RunE: func(cmd *cobra.Command, args []string) error {
            s, err := f.settings()
            if err != nil { return err }
            logger, flush := f.setup(cmd)
            defer flush()
            nps, err := locked(s.Path.Data)
            if err != nil { return err }
            defer nps.release(logger)

            tty := recovery.NewTerminal(cmd.InOrStdin(), cmd.OutOrStdout())
            if !yes {
                tty.Warn("All cluster metadata stored on this node will be deleted.")
                if err := recovery.Confirm(tty); err != nil { return err }
            }
            if err := state.DeleteAll(nps.paths); err != nil { return err }
            for _, np := range nps.paths {
                if err := raftcons.Detach(raftcons.Dir(np), logger); err != nil { return err }
            }
            tty.Printf("Cluster state removed from %d data path(s).\n", len(nps.paths))
            return nil
        },
    }
    f.bind(cmd)
    cmd.Flags().BoolVar(&yes, "yes", false, "do not ask for confirmation")
    return cmd
}

type lockedPaths struct {
    paths []string
    lock  *nodeenv.NodeLock
}

func locked(dataPaths []string) (*lockedPaths, error) {
    dps, err := nodeenv.NewDataPaths(dataPaths)
    if err != nil { return nil, err }
    nps, err := dps.Locate()
    if err != nil { return nil, err }
    l, err := nodeenv.AcquireLock(nps)
    if err != nil {
        if errors.Is(err, nodeenv.ErrLockUnavailable) { return nil, fmt.Errorf("%w; is the node still running?", err) }
        return nil, err
    }
    return &lockedPaths{paths: nps, lock: l}, nil
}

func (p *lockedPaths) release(logger *log.Logger) {
    if err := p.lock.Release(); err != nil { logutil.Warnf(logger, "release node lock: %v", err) }
}
