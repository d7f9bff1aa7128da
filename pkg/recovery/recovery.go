// Package recovery implements the offline repair commands of a stopped node:
// unsafe-bootstrap forces a node to become the only master of its cluster,
// detach-cluster makes it forget its cluster so it can join another one.
//
// Both share one flow: locate the node folders, lock them, load the current
// cluster state, ask the operator, apply the mutation, persist it to every
// data path and release the lock.
package recovery

import (
    "context"
    "errors"
    "fmt"
    "log"
    "os"
    "time"

    "github.com/google/uuid"
    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/clusternode/pkg/config"
    raftcons "github.com/amirimatin/clusternode/pkg/consensus/raft"
    "github.com/amirimatin/clusternode/pkg/internal/logutil"
    "github.com/amirimatin/clusternode/pkg/nodeenv"
    "github.com/amirimatin/clusternode/pkg/observability/metrics"
    "github.com/amirimatin/clusternode/pkg/observability/tracing"
    "github.com/amirimatin/clusternode/pkg/state"
)

// Request describes one invocation.
type Request struct {
    Action   Action
    Settings config.Settings
    Terminal Terminal
    Logger   *log.Logger

    // RaftAddr is the voter address written to the raft store when it does
    // not record one for this node. Defaults to Settings.Raft.Addr.
    RaftAddr string

    // NewUUID generates the cluster UUID of a bootstrapped cluster.
    NewUUID func() string
}

// Result is what a successful run changed.
type Result struct {
    NodeID    string
    NodePaths []string
    Before    state.ClusterState
    After     state.ClusterState
}

// Run executes req.Action. Every failure is a *Error; the node lock is
// released before Run returns, on every path.
func Run(ctx context.Context, req Request) (res *Result, err error) {
    if req.Terminal == nil { req.Terminal = NewTerminal(os.Stdin, os.Stdout) }
    if req.Logger == nil { req.Logger = log.Default() }
    if req.NewUUID == nil { req.NewUUID = uuid.NewString }
    if req.RaftAddr == "" { req.RaftAddr = req.Settings.Raft.Addr }

    ctx, end := tracing.StartSpan(ctx, "recovery."+req.Action.String(), attribute.String("action", req.Action.String()))
    defer func() {
        end(err)
        metrics.RecoveryRuns.WithLabelValues(req.Action.String(), outcome(err)).Inc()
    }()

    r := &run{req: req, store: state.NewStore(req.Logger), log: req.Logger, tty: req.Terminal}
    r.tty.Warn(stopWarning)

    if req.Action != UnsafeBootstrap && req.Action != DetachCluster {
        return nil, fmt.Errorf("recovery: unknown action %d", int(req.Action))
    }
    if err := req.Action.precheck(req.Settings); err != nil { return nil, err }

    if err := stage(ctx, "locate", r.locate); err != nil { return nil, err }
    if err := stage(ctx, "lock", r.acquire); err != nil { return nil, err }
    defer r.release()
    if err := stage(ctx, "load", r.load); err != nil { return nil, err }
    if err := stage(ctx, "confirm", r.confirm); err != nil { return nil, err }
    if err := stage(ctx, "apply", r.apply); err != nil { return nil, err }
    if err := stage(ctx, "persist", r.persist); err != nil { return nil, err }

    r.report()
    return &Result{NodeID: r.nodeID, NodePaths: r.nodePaths, Before: r.loaded, After: r.next}, nil
}

type run struct {
    req   Request
    store *state.Store
    log   *log.Logger
    tty   Terminal

    nodePaths []string
    lock      *nodeenv.NodeLock
    nodeID    string
    loaded    state.ClusterState
    next      state.ClusterState
}

func stage(ctx context.Context, name string, fn func(context.Context) error) error {
    ctx, end := tracing.StartSpan(ctx, "recovery.stage."+name)
    start := time.Now()
    err := fn(ctx)
    metrics.RecoveryStageSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
    end(err)
    return err
}

func outcome(err error) string {
    switch {
    case err == nil:
        return "success"
    case errors.Is(err, ErrAbortedByUser):
        return "aborted"
    default:
        if k := KindOf(err); k != 0 { return k.String() }
        return "error"
    }
}

func (r *run) locate(context.Context) error {
    dps, err := nodeenv.NewDataPaths(r.req.Settings.Path.Data)
    if err != nil { return fail(KindNoNodeFolderFound, err) }
    nps, err := dps.Locate()
    if err != nil { return fail(KindNoNodeFolderFound, err) }
    r.nodePaths = nps
    logutil.Debugf(r.log, "node folders: %v", nps)
    return nil
}

func (r *run) acquire(context.Context) error {
    l, err := nodeenv.AcquireLock(r.nodePaths)
    if err != nil { return fail(KindFailedToObtainNodeLock, err) }
    r.lock = l
    return nil
}

func (r *run) release() {
    if err := r.lock.Release(); err != nil {
        logutil.Warnf(r.log, "release node lock: %v", err)
    }
}

func (r *run) load(context.Context) error {
    on, err := r.store.LoadBestOnDiskState(r.nodePaths)
    switch {
    case errors.Is(err, state.ErrNoMetadataFound):
        return fail(KindNoNodeMetadataFound, err)
    case err != nil:
        return fail(KindInvalidState, err)
    }
    id, err := nodeenv.LoadIdentity(r.nodePaths)
    switch {
    case errors.Is(err, nodeenv.ErrNoIdentity):
        logutil.Warnf(r.log, "no node identity file; using node id %s recorded with the cluster state", on.NodeID)
        id.NodeID = on.NodeID
    case err != nil:
        return fail(KindInvalidState, err)
    case id.NodeID != on.NodeID:
        return fail(KindInvalidState, fmt.Errorf("node identity %q does not match cluster state of %q", id.NodeID, on.NodeID))
    }
    r.nodeID = id.NodeID
    r.loaded = on.State

    if err := state.CheckNoRepairPending(r.nodePaths); err != nil {
        r.tty.Printf("An earlier run did not finish writing its changes (%v).\n", err)
    }
    r.tty.Printf("Loaded cluster state of node %s from %s: term %d, version %d, voting configuration %s\n",
        r.nodeID, on.DataPath, r.loaded.Term, r.loaded.Version, r.loaded.VotingConfiguration())
    return r.req.Action.validate(r.loaded)
}

func (r *run) confirm(context.Context) error {
    r.tty.Printf("%s\n", r.req.Action.confirmation())
    return Confirm(r.tty)
}

func (r *run) apply(context.Context) error {
    next, err := Mutate(r.req.Action, r.loaded, r.nodeID, r.req.NewUUID())
    if err != nil { return err }
    r.next = next
    return nil
}

// persist writes the repair marker first and removes it last, so a node
// whose repair was interrupted refuses to start until the command is rerun.
func (r *run) persist(context.Context) error {
    if err := state.MarkRepairPending(r.nodePaths, r.req.Action.String()); err != nil {
        return fail(KindPersistFailed, err)
    }
    if err := r.store.Persist(r.nodeID, r.next, r.nodePaths); err != nil {
        return fail(KindPersistFailed, err)
    }
    for _, np := range r.nodePaths {
        var err error
        dir := raftcons.Dir(np)
        switch r.req.Action {
        case UnsafeBootstrap:
            err = raftcons.RecoverSingleVoter(dir, r.nodeID, r.req.RaftAddr, r.stamp, r.next.Term, r.log)
        case DetachCluster:
            err = raftcons.Detach(dir, r.log)
        }
        if err != nil { return fail(KindPersistFailed, err) }
    }
    if err := state.ClearRepairPending(r.nodePaths); err != nil {
        return fail(KindPersistFailed, err)
    }
    logutil.Infof(r.log, "%s persisted to %d data path(s): term %d, version %d", r.req.Action, len(r.nodePaths), r.next.Term, r.next.Version)
    return nil
}

// stamp carries the bootstrap markers into the replicated metadata, so the
// live node does not drop them on its first write.
func (r *run) stamp(ms state.MetadataState) error {
    if err := ms.ApplyClusterUUID(r.next.ClusterUUID()); err != nil { return err }
    return ms.ApplyPutSetting(state.UnsafeBootstrapSetting, r.next.Metadata.PersistentSettings[state.UnsafeBootstrapSetting])
}

func (r *run) report() {
    switch r.req.Action {
    case UnsafeBootstrap:
        r.tty.Printf("Master node bootstrapped successfully: it is now the only voter of cluster %s at term %d, version %d.\n",
            r.next.ClusterUUID(), r.next.Term, r.next.Version)
    case DetachCluster:
        r.tty.Printf("Node detached successfully: it can now join a new cluster.\n")
    }
}
