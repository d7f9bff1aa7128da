// Package node runs a live cluster node: it owns the node folders for the
// life of the process, drives the replicated metadata through raft and keeps
// the persisted cluster state in step with it. The offline recovery commands
// repair exactly what this package writes.
package node

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"

    "github.com/amirimatin/clusternode/pkg/consensus"
    raftcons "github.com/amirimatin/clusternode/pkg/consensus/raft"
    "github.com/amirimatin/clusternode/pkg/discovery"
    "github.com/amirimatin/clusternode/pkg/discovery/file"
    "github.com/amirimatin/clusternode/pkg/discovery/static"
    "github.com/amirimatin/clusternode/pkg/internal/logutil"
    "github.com/amirimatin/clusternode/pkg/nodeenv"
    obsmetrics "github.com/amirimatin/clusternode/pkg/observability/metrics"
    "github.com/amirimatin/clusternode/pkg/state"
    "github.com/amirimatin/clusternode/pkg/state/metastate"
    "github.com/amirimatin/clusternode/pkg/transport/httpjson"
)

// SeedsEnv names the variable whose comma-separated value overrides the
// seeds file.
const SeedsEnv = "CLUSTERNODE_SEEDS"

const (
    applyTimeout = 3 * time.Second
    joinTimeout  = 5 * time.Second
)

// Node is a running cluster node.
type Node struct {
    opts  Options
    log   *log.Logger
    store *state.Store
    disc  discovery.Discovery
    rpcC  *httpjson.Client

    mu  sync.Mutex
    run struct {
        started bool
        closed  bool
    }
    cancel context.CancelFunc
    wg     sync.WaitGroup
    // consStop ends the raft node's own context after the final persist.
    consStop context.CancelFunc

    // Set by Start, read-only afterwards.
    lock      *nodeenv.NodeLock
    nodePaths []string
    id        string
    cons      *raftcons.Node
    rpcS      *httpjson.Server

    stMu      sync.Mutex
    persisted state.ClusterState
}

// New constructs a Node from validated options. It performs no disk or
// network activity; call Start to launch the node.
func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.PersistInterval <= 0 { opts.PersistInterval = time.Second }
    if opts.JoinInterval <= 0 { opts.JoinInterval = 2 * time.Second }
    if opts.NewUUID == nil { opts.NewUUID = uuid.NewString }
    disc := opts.Discovery
    if disc == nil {
        disc = discovery.Multi{
            static.New(opts.Settings.Discovery.Seeds...),
            file.New(file.Options{Path: opts.Settings.Discovery.File, Env: SeedsEnv}),
        }
    }
    return &Node{
        opts:  opts,
        log:   opts.Logger,
        store: state.NewStore(opts.Logger),
        disc:  disc,
        rpcC:  httpjson.NewClient(3 * time.Second).UseTLS(opts.ClientTLS),
    }, nil
}

// Start locks the node folders, loads the persisted cluster state, starts
// raft and the management endpoint. A node left half-repaired by an
// interrupted recovery command refuses to start.
func (n *Node) Start(ctx context.Context) (err error) {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.started { return nil }
    n.run.started = true
    obsmetrics.Register()
    defer func() {
        if err != nil { n.close(context.Background(), false) }
    }()

    s := n.opts.Settings
    dps, err := nodeenv.NewDataPaths(s.Path.Data)
    if err != nil { return err }
    nps, err := dps.Prepare()
    if err != nil { return err }
    n.lock, err = nodeenv.AcquireLock(nps)
    if err != nil { return err }
    n.nodePaths = nps

    id, err := nodeenv.LoadOrCreateIdentity(nps)
    if err != nil { return err }
    n.id = id.NodeID
    if err := state.CheckNoRepairPending(nps); err != nil { return err }

    cur := state.Empty()
    on, err := n.store.LoadBestOnDiskState(nps)
    switch {
    case errors.Is(err, state.ErrNoMetadataFound):
        logutil.Infof(n.log, "no cluster state on disk; starting fresh as %s", n.id)
    case err != nil:
        return err
    case on.NodeID != n.id:
        return fmt.Errorf("%w: state of %q, identity %q", ErrStateOwner, on.NodeID, n.id)
    default:
        cur = on.State
        logutil.Infof(n.log, "loaded cluster state from %s: term %d, version %d, voters %s",
            on.DataPath, cur.Term, cur.Version, cur.VotingConfiguration())
    }
    n.persisted = cur
    n.observe(cur)

    raftDir := raftcons.Dir(nps[0])
    hasRaft, err := raftcons.HasState(raftDir, n.log)
    if err != nil { return err }
    // Raft replays its own log and snapshot; only a node without raft state
    // seeds the state machine from the persisted metadata.
    var ms *metastate.State
    if !hasRaft { ms = metastate.FromMetadata(cur.Metadata) }
    bootstrap := !hasRaft && s.MasterEligible() &&
        (s.Raft.Bootstrap || cur.VotingConfiguration().Equal(state.NewVotingConfiguration(n.id)))

    n.cons, err = raftcons.New(raftcons.Options{
        NodeID:           n.id,
        Logger:           n.log,
        Bootstrap:        bootstrap,
        BindAddr:         s.Raft.Addr,
        DataDir:          raftDir,
        MinTerm:          cur.Term,
        State:            ms,
        HeartbeatTimeout: n.opts.HeartbeatTimeout,
        ElectionTimeout:  n.opts.ElectionTimeout,
    })
    if err != nil { return err }
    consCtx, consStop := context.WithCancel(context.Background())
    n.consStop = consStop
    if err := n.cons.Start(consCtx); err != nil { return err }

    n.rpcS = httpjson.NewServer(s.HTTP.Addr, n.log).UseTLS(n.opts.ServerTLS)
    if err := n.rpcS.Start(ctx, n.handlers()); err != nil { return err }

    loopCtx, cancel := context.WithCancel(ctx)
    n.cancel = cancel
    n.wg.Add(2)
    go n.persistLoop(loopCtx)
    go n.leaderLoop(loopCtx)
    if !hasRaft && !bootstrap {
        n.wg.Add(1)
        go n.joinLoop(loopCtx)
    }
    logutil.Infof(n.log, "node %s running: raft %s, management %s", n.id, n.cons.Addr(), n.rpcS.Addr())
    return nil
}

// Stop writes the cluster state a last time, then shuts down the management
// endpoint and raft and releases the node lock.
func (n *Node) Stop(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if !n.run.started || n.run.closed { return nil }
    return n.close(ctx, true)
}

// Close is a convenience alias for Stop with a background context.
func (n *Node) Close() error { return n.Stop(context.Background()) }

func (n *Node) close(ctx context.Context, flush bool) error {
    n.run.closed = true
    if n.cancel != nil { n.cancel() }
    n.wg.Wait()
    var errs []error
    if n.rpcS != nil { errs = append(errs, n.rpcS.Stop(ctx)) }
    if n.cons != nil {
        if flush { errs = append(errs, n.persistOnce()) }
        errs = append(errs, n.cons.Stop())
    }
    if n.consStop != nil { n.consStop() }
    if n.lock != nil { errs = append(errs, n.lock.Release()) }
    obsmetrics.IsLeader.Set(0)
    return errors.Join(errs...)
}

// ID returns the persistent node id, once started.
func (n *Node) ID() string { return n.id }

// HTTPAddr returns the bound management address.
func (n *Node) HTTPAddr() string {
    if n.rpcS == nil { return n.opts.Settings.HTTP.Addr }
    return n.rpcS.Addr()
}

// RaftAddr returns the bound raft address.
func (n *Node) RaftAddr() string {
    if n.cons == nil { return n.opts.Settings.Raft.Addr }
    return n.cons.Addr()
}

// Persisted returns a copy of the last cluster state written to disk.
func (n *Node) Persisted() state.ClusterState {
    n.stMu.Lock()
    defer n.stMu.Unlock()
    return n.persisted.Clone()
}

// Status reports the raft view of this node together with the last
// persisted cluster state.
func (n *Node) Status(context.Context) (*Status, error) {
    if n.cons == nil { return nil, ErrNotStarted }
    cur := n.Persisted()
    st := &Status{
        NodeID:      n.id,
        Leader:      n.cons.IsLeader(),
        RaftAddr:    n.cons.Addr(),
        HTTPAddr:    n.HTTPAddr(),
        Term:        cur.Term,
        Version:     cur.Version,
        ClusterUUID: cur.ClusterUUID(),
    }
    if id, addr, ok := n.cons.Leader(); ok {
        st.Healthy, st.LeaderID, st.LeaderRaftAddr = true, id, addr
    }
    if vs, err := n.cons.Voters(); err == nil {
        st.Voters = vs
    } else {
        st.Warnings = append(st.Warnings, fmt.Sprintf("voters unavailable: %v", err))
    }
    for name := range cur.Metadata.Indices { st.Indices = append(st.Indices, name) }
    sort.Strings(st.Indices)
    if !cur.Affiliated() { st.Warnings = append(st.Warnings, "node is not part of a cluster yet") }
    if st.Leader { obsmetrics.IsLeader.Set(1) } else { obsmetrics.IsLeader.Set(0) }
    return st, nil
}

func (n *Node) leaderLoop(ctx context.Context) {
    defer n.wg.Done()
    ch := n.cons.LeaderCh()
    for {
        select {
        case <-ctx.Done():
            return
        case li, ok := <-ch:
            if !ok { return }
            obsmetrics.LeaderChanges.Inc()
            if li.ID == n.id { obsmetrics.IsLeader.Set(1) } else { obsmetrics.IsLeader.Set(0) }
            logutil.Infof(n.log, "leader change observed: id=%s term=%d", li.ID, li.Term)
        }
    }
}

// voterIDs returns the ids of servers.
func voterIDs(servers []consensus.Server) []string {
    ids := make([]string, 0, len(servers))
    for _, s := range servers { ids = append(ids, s.ID) }
    return ids
}
