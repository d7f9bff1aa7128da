package raftcons

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "os"
    "sync"
    "time"

    "github.com/hashicorp/go-hclog"
    "github.com/hashicorp/raft"

    c "github.com/amirimatin/clusternode/pkg/consensus"
    "github.com/amirimatin/clusternode/pkg/internal/logutil"
    "github.com/amirimatin/clusternode/pkg/state/metastate"
)

// Node implements consensus.Consensus using HashiCorp Raft. With a DataDir
// it keeps its log, stable and snapshot stores on disk; without one it runs
// in memory over loopback transports (tests).
type Node struct {
    opts Options
    log  *log.Logger
    hlog hclog.Logger
    r    *raft.Raft
    lch  chan c.LeaderInfo
    addr  raft.ServerAddress
    trans raft.Transport
    lb    raft.LoopbackTransport
    ms    *metastate.State
    stores io.Closer
    stopMu sync.Mutex
}

func New(opts Options) (*Node, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("raftcons: empty NodeID")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    ms := opts.State
    if ms == nil { ms = metastate.New() }
    return &Node{
        opts: opts,
        log:  opts.Logger,
        hlog: logutil.HCLog(opts.Logger, "raft"),
        lch:  make(chan c.LeaderInfo, 16),
        ms:   ms,
    }, nil
}

func (n *Node) config() *raft.Config {
    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(n.opts.NodeID)
    cfg.Logger = n.hlog
    if n.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
        // Keep lease <= heartbeat to satisfy invariants
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
            if cfg.LeaderLeaseTimeout == 0 { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
        }
    }
    if n.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = n.opts.ElectionTimeout }
    if n.opts.CommitTimeout > 0 { cfg.CommitTimeout = n.opts.CommitTimeout }
    return cfg
}

func (n *Node) Start(ctx context.Context) error {
    if n.r != nil {
        return nil
    }
    cfg := n.config()

    var (
        st    *stores
        addr  raft.ServerAddress
        trans raft.Transport
        err   error
    )
    if n.opts.DataDir != "" {
        if n.opts.SnapshotsRetained == 0 { n.opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil { return err }
        st, err = openStores(n.opts.DataDir, n.opts.SnapshotsRetained, n.hlog)
        if err != nil { return err }
    } else {
        st = inmemStores()
    }

    if n.opts.BindAddr != "" {
        nt, err := raft.NewTCPTransportWithLogger(n.opts.BindAddr, nil, 3, time.Second, n.hlog)
        if err != nil { st.Close(); return err }
        trans = nt
        addr = nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
    }

    if n.opts.Bootstrap {
        if err := n.bootstrap(cfg, st, trans, addr); err != nil { st.Close(); return err }
    }
    if err := raiseTerm(st.stable, n.opts.MinTerm); err != nil { st.Close(); return err }

    r, err := raft.NewRaft(cfg, newMetadataFSM(n.ms), st.logs, st.stable, st.snaps, trans)
    if err != nil {
        st.Close()
        return err
    }
    n.r = r
    n.addr = addr
    n.trans = trans
    n.stores = st
    if lb, ok := n.trans.(raft.LoopbackTransport); ok { n.lb = lb }

    // Observe leadership changes and forward to LeaderCh.
    obsCh := make(chan raft.Observation, 32)
    observer := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    })
    n.r.RegisterObserver(observer)
    go func() {
        for range obsCh {
            id, addr, ok := n.Leader()
            if ok {
                n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
            }
        }
    }()

    // Also emit an initial leader snapshot if known shortly after start.
    go func() {
        time.Sleep(50 * time.Millisecond)
        id, addr, ok := n.Leader()
        if ok {
            n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
        }
    }()

    go func() {
        <-ctx.Done()
        _ = n.Stop()
    }()
    return nil
}

func (n *Node) bootstrap(cfg *raft.Config, st *stores, trans raft.Transport, addr raft.ServerAddress) error {
    cfgs := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
    done, err := bootstrapStores(cfg, st, trans, cfgs)
    if done { logutil.Infof(n.log, "bootstrapped single-node raft configuration for %s at %s", n.opts.NodeID, addr) }
    return err
}

func (n *Node) Apply(cmd c.Command, timeout time.Duration) error {
    if n.r == nil {
        return fmt.Errorf("raftcons: not started")
    }
    if n.r.State() != raft.Leader {
        return fmt.Errorf("raftcons: not leader")
    }
    data, err := json.Marshal(cmd)
    if err != nil { return err }
    t := timeout
    if t <= 0 && n.opts.ApplyTimeout > 0 { t = n.opts.ApplyTimeout }
    af := n.r.Apply(data, t)
    if err := af.Error(); err != nil { return err }
    if v := af.Response(); v != nil {
        if e, ok := v.(error); ok && e != nil { return e }
    }
    return nil
}

func (n *Node) IsLeader() bool {
    if n.r == nil { return false }
    return n.r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
    if n.r == nil { return "", "", false }
    a, sid := n.r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
    if n.r == nil { return 0 }
    return n.r.CurrentTerm()
}

// Addr is the raft address peers use to reach this node.
func (n *Node) Addr() string { return string(n.addr) }

func (n *Node) Stop() error {
    n.stopMu.Lock(); defer n.stopMu.Unlock()
    if n.r == nil { return nil }
    f := n.r.Shutdown()
    err := f.Error()
    n.r = nil
    if n.stores != nil {
        if cerr := n.stores.Close(); err == nil { err = cerr }
        n.stores = nil
    }
    return err
}

var _ c.Consensus = (*Node)(nil)
var _ c.Reconfigurer = (*Node)(nil)

// LeaderCh implements consensus.LeaderNotifier.
func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li c.LeaderInfo) {
    select {
    case n.lch <- li:
    default:
        // drop to avoid blocking; last-writer-wins semantics are ok for leadership
    }
}

// State returns the metadata state machine driven by this node.
func (n *Node) State() *metastate.State { return n.ms }

// --- Dynamic Reconfiguration ---

// AddVoter adds a voting server to the Raft cluster if not already present.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
    if n.r == nil {
        return fmt.Errorf("raftcons: not started")
    }
    cfg := n.r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) == id {
                if string(srv.Address) == addr {
                    return nil
                }
                // Remove stale entry with different address before adding
                rf := n.r.RemoveServer(srv.ID, 0, timeout)
                if err := rf.Error(); err != nil { return err }
                break
            }
        }
    }
    f := n.r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout)
    return f.Error()
}

// AddNonvoter adds a server that replicates the log without voting.
func (n *Node) AddNonvoter(id, addr string, timeout time.Duration) error {
    if n.r == nil {
        return fmt.Errorf("raftcons: not started")
    }
    f := n.r.AddNonvoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout)
    return f.Error()
}

// RemoveServer removes a server from the Raft cluster if present.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
    if n.r == nil {
        return fmt.Errorf("raftcons: not started")
    }
    f := n.r.RemoveServer(raft.ServerID(id), 0, timeout)
    return f.Error()
}

// Voters returns the voting members of the latest raft configuration.
func (n *Node) Voters() ([]c.Server, error) {
    if n.r == nil {
        return nil, fmt.Errorf("raftcons: not started")
    }
    f := n.r.GetConfiguration()
    if err := f.Error(); err != nil { return nil, err }
    return voters(f.Configuration()), nil
}

func voters(cfg raft.Configuration) []c.Server {
    var out []c.Server
    for _, srv := range cfg.Servers {
        if srv.Suffrage != raft.Voter { continue }
        out = append(out, c.Server{ID: string(srv.ID), Addr: string(srv.Address)})
    }
    return out
}
