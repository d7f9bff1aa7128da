package node

import (
    "context"
    "encoding/json"
    "errors"
    "path/filepath"
    "testing"
    "time"

    "github.com/amirimatin/clusternode/pkg/config"
    "github.com/amirimatin/clusternode/pkg/internal/logutil"
    "github.com/amirimatin/clusternode/pkg/nodeenv"
    "github.com/amirimatin/clusternode/pkg/state"
    "github.com/amirimatin/clusternode/pkg/transport"
    "github.com/amirimatin/clusternode/pkg/transport/httpjson"
)

func settings(dataDir string, bootstrap bool, seeds ...string) config.Settings {
    s := config.Default()
    s.Path.Data = []string{dataDir}
    s.Raft.Addr = "127.0.0.1:0"
    s.HTTP.Addr = "127.0.0.1:0"
    s.Raft.Bootstrap = bootstrap
    s.Discovery.Seeds = seeds
    return s
}

func startNode(t *testing.T, s config.Settings) *Node {
    t.Helper()
    n, err := New(Options{
        Settings:         s,
        Logger:           logutil.Discard(),
        PersistInterval:  50 * time.Millisecond,
        JoinInterval:     100 * time.Millisecond,
        HeartbeatTimeout: 150 * time.Millisecond,
        ElectionTimeout:  300 * time.Millisecond,
        NewUUID:          func() string { return "uuid-" + s.Path.Data[0] },
    })
    if err != nil { t.Fatal(err) }
    if err := n.Start(context.Background()); err != nil { t.Fatalf("start: %v", err) }
    t.Cleanup(func() { _ = n.Close() })
    return n
}

func eventually(t *testing.T, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(10 * time.Second)
    for time.Now().Before(deadline) {
        if cond() { return }
        time.Sleep(50 * time.Millisecond)
    }
    t.Fatalf("timed out waiting for %s", what)
}

func TestValidate(t *testing.T) {
    if _, err := New(Options{Settings: config.Default()}); !errors.Is(err, config.ErrNoDataPaths) {
        t.Fatalf("want ErrNoDataPaths, got %v", err)
    }
}

func TestSingleNodeLifecycle(t *testing.T) {
    dir := t.TempDir()
    n := startNode(t, settings(dir, true))
    eventually(t, "leadership", n.cons.IsLeader)
    eventually(t, "committed cluster uuid", func() bool { return n.Persisted().Metadata.ClusterUUIDCommitted })

    c := httpjson.NewClient(time.Second)
    resp, err := c.PostIndex(context.Background(), n.HTTPAddr(), transport.IndexRequest{Name: "logs", HistoryUUID: "h1"})
    if err != nil || !resp.Accepted { t.Fatalf("put index: %+v %v", resp, err) }
    resp, err = c.PostSetting(context.Background(), n.HTTPAddr(), transport.SettingRequest{Key: "cluster.name", Value: "blue"})
    if err != nil || !resp.Accepted { t.Fatalf("put setting: %+v %v", resp, err) }
    resp, err = c.PostIndex(context.Background(), n.HTTPAddr(), transport.IndexRequest{Name: "fresh"})
    if err != nil || resp.Accepted || resp.Error == "" { t.Fatalf("index without history accepted: %+v %v", resp, err) }

    p := n.Persisted()
    if _, ok := p.Metadata.Indices["logs"]; !ok { t.Fatalf("index not persisted: %+v", p.Metadata.Indices) }
    if !p.VotingConfiguration().Equal(state.NewVotingConfiguration(n.ID())) { t.Fatalf("voters = %v", p.VotingConfiguration()) }
    if p.Term == 0 || p.Metadata.Coordination.Term != p.Term { t.Fatalf("terms not recorded: %+v", p) }

    b, err := c.GetStatus(context.Background(), n.HTTPAddr())
    if err != nil { t.Fatal(err) }
    var st Status
    if err := json.Unmarshal(b, &st); err != nil { t.Fatal(err) }
    if !st.Leader || !st.Healthy || st.NodeID != n.ID() || len(st.Indices) != 1 || st.ClusterUUID != p.ClusterUUID() {
        t.Fatalf("unexpected status %+v", st)
    }

    id, term := n.ID(), p.Term
    if err := n.Close(); err != nil { t.Fatalf("stop: %v", err) }

    on, err := state.NewStore(logutil.Discard()).LoadBestOnDiskState([]string{filepath.Join(dir, nodeenv.NodeFolder)})
    if err != nil { t.Fatalf("load: %v", err) }
    if on.NodeID != id || on.State.Metadata.PersistentSettings["cluster.name"] != "blue" { t.Fatalf("unexpected state on disk: %+v", on) }

    // A restart keeps the identity and never goes back in term.
    again := startNode(t, settings(dir, false))
    if again.ID() != id { t.Fatalf("identity changed: %s -> %s", id, again.ID()) }
    eventually(t, "leadership after restart", again.cons.IsLeader)
    if again.Persisted().Term < term { t.Fatalf("term went back") }
    if _, ok := again.cons.State().Indices()["logs"]; !ok { t.Fatalf("metadata lost across restart") }
}

func TestRunningNodeHoldsLock(t *testing.T) {
    dir := t.TempDir()
    n := startNode(t, settings(dir, true))
    if _, err := nodeenv.AcquireLock(n.nodePaths); !errors.Is(err, nodeenv.ErrLockUnavailable) {
        t.Fatalf("want ErrLockUnavailable while running, got %v", err)
    }
    if err := n.Close(); err != nil { t.Fatal(err) }
    l, err := nodeenv.AcquireLock(n.nodePaths)
    if err != nil { t.Fatalf("lock not released: %v", err) }
    l.Release()
}

func TestRefusesToStartWithPendingRepair(t *testing.T) {
    dir := t.TempDir()
    dps, _ := nodeenv.NewDataPaths([]string{dir})
    nps, err := dps.Prepare()
    if err != nil { t.Fatal(err) }
    if err := state.MarkRepairPending(nps, "detach-cluster"); err != nil { t.Fatal(err) }

    n, err := New(Options{Settings: settings(dir, true), Logger: logutil.Discard()})
    if err != nil { t.Fatal(err) }
    if err := n.Start(context.Background()); !errors.Is(err, state.ErrRepairInProgress) {
        t.Fatalf("want ErrRepairInProgress, got %v", err)
    }
    // The failed start released the lock.
    l, err := nodeenv.AcquireLock(nps)
    if err != nil { t.Fatalf("lock leaked: %v", err) }
    l.Release()
}

func TestFollowerJoinsThroughSeedAndRejectsWrites(t *testing.T) {
    leader := startNode(t, settings(t.TempDir(), true))
    eventually(t, "leadership", leader.cons.IsLeader)

    follower := startNode(t, settings(t.TempDir(), false, leader.HTTPAddr()))
    eventually(t, "follower sees leader", func() bool { id, _, ok := follower.cons.Leader(); return ok && id == leader.ID() })
    eventually(t, "two voters persisted", func() bool {
        return len(follower.Persisted().VotingConfiguration().NodeIDs()) == 2
    })
    eventually(t, "cluster uuid replicated", func() bool {
        lp := leader.Persisted()
        return lp.Metadata.ClusterUUIDCommitted && follower.Persisted().ClusterUUID() == lp.ClusterUUID()
    })

    resp, err := httpjson.NewClient(time.Second).PostSetting(context.Background(), follower.HTTPAddr(), transport.SettingRequest{Key: "k", Value: "v"})
    if err != nil { t.Fatal(err) }
    if resp.Accepted || resp.Error != notLeader || resp.Leader != leader.ID() { t.Fatalf("follower accepted a write: %+v", resp) }
}

func TestStateOfAnotherNodeIsRejected(t *testing.T) {
    dir := t.TempDir()
    dps, _ := nodeenv.NewDataPaths([]string{dir})
    nps, err := dps.Prepare()
    if err != nil { t.Fatal(err) }
    st := state.Empty()
    if err := state.NewStore(logutil.Discard()).Persist("someone-else", st, nps); err != nil { t.Fatal(err) }

    n, err := New(Options{Settings: settings(dir, true), Logger: logutil.Discard()})
    if err != nil { t.Fatal(err) }
    if err := n.Start(context.Background()); !errors.Is(err, ErrStateOwner) {
        t.Fatalf("want ErrStateOwner, got %v", err)
    }
}

func TestSameMetadataIgnoresTerms(t *testing.T) {
    a := state.Empty()
    b := a.Clone()
    b.Term, b.Metadata.Coordination.Term = 9, 9
    if !sameMetadata(a, b) { t.Fatalf("term-only change counted as metadata change") }
    b.Metadata.PersistentSettings = map[string]string{"x": "y"}
    if sameMetadata(a, b) { t.Fatalf("settings change missed") }
}
