//go:build integration

package integration

import (
    "context"
    "fmt"
    "strings"
    "testing"
    "time"

    "io"
    "log"
    "github.com/amirimatin/clusternode/pkg/node"
    "github.com/amirimatin/clusternode/pkg/recovery"
    "github.com/amirimatin/clusternode/pkg/state"
    "github.com/amirimatin/clusternode/pkg/transport"
    "github.com/amirimatin/clusternode/pkg/transport/httpjson"
)

// A three node cluster loses two masters for good. The survivor is forced to
// form a new cluster with its metadata intact, and a second node is detached
// and joins it.
func TestUnsafeBootstrapThenDetachAndJoin(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
    defer cancel()
    ms := members(t)
    cli := httpjson.NewClient(3 * time.Second)

    n1 := startNode(t, ctx, ms[0].settings(true), nil, nil)
    n2 := startNode(t, ctx, ms[1].settings(false, ms[0].httpAddr), nil, nil)
    n3 := startNode(t, ctx, ms[2].settings(false, ms[0].httpAddr), nil, nil)
    all := []*node.Node{n1, n2, n3}

    waitUntil(t, 30*time.Second, func() error {
        for _, n := range all {
            p := n.Persisted()
            if len(p.VotingConfiguration().NodeIDs()) != 3 || !p.Metadata.ClusterUUIDCommitted { return errNotYet }
        }
        return nil
    })
    resp, err := cli.PostIndex(ctx, ms[0].httpAddr, transport.IndexRequest{Name: "logs", HistoryUUID: "h-logs"})
    if err != nil || !resp.Accepted { t.Fatalf("put index: %+v %v", resp, err) }
    waitUntil(t, 10*time.Second, func() error {
        for _, n := range all {
            if _, ok := n.Persisted().Metadata.Indices["logs"]; !ok { return errNotYet }
        }
        return nil
    })

    before := n1.Persisted()
    id1, id2 := n1.ID(), n2.ID()
    for _, n := range all {
        if err := n.Close(); err != nil { t.Fatalf("stop: %v", err) }
    }

    // Only node one is brought back; the others are considered lost.
    var out strings.Builder
    res, err := recovery.Run(ctx, recovery.Request{
        Action:   recovery.UnsafeBootstrap,
        Settings: ms[0].settings(false),
        Terminal: recovery.NewTerminal(strings.NewReader("y\n"), &out),
        Logger:   log.New(io.Discard, "", 0),
    })
    if err != nil { t.Fatalf("unsafe-bootstrap: %v\n%s", err, out.String()) }
    if res.After.Term != before.Term+1 { t.Fatalf("term %d -> %d", before.Term, res.After.Term) }

    r1 := startNode(t, ctx, ms[0].settings(false), nil, nil)
    waitUntil(t, 20*time.Second, func() error {
        s, err := fetchStatus(ctx, cli, ms[0].httpAddr)
        if err != nil { return err }
        if !s.Leader || s.NodeID != id1 || len(s.Voters) != 1 { return fmt.Errorf("%w: %+v", errNotYet, s) }
        return nil
    })
    after := r1.Persisted()
    if _, ok := after.Metadata.Indices["logs"]; !ok { t.Fatalf("index metadata lost: %+v", after.Metadata.Indices) }
    if after.Term <= before.Term { t.Fatalf("term did not advance: %d -> %d", before.Term, after.Term) }
    if after.ClusterUUID() == before.ClusterUUID() || after.ClusterUUID() != res.After.ClusterUUID() {
        t.Fatalf("cluster uuid %s, want the bootstrapped %s", after.ClusterUUID(), res.After.ClusterUUID())
    }
    if after.Metadata.PersistentSettings[state.UnsafeBootstrapSetting] != "true" { t.Fatalf("bootstrap marker missing") }

    // Node two still believes in the old cluster until detached.
    out.Reset()
    if _, err := recovery.Run(ctx, recovery.Request{
        Action:   recovery.DetachCluster,
        Settings: ms[1].settings(false),
        Terminal: recovery.NewTerminal(strings.NewReader("y\n"), &out),
        Logger:   log.New(io.Discard, "", 0),
    }); err != nil {
        t.Fatalf("detach-cluster: %v\n%s", err, out.String())
    }
    r2 := startNode(t, ctx, ms[1].settings(false, ms[0].httpAddr), nil, nil)
    if r2.ID() != id2 { t.Fatalf("identity changed by detach") }
    waitUntil(t, 30*time.Second, func() error {
        p := r2.Persisted()
        if !p.VotingConfiguration().Contains(id2) || p.ClusterUUID() != after.ClusterUUID() { return errNotYet }
        if _, ok := p.Metadata.Indices["logs"]; !ok { return errNotYet }
        return nil
    })
}

// A recovery command refuses to run against a node that is still up.
func TestRecoveryRefusesRunningNode(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
    defer cancel()
    m := members(t)[0]
    startNode(t, ctx, m.settings(true), nil, nil)

    var out strings.Builder
    _, err := recovery.Run(ctx, recovery.Request{
        Action:   recovery.DetachCluster,
        Settings: m.settings(false),
        Terminal: recovery.NewTerminal(strings.NewReader("y\n"), &out),
        Logger:   log.New(io.Discard, "", 0),
    })
    if recovery.KindOf(err) != recovery.KindFailedToObtainNodeLock { t.Fatalf("want FailedToObtainNodeLock, got %v", err) }
}
