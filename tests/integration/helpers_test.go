//go:build integration

package integration

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "testing"
    "time"

    "github.com/amirimatin/clusternode/pkg/config"
    "io"
    "log"
    "github.com/amirimatin/clusternode/pkg/node"
    "github.com/amirimatin/clusternode/pkg/transport/httpjson"
)

var errNotYet = errors.New("not yet")

type member struct {
    raftAddr string
    httpAddr string
    data     string
}

func members(t *testing.T) []member {
    return []member{
        {raftAddr: "127.0.0.1:9521", httpAddr: "127.0.0.1:17946", data: t.TempDir()},
        {raftAddr: "127.0.0.1:9522", httpAddr: "127.0.0.1:18946", data: t.TempDir()},
        {raftAddr: "127.0.0.1:9523", httpAddr: "127.0.0.1:19946", data: t.TempDir()},
    }
}

func (m member) settings(bootstrap bool, seeds ...string) config.Settings {
    s := config.Default()
    s.Path.Data = []string{m.data}
    s.Raft.Addr = m.raftAddr
    s.HTTP.Addr = m.httpAddr
    s.Raft.Bootstrap = bootstrap
    s.Discovery.Seeds = seeds
    return s
}

func startNode(t *testing.T, ctx context.Context, s config.Settings, srvTLS, cliTLS *tls.Config) *node.Node {
    t.Helper()
    n, err := node.New(node.Options{
        Settings:         s,
        Logger:           log.New(io.Discard, "", 0),
        PersistInterval:  100 * time.Millisecond,
        JoinInterval:     200 * time.Millisecond,
        HeartbeatTimeout: 200 * time.Millisecond,
        ElectionTimeout:  400 * time.Millisecond,
        ServerTLS:        srvTLS,
        ClientTLS:        cliTLS,
    })
    if err != nil { t.Fatalf("new %s: %v", s.Raft.Addr, err) }
    if err := n.Start(ctx); err != nil { t.Fatalf("start %s: %v", s.Raft.Addr, err) }
    t.Cleanup(func() { _ = n.Close() })
    return n
}

func waitUntil(t *testing.T, d time.Duration, cond func() error) {
    t.Helper()
    deadline := time.Now().Add(d)
    var last error
    for time.Now().Before(deadline) {
        if last = cond(); last == nil { return }
        time.Sleep(100 * time.Millisecond)
    }
    t.Fatalf("condition not met within %s: %v", d, last)
}

func fetchStatus(ctx context.Context, cli *httpjson.Client, addr string) (node.Status, error) {
    var s node.Status
    b, err := cli.GetStatus(ctx, addr)
    if err != nil { return s, err }
    if err := json.Unmarshal(b, &s); err != nil { return s, err }
    return s, nil
}
