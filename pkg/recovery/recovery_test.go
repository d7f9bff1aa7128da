package recovery

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "io/fs"
    "os"
    "path/filepath"
    "strings"
    "testing"
    "time"

    "github.com/go-test/deep"

    "github.com/amirimatin/clusternode/pkg/config"
    raftcons "github.com/amirimatin/clusternode/pkg/consensus/raft"
    "github.com/amirimatin/clusternode/pkg/internal/logutil"
    "github.com/amirimatin/clusternode/pkg/nodeenv"
    "github.com/amirimatin/clusternode/pkg/state"
)

type fakeTerminal struct {
    answers []string
    out     bytes.Buffer
    warned  []string
    prompts int
}

func (f *fakeTerminal) Printf(format string, args ...any) { fmt.Fprintf(&f.out, format, args...) }

func (f *fakeTerminal) Warn(msg string) {
    f.warned = append(f.warned, msg)
    f.out.WriteString(msg + "\n")
}

func (f *fakeTerminal) ReadLine(prompt string) (string, error) {
    f.prompts++
    f.out.WriteString(prompt)
    if len(f.answers) == 0 { return "", io.EOF }
    a := f.answers[0]
    f.answers = f.answers[1:]
    return a, nil
}

func answering(a ...string) *fakeTerminal { return &fakeTerminal{answers: a} }

func clusterState(term, version uint64, voters ...string) state.ClusterState {
    cfg := state.NewVotingConfiguration(voters...)
    return state.ClusterState{
        Term:    term,
        Version: version,
        Metadata: state.Metadata{
            ClusterUUID:          "old-cluster",
            ClusterUUIDCommitted: true,
            Version:              version,
            Coordination: state.CoordinationMetadata{
                Term:                term,
                LastCommittedConfig: cfg,
                LastAcceptedConfig:  cfg,
                VotingExclusions:    []string{"gone"},
            },
            PersistentSettings: map[string]string{"cluster.routing.allocation.enable": "all"},
            Indices: map[string]state.IndexMetadata{
                "logs": {Name: "logs", HistoryUUID: "h-logs", Version: 2},
            },
        },
    }
}

// seedNode lays out n data paths holding the node folder, identity and
// cluster state of nodeID.
func seedNode(t *testing.T, nodeID string, st *state.ClusterState, n int) (config.Settings, []string) {
    t.Helper()
    s := config.Default()
    for i := 0; i < n; i++ { s.Path.Data = append(s.Path.Data, t.TempDir()) }
    dps, err := nodeenv.NewDataPaths(s.Path.Data)
    if err != nil { t.Fatal(err) }
    nps, err := dps.Prepare()
    if err != nil { t.Fatal(err) }
    id, _ := json.Marshal(nodeenv.NodeIdentity{NodeID: nodeID, Version: nodeenv.CurrentIdentityVersion})
    for _, np := range nps {
        if err := nodeenv.WriteFileAtomic(filepath.Join(np, "node.json"), id, 0o644); err != nil { t.Fatal(err) }
    }
    if st != nil {
        if err := state.NewStore(logutil.Discard()).Persist(nodeID, *st, nps); err != nil { t.Fatal(err) }
    }
    return s, nps
}

func request(a Action, s config.Settings, term Terminal) Request {
    return Request{
        Action:   a,
        Settings: s,
        Terminal: term,
        Logger:   logutil.Discard(),
        NewUUID:  func() string { return "new-cluster" },
    }
}

// diskImage captures every file of the node folders except the lock file,
// whose content records the pid of the last holder.
func diskImage(t *testing.T, nps []string) map[string][]byte {
    t.Helper()
    out := map[string][]byte{}
    for _, np := range nps {
        err := filepath.WalkDir(np, func(p string, d fs.DirEntry, err error) error {
            if err != nil { return err }
            if d.IsDir() || d.Name() == "node.lock" { return nil }
            b, err := os.ReadFile(p)
            if err != nil { return err }
            out[p] = b
            return nil
        })
        if err != nil { t.Fatal(err) }
    }
    return out
}

var bothActions = []Action{UnsafeBootstrap, DetachCluster}

func TestEmptyDataPathFailsWithNoNodeFolder(t *testing.T) {
    for _, a := range bothActions {
        s := config.Default()
        s.Path.Data = []string{t.TempDir()}
        term := answering("y")
        _, err := Run(context.Background(), request(a, s, term))
        if !errors.Is(err, ErrNoNodeFolderFound) {
            t.Fatalf("%s: want NoNodeFolderFound, got %v", a, err)
        }
        if term.prompts != 0 { t.Fatalf("%s: prompted before failing", a) }
        if _, err := os.Stat(filepath.Join(s.Path.Data[0], nodeenv.NodeFolder)); !os.IsNotExist(err) {
            t.Fatalf("%s: node folder was created", a)
        }
    }
}

func TestNoDataPathsConfigured(t *testing.T) {
    _, err := Run(context.Background(), request(DetachCluster, config.Default(), answering("y")))
    if !errors.Is(err, ErrNoNodeFolderFound) {
        t.Fatalf("want NoNodeFolderFound, got %v", err)
    }
}

func TestLockedNodeFailsToObtainLock(t *testing.T) {
    st := clusterState(5, 10, "A", "B", "C")
    s, nps := seedNode(t, "A", &st, 2)
    held, err := nodeenv.AcquireLock(nps)
    if err != nil { t.Fatal(err) }
    defer held.Release()

    for _, a := range bothActions {
        term := answering("y")
        _, err := Run(context.Background(), request(a, s, term))
        if !errors.Is(err, ErrFailedToObtainNodeLock) {
            t.Fatalf("%s: want FailedToObtainNodeLock, got %v", a, err)
        }
        if term.prompts != 0 { t.Fatalf("%s: prompted while the node was running", a) }
    }
}

func TestMissingMetadata(t *testing.T) {
    s, _ := seedNode(t, "A", nil, 1)
    for _, a := range bothActions {
        _, err := Run(context.Background(), request(a, s, answering("y")))
        if !errors.Is(err, ErrNoNodeMetadataFound) {
            t.Fatalf("%s: want NoNodeMetadataFound, got %v", a, err)
        }
    }
}

func TestNotMasterNodeCheckedBeforeDisk(t *testing.T) {
    s := config.Default()
    s.Node.Roles = []string{config.RoleData}
    s.Path.Data = []string{t.TempDir()}
    term := answering("y")
    _, err := Run(context.Background(), request(UnsafeBootstrap, s, term))
    if !errors.Is(err, ErrNotMasterNode) {
        t.Fatalf("want NotMasterNode, got %v", err)
    }
    if len(term.warned) != 1 || term.warned[0] != stopWarning {
        t.Fatalf("stop warning not printed first: %v", term.warned)
    }

    // Detaching a data-only node is fine.
    st := clusterState(3, 3, "A")
    s2, _ := seedNode(t, "D", &st, 1)
    s2.Node.Roles = []string{config.RoleData}
    if _, err := Run(context.Background(), request(DetachCluster, s2, answering("y"))); err != nil {
        t.Fatalf("detach on data node: %v", err)
    }
}

func TestEmptyVotingConfiguration(t *testing.T) {
    st := clusterState(4, 9)
    s, nps := seedNode(t, "A", &st, 1)
    before := diskImage(t, nps)

    for _, answer := range []string{"y", "n"} {
        tty := answering(answer)
        _, err := Run(context.Background(), request(UnsafeBootstrap, s, tty))
        if !errors.Is(err, ErrEmptyLastCommittedVotingConfig) {
            t.Fatalf("answer %q: want EmptyLastCommittedVotingConfig, got %v", answer, err)
        }
        if tty.prompts != 0 { t.Fatalf("answer %q: asked for confirmation of a bootstrap that cannot apply", answer) }
    }
    if diff := deep.Equal(diskImage(t, nps), before); diff != nil {
        t.Fatalf("failed bootstrap changed the disk: %v", diff)
    }

    res, err := Run(context.Background(), request(DetachCluster, s, answering("y")))
    if err != nil { t.Fatalf("detach: %v", err) }
    if !res.After.VotingConfiguration().IsEmpty() { t.Fatalf("detach left voters %v", res.After.VotingConfiguration()) }
}

func TestAbortLeavesDiskByteIdentical(t *testing.T) {
    refusals := [][]string{{"n"}, {"N"}, {""}, {"yes"}, {" y"}, {"y "}, {"Y\tes"}, nil}
    for _, a := range bothActions {
        for _, answers := range refusals {
            st := clusterState(5, 10, "A", "B", "C")
            s, nps := seedNode(t, "A", &st, 2)
            before := diskImage(t, nps)

            term := answering(answers...)
            _, err := Run(context.Background(), request(a, s, term))
            if !errors.Is(err, ErrAbortedByUser) {
                t.Fatalf("%s %q: want AbortedByUser, got %v", a, answers, err)
            }
            if diff := deep.Equal(diskImage(t, nps), before); diff != nil {
                t.Fatalf("%s %q: disk changed: %v", a, answers, diff)
            }
            // The lock was released on the abort path.
            l, err := nodeenv.AcquireLock(nps)
            if err != nil { t.Fatalf("%s %q: lock still held: %v", a, answers, err) }
            l.Release()
        }
    }
}

func TestUnsafeBootstrapOnNodeA(t *testing.T) {
    st := clusterState(5, 10, "A", "B", "C")
    s, nps := seedNode(t, "A", &st, 2)
    term := answering("Y")

    res, err := Run(context.Background(), request(UnsafeBootstrap, s, term))
    if err != nil { t.Fatalf("run: %v", err) }

    got := res.After
    if got.Term <= 5 { t.Fatalf("term %d not above 5", got.Term) }
    if !got.VotingConfiguration().Equal(state.NewVotingConfiguration("A")) {
        t.Fatalf("voting configuration = %v, want [A]", got.VotingConfiguration())
    }
    if !got.Metadata.Coordination.LastAcceptedConfig.Equal(state.NewVotingConfiguration("A")) {
        t.Fatalf("accepted configuration = %v", got.Metadata.Coordination.LastAcceptedConfig)
    }
    if len(got.Metadata.Coordination.VotingExclusions) != 0 { t.Fatalf("exclusions not cleared") }
    if got.Version != 11 || got.Metadata.Coordination.Term != got.Term { t.Fatalf("unexpected header %+v", got) }
    if got.Metadata.PersistentSettings[state.UnsafeBootstrapSetting] != "true" { t.Fatalf("marker setting missing") }
    if got.ClusterUUID() != "new-cluster" || !got.Metadata.ClusterUUIDCommitted { t.Fatalf("cluster uuid not replaced") }
    if diff := deep.Equal(got.Metadata.Indices, st.Metadata.Indices); diff != nil { t.Fatalf("indices changed: %v", diff) }

    for _, np := range nps {
        on, err := state.NewStore(logutil.Discard()).LoadBestOnDiskState([]string{np})
        if err != nil { t.Fatalf("reload %s: %v", np, err) }
        if diff := deep.Equal(on.State, got); diff != nil { t.Fatalf("%s holds a different state: %v", np, diff) }
    }
    if err := state.CheckNoRepairPending(nps); err != nil { t.Fatalf("marker left behind: %v", err) }

    out := term.out.String()
    if !strings.HasPrefix(out, stopWarning) { t.Fatalf("output does not start with the warning:\n%s", out) }
    for _, want := range []string{"term 5, version 10", "Do you want to unsafely bootstrap", confirmPrompt, "term 6, version 11"} {
        if !strings.Contains(out, want) { t.Fatalf("output lacks %q:\n%s", want, out) }
    }
}

func TestDetachCluster(t *testing.T) {
    st := clusterState(7, 3, "A", "B")
    s, _ := seedNode(t, "B", &st, 1)
    term := answering("y")
    res, err := Run(context.Background(), request(DetachCluster, s, term))
    if err != nil { t.Fatalf("run: %v", err) }

    got := res.After
    if !got.VotingConfiguration().IsEmpty() || !got.Metadata.Coordination.LastAcceptedConfig.IsEmpty() {
        t.Fatalf("configurations not emptied: %+v", got.Metadata.Coordination)
    }
    if got.Affiliated() || got.Metadata.ClusterUUIDCommitted { t.Fatalf("still affiliated: %q", got.ClusterUUID()) }
    if got.Term != 7 || got.Version != 4 || got.Metadata.Coordination.Term != 0 { t.Fatalf("unexpected header %+v", got) }
    if diff := deep.Equal(got.Metadata.Indices, st.Metadata.Indices); diff != nil { t.Fatalf("indices changed: %v", diff) }
    if diff := deep.Equal(got.Metadata.PersistentSettings, st.Metadata.PersistentSettings); diff != nil {
        t.Fatalf("settings changed: %v", diff)
    }
    if !strings.Contains(term.out.String(), "Node detached successfully") { t.Fatalf("no success message:\n%s", term.out.String()) }
}

func TestMutationProperties(t *testing.T) {
    inputs := []state.ClusterState{
        clusterState(0, 0, "A"),
        clusterState(1, 1, "B", "C"),
        clusterState(5, 10, "A", "B", "C"),
        clusterState(1000, 3, "X"),
        clusterState(9, 9),
    }
    for _, in := range inputs {
        d, err := Mutate(DetachCluster, in, "A", "u")
        if err != nil { t.Fatalf("detach %+v: %v", in, err) }
        if !d.VotingConfiguration().IsEmpty() { t.Fatalf("detach kept voters") }
        if d.Term < in.Term { t.Fatalf("detach lowered the term") }

        b, err := Mutate(UnsafeBootstrap, in, "A", "u")
        if in.VotingConfiguration().IsEmpty() {
            if !errors.Is(err, ErrEmptyLastCommittedVotingConfig) { t.Fatalf("want empty-config error, got %v", err) }
            continue
        }
        if err != nil { t.Fatalf("bootstrap %+v: %v", in, err) }
        if b.Term <= in.Term { t.Fatalf("term %d not above %d", b.Term, in.Term) }
        if ids := b.VotingConfiguration().NodeIDs(); len(ids) != 1 || ids[0] != "A" {
            t.Fatalf("voters = %v", ids)
        }
        if err := b.Validate(); err != nil { t.Fatalf("invalid bootstrap output: %v", err) }
        if err := d.Validate(); err != nil { t.Fatalf("invalid detach output: %v", err) }
    }
}

func TestMutateDoesNotAliasInput(t *testing.T) {
    in := clusterState(2, 2, "A", "B")
    if _, err := Mutate(UnsafeBootstrap, in, "A", "u"); err != nil { t.Fatal(err) }
    if _, ok := in.Metadata.PersistentSettings[state.UnsafeBootstrapSetting]; ok {
        t.Fatalf("input state was modified")
    }
}

func TestIdentityMismatchIsInvalidState(t *testing.T) {
    st := clusterState(1, 1, "A")
    s, nps := seedNode(t, "A", &st, 1)
    id, _ := json.Marshal(nodeenv.NodeIdentity{NodeID: "Z", Version: 1})
    if err := nodeenv.WriteFileAtomic(filepath.Join(nps[0], "node.json"), id, 0o644); err != nil { t.Fatal(err) }
    _, err := Run(context.Background(), request(DetachCluster, s, answering("y")))
    if KindOf(err) != KindInvalidState { t.Fatalf("want InvalidState, got %v", err) }
}

func TestInterruptedRepairIsReported(t *testing.T) {
    st := clusterState(5, 5, "A", "B")
    s, nps := seedNode(t, "A", &st, 1)
    if err := state.MarkRepairPending(nps, "unsafe-bootstrap"); err != nil { t.Fatal(err) }
    term := answering("y")
    if _, err := Run(context.Background(), request(UnsafeBootstrap, s, term)); err != nil { t.Fatalf("rerun: %v", err) }
    if !strings.Contains(term.out.String(), "did not finish") { t.Fatalf("marker not reported:\n%s", term.out.String()) }
    if err := state.CheckNoRepairPending(nps); err != nil { t.Fatalf("marker not cleared: %v", err) }
}

func startRaft(t *testing.T, np, nodeID string) string {
    t.Helper()
    n, err := raftcons.New(raftcons.Options{
        NodeID:           nodeID,
        Logger:           logutil.Discard(),
        BindAddr:         "127.0.0.1:0",
        DataDir:          raftcons.Dir(np),
        Bootstrap:        true,
        HeartbeatTimeout: 150 * time.Millisecond,
        ElectionTimeout:  300 * time.Millisecond,
    })
    if err != nil { t.Fatal(err) }
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    if err := n.Start(ctx); err != nil { t.Fatal(err) }
    deadline := time.Now().Add(5 * time.Second)
    for !n.IsLeader() && time.Now().Before(deadline) { time.Sleep(50 * time.Millisecond) }
    if !n.IsLeader() { t.Fatalf("raft did not elect itself") }
    addr := n.Addr()
    if err := n.Stop(); err != nil { t.Fatal(err) }
    return addr
}

func TestUnsafeBootstrapRepairsRaftStore(t *testing.T) {
    st := clusterState(5, 10, "A", "B", "C")
    s, nps := seedNode(t, "A", &st, 1)
    addr := startRaft(t, nps[0], "A")

    res, err := Run(context.Background(), request(UnsafeBootstrap, s, answering("y")))
    if err != nil { t.Fatalf("run: %v", err) }

    log := logutil.Discard()
    vs, err := raftcons.ReadConfiguration(raftcons.Dir(nps[0]), "A", log)
    if err != nil { t.Fatal(err) }
    if len(vs) != 1 || vs[0].ID != "A" || vs[0].Addr != addr { t.Fatalf("raft voters = %v", vs) }
    term, err := raftcons.StoredTerm(raftcons.Dir(nps[0]), log)
    if err != nil { t.Fatal(err) }
    if term < res.After.Term { t.Fatalf("raft term %d below state term %d", term, res.After.Term) }
}

func TestDetachRemovesRaftStore(t *testing.T) {
    st := clusterState(5, 10, "A", "B")
    s, nps := seedNode(t, "A", &st, 1)
    startRaft(t, nps[0], "A")

    if _, err := Run(context.Background(), request(DetachCluster, s, answering("y"))); err != nil { t.Fatalf("run: %v", err) }
    if ok, err := raftcons.HasState(raftcons.Dir(nps[0]), logutil.Discard()); err != nil || ok {
        t.Fatalf("raft state survived detach: %v %v", ok, err)
    }
}
