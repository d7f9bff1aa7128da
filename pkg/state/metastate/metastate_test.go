package metastate

import (
    "errors"
    "testing"

    "github.com/go-test/deep"

    base "github.com/amirimatin/clusternode/pkg/state"
)

func TestState_PutDeleteSnapshotRestore(t *testing.T) {
    s := New()

    logs := base.IndexMetadata{Name: "logs", HistoryUUID: "h1", Settings: map[string]string{"number_of_shards": "1"}}
    metrics := base.IndexMetadata{Name: "metrics", HistoryUUID: "h2"}
    if err := s.ApplyPutIndex(logs); err != nil { t.Fatalf("put logs: %v", err) }
    if err := s.ApplyPutIndex(metrics); err != nil { t.Fatalf("put metrics: %v", err) }
    if err := s.ApplyPutSetting("cluster.routing.allocation.enable", "all"); err != nil {
        t.Fatalf("put setting: %v", err)
    }
    if err := s.ApplyClusterUUID("c-1"); err != nil { t.Fatalf("uuid: %v", err) }

    snap, err := s.Snapshot()
    if err != nil { t.Fatalf("snapshot: %v", err) }

    if err := s.ApplyDeleteIndex("logs"); err != nil { t.Fatalf("delete logs: %v", err) }
    if _, ok := s.Indices()["logs"]; ok { t.Fatalf("logs still present") }

    s2 := New()
    if err := s2.Restore(snap); err != nil { t.Fatalf("restore: %v", err) }
    snap2, err := s2.Snapshot()
    if err != nil { t.Fatalf("snapshot2: %v", err) }
    if string(snap2) != string(snap) {
        t.Fatalf("round-trip mismatch:\n got: %s\nwant: %s", snap2, snap)
    }
    if s2.ClusterUUID() != "c-1" { t.Fatalf("uuid = %q", s2.ClusterUUID()) }
}

func TestState_UpdateKeepsHistoryUUID(t *testing.T) {
    s := New()
    if err := s.ApplyPutIndex(base.IndexMetadata{Name: "logs", HistoryUUID: "h1"}); err != nil { t.Fatal(err) }
    if err := s.ApplyPutIndex(base.IndexMetadata{Name: "logs", HistoryUUID: "other", Settings: map[string]string{"a": "b"}}); err != nil {
        t.Fatal(err)
    }
    got := s.Indices()["logs"]
    want := base.IndexMetadata{Name: "logs", HistoryUUID: "h1", Version: 2, Settings: map[string]string{"a": "b"}}
    if diff := deep.Equal(got, want); diff != nil { t.Fatalf("index diff: %v", diff) }
}

func TestState_Errors(t *testing.T) {
    s := New()
    if err := s.ApplyPutIndex(base.IndexMetadata{}); !errors.Is(err, ErrEmptyName) {
        t.Fatalf("want ErrEmptyName, got %v", err)
    }
    if err := s.ApplyPutIndex(base.IndexMetadata{Name: "x"}); !errors.Is(err, ErrMissingHistory) {
        t.Fatalf("want ErrMissingHistory, got %v", err)
    }
    if err := s.ApplyDeleteIndex("nope"); !errors.Is(err, ErrUnknownIndex) {
        t.Fatalf("want ErrUnknownIndex, got %v", err)
    }
    if err := s.Restore([]byte(`{"version":7,"indices":[]}`)); !errors.Is(err, ErrUnsupportedFormat) {
        t.Fatalf("want ErrUnsupportedFormat, got %v", err)
    }
}

func TestState_ApplyCommand(t *testing.T) {
    s := New()
    cmd, err := NewCommand(OpPutSetting, PutSettingPayload{Key: "k", Value: "v"})
    if err != nil { t.Fatal(err) }
    if err := s.Apply(cmd); err != nil { t.Fatalf("apply: %v", err) }
    if s.Settings()["k"] != "v" { t.Fatalf("setting not applied") }

    cmd, _ = NewCommand(OpPutSetting, PutSettingPayload{Key: "k"})
    if err := s.Apply(cmd); err != nil { t.Fatal(err) }
    if _, ok := s.Settings()["k"]; ok { t.Fatalf("empty value should remove the setting") }

    cmd, _ = NewCommand("Bogus", struct{}{})
    if err := s.Apply(cmd); err == nil { t.Fatalf("expected error for unknown op") }
    if s.Changes() != 2 { t.Fatalf("changes = %d, want 2", s.Changes()) }
}

func TestFromMetadataSkipsUncommittedUUID(t *testing.T) {
    md := base.Metadata{
        ClusterUUID:        base.UnknownClusterUUID,
        PersistentSettings: map[string]string{"a": "1"},
        Indices:            map[string]base.IndexMetadata{"i": {Name: "i", HistoryUUID: "h", Version: 4}},
    }
    s := FromMetadata(md)
    if s.ClusterUUID() != "" { t.Fatalf("uncommitted uuid seeded: %q", s.ClusterUUID()) }
    if diff := deep.Equal(s.Indices(), md.Indices); diff != nil { t.Fatalf("indices diff: %v", diff) }
    if s.Settings()["a"] != "1" { t.Fatalf("settings not seeded") }
}
