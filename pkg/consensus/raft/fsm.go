package raftcons

import (
    "encoding/json"
    "io"
    "time"

    "github.com/hashicorp/raft"

    c "github.com/amirimatin/clusternode/pkg/consensus"
    "github.com/amirimatin/clusternode/pkg/state/metastate"
)

// metadataFSM bridges Raft Apply/Snapshot to the metadata state machine.
type metadataFSM struct {
    ms *metastate.State
}

func newMetadataFSM(ms *metastate.State) *metadataFSM { return &metadataFSM{ms: ms} }

func (f *metadataFSM) Apply(l *raft.Log) interface{} {
    var cmd c.Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return err
    }
    return f.ms.Apply(cmd)
}

func (f *metadataFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.ms.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob, at: time.Now()}, nil
}

func (f *metadataFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.ms.Restore(data)
}

type snapshot struct {
    blob []byte
    at   time.Time
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*metadataFSM)(nil)
