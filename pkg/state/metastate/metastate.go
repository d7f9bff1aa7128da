// Package metastate is the in-memory metadata state machine replicated by
// consensus: indices, persistent settings and the cluster UUID.
package metastate

import (
    "encoding/json"
    "errors"
    "fmt"
    "sort"
    "sync"

    c "github.com/amirimatin/clusternode/pkg/consensus"
    base "github.com/amirimatin/clusternode/pkg/state"
)

// Command ops understood by the state machine.
const (
    OpPutIndex    = "PutIndex"
    OpDeleteIndex = "DeleteIndex"
    OpPutSetting  = "PutSetting"
    OpClusterUUID = "ClusterUUID"
)

const snapshotVersion = 1

var (
    ErrEmptyName         = errors.New("metastate: empty name")
    ErrMissingHistory    = errors.New("metastate: new index without history uuid")
    ErrUnknownIndex      = errors.New("metastate: unknown index")
    ErrUnsupportedFormat = errors.New("metastate: unsupported snapshot version")
)

// PutIndexPayload, DeleteIndexPayload and PutSettingPayload are the JSON
// payloads of the corresponding commands.
type PutIndexPayload struct {
    Index base.IndexMetadata `json:"index"`
}

type DeleteIndexPayload struct {
    Name string `json:"name"`
}

type PutSettingPayload struct {
    Key   string `json:"key"`
    Value string `json:"value"`
}

type ClusterUUIDPayload struct {
    UUID string `json:"uuid"`
}

// NewCommand encodes payload for op.
func NewCommand(op string, payload any) (c.Command, error) {
    b, err := json.Marshal(payload)
    if err != nil { return c.Command{}, err }
    return c.Command{Op: op, Payload: b}, nil
}

// State holds the replicated metadata. Every applied change bumps Changes so
// the node can tell when the persisted copy is stale.
type State struct {
    mu          sync.RWMutex
    clusterUUID string
    settings    map[string]string
    indices     map[string]base.IndexMetadata
    changes     uint64
}

func New() *State {
    return &State{settings: map[string]string{}, indices: map[string]base.IndexMetadata{}}
}

// FromMetadata seeds a state machine with previously persisted metadata.
func FromMetadata(md base.Metadata) *State {
    s := New()
    if md.ClusterUUIDCommitted { s.clusterUUID = md.ClusterUUID }
    for k, v := range md.PersistentSettings { s.settings[k] = v }
    for k, v := range md.Indices { s.indices[k] = copyIndex(v) }
    return s
}

// Apply dispatches a decoded consensus command.
func (s *State) Apply(cmd c.Command) error {
    switch cmd.Op {
    case OpPutIndex:
        var p PutIndexPayload
        if err := json.Unmarshal(cmd.Payload, &p); err != nil { return err }
        return s.ApplyPutIndex(p.Index)
    case OpDeleteIndex:
        var p DeleteIndexPayload
        if err := json.Unmarshal(cmd.Payload, &p); err != nil { return err }
        return s.ApplyDeleteIndex(p.Name)
    case OpPutSetting:
        var p PutSettingPayload
        if err := json.Unmarshal(cmd.Payload, &p); err != nil { return err }
        return s.ApplyPutSetting(p.Key, p.Value)
    case OpClusterUUID:
        var p ClusterUUIDPayload
        if err := json.Unmarshal(cmd.Payload, &p); err != nil { return err }
        return s.ApplyClusterUUID(p.UUID)
    default:
        return fmt.Errorf("metastate: unknown op %q", cmd.Op)
    }
}

// ApplyPutIndex creates or updates an index. An existing index keeps its
// history uuid; its version is bumped.
func (s *State) ApplyPutIndex(im base.IndexMetadata) error {
    if im.Name == "" { return ErrEmptyName }
    s.mu.Lock(); defer s.mu.Unlock()
    if cur, ok := s.indices[im.Name]; ok {
        im.HistoryUUID = cur.HistoryUUID
        im.Version = cur.Version + 1
    } else {
        if im.HistoryUUID == "" { return fmt.Errorf("%w: %s", ErrMissingHistory, im.Name) }
        im.Version = 1
    }
    s.indices[im.Name] = copyIndex(im)
    s.changes++
    return nil
}

func (s *State) ApplyDeleteIndex(name string) error {
    if name == "" { return ErrEmptyName }
    s.mu.Lock(); defer s.mu.Unlock()
    if _, ok := s.indices[name]; !ok { return fmt.Errorf("%w: %s", ErrUnknownIndex, name) }
    delete(s.indices, name)
    s.changes++
    return nil
}

// ApplyPutSetting sets a persistent setting; an empty value removes it.
func (s *State) ApplyPutSetting(key, value string) error {
    if key == "" { return ErrEmptyName }
    s.mu.Lock(); defer s.mu.Unlock()
    if value == "" {
        delete(s.settings, key)
    } else {
        s.settings[key] = value
    }
    s.changes++
    return nil
}

// ApplyClusterUUID records the committed cluster UUID. The leader issues it
// for a new cluster and again after a forced bootstrap changed it.
func (s *State) ApplyClusterUUID(uuid string) error {
    if uuid == "" { return ErrEmptyName }
    s.mu.Lock(); defer s.mu.Unlock()
    if s.clusterUUID == uuid { return nil }
    s.clusterUUID = uuid
    s.changes++
    return nil
}

func (s *State) ClusterUUID() string {
    s.mu.RLock(); defer s.mu.RUnlock()
    return s.clusterUUID
}

func (s *State) Changes() uint64 {
    s.mu.RLock(); defer s.mu.RUnlock()
    return s.changes
}

// Settings returns a copy of the persistent settings.
func (s *State) Settings() map[string]string {
    s.mu.RLock(); defer s.mu.RUnlock()
    if len(s.settings) == 0 { return nil }
    out := make(map[string]string, len(s.settings))
    for k, v := range s.settings { out[k] = v }
    return out
}

// Indices returns a copy of the index table.
func (s *State) Indices() map[string]base.IndexMetadata {
    s.mu.RLock(); defer s.mu.RUnlock()
    if len(s.indices) == 0 { return nil }
    out := make(map[string]base.IndexMetadata, len(s.indices))
    for k, v := range s.indices { out[k] = copyIndex(v) }
    return out
}

type snapshotDoc struct {
    Version     int                  `json:"version"`
    ClusterUUID string               `json:"cluster_uuid,omitempty"`
    Settings    map[string]string    `json:"settings,omitempty"`
    Indices     []base.IndexMetadata `json:"indices"`
}

// Snapshot encodes the state as stable JSON.
func (s *State) Snapshot() ([]byte, error) {
    s.mu.RLock(); defer s.mu.RUnlock()
    arr := make([]base.IndexMetadata, 0, len(s.indices))
    for _, v := range s.indices { arr = append(arr, v) }
    sort.Slice(arr, func(i, j int) bool { return arr[i].Name < arr[j].Name })
    doc := snapshotDoc{Version: snapshotVersion, ClusterUUID: s.clusterUUID, Indices: arr}
    if len(s.settings) > 0 { doc.Settings = s.settings }
    return json.Marshal(doc)
}

func (s *State) Restore(buf []byte) error {
    var doc snapshotDoc
    if err := json.Unmarshal(buf, &doc); err != nil { return err }
    if doc.Version != snapshotVersion {
        return fmt.Errorf("%w: %d", ErrUnsupportedFormat, doc.Version)
    }
    s.mu.Lock(); defer s.mu.Unlock()
    s.clusterUUID = doc.ClusterUUID
    s.settings = make(map[string]string, len(doc.Settings))
    for k, v := range doc.Settings { s.settings[k] = v }
    s.indices = make(map[string]base.IndexMetadata, len(doc.Indices))
    for _, v := range doc.Indices {
        if v.Name == "" { continue }
        s.indices[v.Name] = v
    }
    s.changes++
    return nil
}

func copyIndex(im base.IndexMetadata) base.IndexMetadata {
    if im.Settings != nil {
        cp := make(map[string]string, len(im.Settings))
        for k, v := range im.Settings { cp[k] = v }
        im.Settings = cp
    }
    return im
}

var _ base.MetadataState = (*State)(nil)
