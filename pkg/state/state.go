// Package state holds the durable consensus metadata of a node and the store
// that persists it to every data path.
package state

import (
    "encoding/json"
    "errors"
    "fmt"
    "sort"
)

// UnknownClusterUUID marks a node that is not affiliated with any cluster.
const UnknownClusterUUID = "_na_"

// UnsafeBootstrapSetting is recorded in the persistent settings of a cluster
// whose master was forced by unsafe-bootstrap.
const UnsafeBootstrapSetting = "cluster.metadata.unsafe-bootstrap"

var ErrInvalidState = errors.New("state: invalid cluster state")

// VotingConfiguration is an immutable set of master-eligible node ids.
type VotingConfiguration struct {
    ids []string
}

// NewVotingConfiguration builds a configuration, dropping duplicates.
func NewVotingConfiguration(ids ...string) VotingConfiguration {
    if len(ids) == 0 { return VotingConfiguration{} }
    set := make(map[string]struct{}, len(ids))
    out := make([]string, 0, len(ids))
    for _, id := range ids {
        if _, dup := set[id]; dup { continue }
        set[id] = struct{}{}
        out = append(out, id)
    }
    sort.Strings(out)
    return VotingConfiguration{ids: out}
}

func (v VotingConfiguration) IsEmpty() bool { return len(v.ids) == 0 }

func (v VotingConfiguration) NodeIDs() []string { return append([]string(nil), v.ids...) }

func (v VotingConfiguration) Contains(id string) bool {
    i := sort.SearchStrings(v.ids, id)
    return i < len(v.ids) && v.ids[i] == id
}

func (v VotingConfiguration) Equal(o VotingConfiguration) bool {
    if len(v.ids) != len(o.ids) { return false }
    for i := range v.ids {
        if v.ids[i] != o.ids[i] { return false }
    }
    return true
}

// HasQuorum reports whether votes contain a strict majority of the voters.
func (v VotingConfiguration) HasQuorum(votes []string) bool {
    n := 0
    seen := map[string]bool{}
    for _, id := range votes {
        if v.Contains(id) && !seen[id] { seen[id] = true; n++ }
    }
    return n*2 > len(v.ids)
}

func (v VotingConfiguration) String() string { return fmt.Sprintf("%v", v.ids) }

func (v VotingConfiguration) MarshalJSON() ([]byte, error) {
    if v.ids == nil { return []byte("[]"), nil }
    return json.Marshal(v.ids)
}

func (v *VotingConfiguration) UnmarshalJSON(b []byte) error {
    var ids []string
    if err := json.Unmarshal(b, &ids); err != nil { return err }
    *v = NewVotingConfiguration(ids...)
    return nil
}

// CoordinationMetadata is the consensus-relevant part of the metadata.
type CoordinationMetadata struct {
    Term                uint64              `json:"term"`
    LastCommittedConfig VotingConfiguration `json:"last_committed_config"`
    LastAcceptedConfig  VotingConfiguration `json:"last_accepted_config"`
    VotingExclusions    []string            `json:"voting_exclusions,omitempty"`
}

// IndexMetadata describes one index. HistoryUUID is stable for the life of
// the index and survives recovery.
type IndexMetadata struct {
    Name        string            `json:"name"`
    HistoryUUID string            `json:"history_uuid"`
    Version     uint64            `json:"version"`
    Settings    map[string]string `json:"settings,omitempty"`
}

// Metadata is the durable cluster metadata.
type Metadata struct {
    ClusterUUID          string                   `json:"cluster_uuid"`
    ClusterUUIDCommitted bool                     `json:"cluster_uuid_committed"`
    Version              uint64                   `json:"version"`
    Coordination         CoordinationMetadata     `json:"coordination"`
    PersistentSettings   map[string]string        `json:"persistent_settings,omitempty"`
    Indices              map[string]IndexMetadata `json:"indices,omitempty"`
}

// ClusterState is what the store persists: the node's current term and the
// accepted metadata at a version.
type ClusterState struct {
    Term     uint64   `json:"term"`
    Version  uint64   `json:"version"`
    Metadata Metadata `json:"metadata"`
}

// Empty returns the state of a node that never joined a cluster.
func Empty() ClusterState {
    return ClusterState{Metadata: Metadata{ClusterUUID: UnknownClusterUUID}}
}

// VotingConfiguration returns the last committed voting configuration.
func (s ClusterState) VotingConfiguration() VotingConfiguration {
    return s.Metadata.Coordination.LastCommittedConfig
}

// ClusterUUID returns the cluster affiliation marker.
func (s ClusterState) ClusterUUID() string { return s.Metadata.ClusterUUID }

// Affiliated reports whether the state belongs to a known cluster.
func (s ClusterState) Affiliated() bool {
    return s.Metadata.ClusterUUID != "" && s.Metadata.ClusterUUID != UnknownClusterUUID
}

// Clone returns a deep copy so mutations never alias a loaded state.
func (s ClusterState) Clone() ClusterState {
    out := s
    out.Metadata.Coordination.VotingExclusions = append([]string(nil), s.Metadata.Coordination.VotingExclusions...)
    if s.Metadata.PersistentSettings != nil {
        out.Metadata.PersistentSettings = make(map[string]string, len(s.Metadata.PersistentSettings))
        for k, v := range s.Metadata.PersistentSettings { out.Metadata.PersistentSettings[k] = v }
    }
    if s.Metadata.Indices != nil {
        out.Metadata.Indices = make(map[string]IndexMetadata, len(s.Metadata.Indices))
        for k, im := range s.Metadata.Indices {
            if im.Settings != nil {
                cp := make(map[string]string, len(im.Settings))
                for sk, sv := range im.Settings { cp[sk] = sv }
                im.Settings = cp
            }
            out.Metadata.Indices[k] = im
        }
    }
    return out
}

// Validate checks the structural invariants every persisted state holds.
func (s ClusterState) Validate() error {
    for _, id := range s.VotingConfiguration().ids {
        if id == "" { return fmt.Errorf("%w: empty node id in voting configuration", ErrInvalidState) }
    }
    for _, id := range s.Metadata.Coordination.LastAcceptedConfig.ids {
        if id == "" { return fmt.Errorf("%w: empty node id in accepted configuration", ErrInvalidState) }
    }
    if s.Metadata.Coordination.Term > s.Term {
        return fmt.Errorf("%w: coordination term %d ahead of current term %d", ErrInvalidState, s.Metadata.Coordination.Term, s.Term)
    }
    for name, im := range s.Metadata.Indices {
        if name != im.Name { return fmt.Errorf("%w: index %q stored under %q", ErrInvalidState, im.Name, name) }
    }
    return nil
}

// Compare orders states by (term, version).
func Compare(a, b ClusterState) int {
    switch {
    case a.Term < b.Term:
        return -1
    case a.Term > b.Term:
        return 1
    case a.Version < b.Version:
        return -1
    case a.Version > b.Version:
        return 1
    default:
        return 0
    }
}

// OnDiskState is a loaded state with its provenance.
type OnDiskState struct {
    NodeID   string
    DataPath string
    State    ClusterState
}

// MetadataState is the replicated part of the metadata. The live node drives
// it through consensus and copies it into the persisted ClusterState.
type MetadataState interface {
    ApplyPutIndex(im IndexMetadata) error
    ApplyDeleteIndex(name string) error
    ApplyPutSetting(key, value string) error
    ApplyClusterUUID(uuid string) error
    Snapshot() ([]byte, error)
    Restore(buf []byte) error
}
