package node

import "github.com/amirimatin/clusternode/pkg/consensus"

// Status is the JSON snapshot served on /status.
type Status struct {
    NodeID string `json:"nodeID"`
    // Healthy indicates a leader is known.
    Healthy  bool   `json:"healthy"`
    Leader   bool   `json:"leader"`
    LeaderID string `json:"leaderID,omitempty"`
    // LeaderRaftAddr is the raft address of the leader, if known.
    LeaderRaftAddr string `json:"leaderRaftAddr,omitempty"`
    RaftAddr       string `json:"raftAddr"`
    HTTPAddr       string `json:"httpAddr"`

    // Term and Version are those of the last persisted cluster state.
    Term        uint64             `json:"term"`
    Version     uint64             `json:"version"`
    ClusterUUID string             `json:"clusterUUID"`
    Voters      []consensus.Server `json:"voters,omitempty"`
    Indices     []string           `json:"indices,omitempty"`
    Warnings    []string           `json:"warnings,omitempty"`
}
