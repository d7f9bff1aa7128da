package transport

import "context"

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on node types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// JoinRequest describes a join intent from a node and carries the RAFT address
// that should be added to the cluster. Nodes that are not master-eligible
// join without a vote.
type JoinRequest struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raftAddr"`
    Voter    bool   `json:"voter"`
}

// JoinResponse indicates acceptance and optionally leader id or error.
type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// JoinFunc handles node join requests (leader-only).
type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest requests removal of a voter from the cluster.
type LeaveRequest struct {
    ID string `json:"id"`
}

// LeaveFunc handles voter removal (leader-only).
type LeaveFunc func(ctx context.Context, req LeaveRequest) (WriteResponse, error)

// IndexRequest creates, updates or deletes the metadata of one index.
type IndexRequest struct {
    Name        string            `json:"name"`
    HistoryUUID string            `json:"historyUUID,omitempty"`
    Settings    map[string]string `json:"settings,omitempty"`
    Delete      bool              `json:"delete,omitempty"`
}

// IndexFunc handles index metadata writes (leader-only).
type IndexFunc func(ctx context.Context, req IndexRequest) (WriteResponse, error)

// SettingRequest sets a persistent cluster setting; an empty Value removes it.
type SettingRequest struct {
    Key   string `json:"key"`
    Value string `json:"value"`
}

// SettingFunc handles persistent setting writes (leader-only).
type SettingFunc func(ctx context.Context, req SettingRequest) (WriteResponse, error)

// WriteResponse reports the outcome of a metadata write.
type WriteResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// Handlers bundles the callbacks an RPCServer dispatches to. Nil write
// handlers answer 501.
type Handlers struct {
    Status  StatusFunc
    Join    JoinFunc
    Leave   LeaveFunc
    Index   IndexFunc
    Setting SettingFunc
}

// RPCServer exposes management endpoints (e.g., /status, /join, /indices).
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs management calls against a node.
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    PostLeave(ctx context.Context, addr string, req LeaveRequest) (WriteResponse, error)
    PostIndex(ctx context.Context, addr string, req IndexRequest) (WriteResponse, error)
    PostSetting(ctx context.Context, addr string, req SettingRequest) (WriteResponse, error)
}
