package node

import (
    "context"
    "encoding/json"

    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/clusternode/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/clusternode/pkg/observability/metrics"
    "github.com/amirimatin/clusternode/pkg/observability/tracing"
    "github.com/amirimatin/clusternode/pkg/state"
    "github.com/amirimatin/clusternode/pkg/state/metastate"
    "github.com/amirimatin/clusternode/pkg/transport"
)

const notLeader = "not leader"

func (n *Node) handlers() transport.Handlers {
    return transport.Handlers{
        Status:  n.statusJSON,
        Join:    n.handleJoin,
        Leave:   n.handleLeave,
        Index:   n.handleIndex,
        Setting: n.handleSetting,
    }
}

func (n *Node) statusJSON(ctx context.Context) ([]byte, error) {
    st, err := n.Status(ctx)
    if err != nil { return nil, err }
    return json.Marshal(st)
}

func (n *Node) leaderID() string {
    id, _, _ := n.cons.Leader()
    return id
}

func (n *Node) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    _, end := tracing.StartSpan(ctx, "node.handleJoin", attribute.String("id", req.ID), attribute.Bool("voter", req.Voter))
    defer end(nil)
    if req.ID == "" || req.RaftAddr == "" {
        obsmetrics.JoinRequests.WithLabelValues("invalid").Inc()
        return transport.JoinResponse{Error: "missing id or raft address"}, nil
    }
    if !n.cons.IsLeader() {
        obsmetrics.JoinRequests.WithLabelValues("rejected").Inc()
        logutil.Debugf(n.log, "join rejected (not leader): id=%s", req.ID)
        return transport.JoinResponse{Leader: n.leaderID(), Error: notLeader}, nil
    }
    add := n.cons.AddVoter
    if !req.Voter { add = n.cons.AddNonvoter }
    if err := add(req.ID, req.RaftAddr, joinTimeout); err != nil {
        obsmetrics.JoinRequests.WithLabelValues("error").Inc()
        logutil.Errorf(n.log, "add server failed: id=%s addr=%s err=%v", req.ID, req.RaftAddr, err)
        return transport.JoinResponse{Error: err.Error()}, nil
    }
    obsmetrics.JoinRequests.WithLabelValues("accepted").Inc()
    logutil.Infof(n.log, "join accepted: id=%s addr=%s voter=%t", req.ID, req.RaftAddr, req.Voter)
    n.flush()
    return transport.JoinResponse{Accepted: true}, nil
}

func (n *Node) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.WriteResponse, error) {
    _, end := tracing.StartSpan(ctx, "node.handleLeave", attribute.String("id", req.ID))
    defer end(nil)
    if !n.cons.IsLeader() {
        return transport.WriteResponse{Leader: n.leaderID(), Error: notLeader}, nil
    }
    if err := n.cons.RemoveServer(req.ID, joinTimeout); err != nil {
        logutil.Warnf(n.log, "remove server failed: id=%s err=%v", req.ID, err)
        return transport.WriteResponse{Error: err.Error()}, nil
    }
    logutil.Infof(n.log, "removed server: id=%s", req.ID)
    n.flush()
    return transport.WriteResponse{Accepted: true}, nil
}

func (n *Node) handleIndex(ctx context.Context, req transport.IndexRequest) (transport.WriteResponse, error) {
    if req.Delete {
        return n.write(ctx, metastate.OpDeleteIndex, metastate.DeleteIndexPayload{Name: req.Name}), nil
    }
    im := state.IndexMetadata{Name: req.Name, HistoryUUID: req.HistoryUUID, Settings: req.Settings}
    return n.write(ctx, metastate.OpPutIndex, metastate.PutIndexPayload{Index: im}), nil
}

func (n *Node) handleSetting(ctx context.Context, req transport.SettingRequest) (transport.WriteResponse, error) {
    return n.write(ctx, metastate.OpPutSetting, metastate.PutSettingPayload{Key: req.Key, Value: req.Value}), nil
}

// write commits one metadata command through raft and persists the result.
// Rejections are reported in the response, not as errors.
func (n *Node) write(ctx context.Context, op string, payload any) transport.WriteResponse {
    _, end := tracing.StartSpan(ctx, "node.write", attribute.String("op", op))
    if !n.cons.IsLeader() {
        end(nil)
        return transport.WriteResponse{Leader: n.leaderID(), Error: notLeader}
    }
    cmd, err := metastate.NewCommand(op, payload)
    if err == nil { err = n.cons.Apply(cmd, applyTimeout) }
    end(err)
    if err != nil { return transport.WriteResponse{Error: err.Error()} }
    n.flush()
    return transport.WriteResponse{Accepted: true}
}

// flush persists right away instead of waiting for the next tick.
func (n *Node) flush() {
    if err := n.persistOnce(); err != nil {
        logutil.Warnf(n.log, "persist cluster state: %v", err)
    }
}
