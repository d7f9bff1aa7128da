package node

import (
    "context"
    "time"

    "github.com/amirimatin/clusternode/pkg/internal/logutil"
    "github.com/amirimatin/clusternode/pkg/transport"
)

// joinLoop asks the discovered seeds to add this node until one accepts or
// a leader shows up on its own.
func (n *Node) joinLoop(ctx context.Context) {
    defer n.wg.Done()
    ticker := time.NewTicker(n.opts.JoinInterval)
    defer ticker.Stop()
    for {
        if _, _, ok := n.cons.Leader(); ok { return }
        if n.tryJoin(ctx) { return }
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
        }
    }
}

func (n *Node) tryJoin(ctx context.Context) bool {
    req := transport.JoinRequest{ID: n.id, RaftAddr: n.cons.Addr(), Voter: n.opts.Settings.MasterEligible()}
    self := n.rpcS.Addr()
    seeds := n.disc.Seeds()
    if len(seeds) == 0 {
        logutil.Debugf(n.log, "no seeds to join; waiting")
        return false
    }
    for _, seed := range seeds {
        if seed == self { continue }
        cctx, cancel := context.WithTimeout(ctx, joinTimeout)
        resp, err := n.rpcC.PostJoin(cctx, seed, req)
        cancel()
        switch {
        case err != nil:
            logutil.Debugf(n.log, "join via %s failed: %v", seed, err)
        case resp.Accepted:
            logutil.Infof(n.log, "joined cluster via %s", seed)
            return true
        default:
            logutil.Debugf(n.log, "join via %s rejected: %s (leader %q)", seed, resp.Error, resp.Leader)
        }
    }
    return false
}

// Join asks the node at addr to add this node to its cluster.
func (n *Node) Join(ctx context.Context, addr string) error {
    if n.cons == nil { return ErrNotStarted }
    resp, err := n.rpcC.PostJoin(ctx, addr, transport.JoinRequest{ID: n.id, RaftAddr: n.cons.Addr(), Voter: n.opts.Settings.MasterEligible()})
    if err != nil { return err }
    if !resp.Accepted {
        if resp.Error == notLeader { return ErrNotLeader }
        return joinError(resp.Error)
    }
    return nil
}

type joinError string

func (e joinError) Error() string { return "node: join rejected: " + string(e) }
