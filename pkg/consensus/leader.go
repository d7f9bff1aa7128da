package consensus

// LeaderInfo is one observed leadership change. ID is empty while the
// cluster has no leader.
type LeaderInfo struct {
    ID   string
    Addr string
    Term uint64
}

// LeaderNotifier is implemented by engines that report leadership changes.
// The node uses it to keep the is_leader gauge and its logs current.
type LeaderNotifier interface {
    // LeaderCh is buffered; updates are dropped rather than blocking the
    // engine.
    LeaderCh() <-chan LeaderInfo
}
