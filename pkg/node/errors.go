package node

import "errors"

var (
    ErrNotLeader  = errors.New("node: not leader")
    ErrStateOwner = errors.New("node: cluster state belongs to another node")
    ErrNotStarted = errors.New("node: not started")
)
