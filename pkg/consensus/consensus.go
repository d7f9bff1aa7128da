// Package consensus holds the engine-neutral types the node drives: metadata
// commands, the engine itself, leadership updates and reconfiguration.
package consensus

import (
    "context"
    "time"
)

// Command is one replicated metadata change. Op names a metastate operation
// and Payload carries its JSON arguments.
type Command struct {
    Op      string
    Payload []byte
}

// Consensus replicates metadata commands across the master-eligible nodes.
// Apply succeeds only on the leader, once the command is committed; Term is
// the engine's current term, which the persisted cluster state never falls
// behind.
type Consensus interface {
    Start(ctx context.Context) error
    Apply(cmd Command, timeout time.Duration) error
    IsLeader() bool
    Leader() (id string, addr string, ok bool)
    Term() uint64
    Stop() error
}
