package consensus

import "time"

// Server is one voting member of the consensus configuration.
type Server struct {
    ID   string `json:"id"`
    Addr string `json:"addr"`
}

// Reconfigurer optionally allows dynamic membership reconfiguration
// (adding/removing servers) in the underlying consensus engine.
type Reconfigurer interface {
    AddVoter(id, addr string, timeout time.Duration) error
    AddNonvoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
    // Voters returns the current voting configuration.
    Voters() ([]Server, error)
}
