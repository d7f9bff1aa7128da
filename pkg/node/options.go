package node

import (
    "crypto/tls"
    "errors"
    "log"
    "time"

    "github.com/amirimatin/clusternode/pkg/config"
    "github.com/amirimatin/clusternode/pkg/discovery"
)

// Options configure a live node. Settings carries everything read from the
// configuration file and flags; the rest is wiring and tuning.
type Options struct {
    Settings config.Settings
    Logger   *log.Logger

    // Discovery overrides the seeds derived from Settings.Discovery.
    Discovery discovery.Discovery

    // PersistInterval is how often the replicated metadata is written to
    // the data paths. Defaults to 1s.
    PersistInterval time.Duration
    // JoinInterval paces join attempts of a node without raft state.
    // Defaults to 2s.
    JoinInterval time.Duration

    // Optional management TLS.
    ServerTLS *tls.Config
    ClientTLS *tls.Config

    // NewUUID generates the cluster UUID the first leader commits.
    NewUUID func() string

    // Raft timeouts (optional). Zero means defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
}

// Validate performs a minimal validation of Options. It does not touch the
// disk or the network.
func (o Options) Validate() error {
    if err := o.Settings.Validate(); err != nil { return err }
    if o.Settings.Raft.Addr == "" { return errors.New("node: empty raft address") }
    if o.Settings.HTTP.Addr == "" { return errors.New("node: empty management address") }
    return nil
}
