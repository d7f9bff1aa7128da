// Package cli provides the cobra commands of clusternode: the live node
// (run), its management calls (status, join, leave, index, setting) and the
// offline tools that work on a stopped node's data paths (inspect,
// unsafe-bootstrap, detach-cluster, reset-state).
package cli

import (
    "context"
    "errors"
    "log"
    "os"
    "os/signal"
    "syscall"

    "github.com/spf13/cobra"

    "github.com/amirimatin/clusternode/pkg/config"
    "github.com/amirimatin/clusternode/pkg/internal/logutil"
    "github.com/amirimatin/clusternode/pkg/observability/tracing"
    "github.com/amirimatin/clusternode/pkg/recovery"
)

// Exit codes of the clusternode binary.
const (
    ExitOK      = 0
    ExitFailure = 1
    ExitAborted = 2
)

// AddAll attaches every clusternode subcommand to root.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewJoinCmd())
    root.AddCommand(NewLeaveCmd())
    root.AddCommand(NewIndexCmd())
    root.AddCommand(NewSettingCmd())
    root.AddCommand(NewInspectCmd())
    root.AddCommand(NewUnsafeBootstrapCmd())
    root.AddCommand(NewDetachClusterCmd())
    root.AddCommand(NewResetStateCmd())
}

// ExitCode maps a command error to the process exit code: 0 on success, 2
// when the operator declined the confirmation, 1 otherwise.
func ExitCode(err error) int {
    switch {
    case err == nil:
        return ExitOK
    case errors.Is(err, recovery.ErrAbortedByUser):
        return ExitAborted
    default:
        return ExitFailure
    }
}

// nodeFlags are shared by every command that reads the node settings.
type nodeFlags struct {
    config   string
    data     string
    roles    string
    raftAddr string
    httpAddr string
    verbose  bool
    logJSON  bool
    trace    bool
}

func (f *nodeFlags) bind(cmd *cobra.Command) {
    cmd.Flags().StringVar(&f.config, "config", "", "path to the YAML settings file")
    cmd.Flags().StringVar(&f.data, "data", "", "comma-separated data paths (overrides path.data)")
    cmd.Flags().StringVar(&f.roles, "roles", "", "comma-separated node roles: master|cluster_manager,data (overrides node.roles)")
    cmd.Flags().StringVar(&f.raftAddr, "raft-addr", "", "raft address host:port (overrides raft.addr)")
    cmd.Flags().BoolVar(&f.verbose, "verbose", false, "log debug output")
    cmd.Flags().BoolVar(&f.logJSON, "log-json", false, "log JSON lines")
    cmd.Flags().BoolVar(&f.trace, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
}

// settings loads the file and applies the flag overrides. Missing data paths
// are left to the caller to report.
func (f *nodeFlags) settings() (config.Settings, error) {
    s, err := config.Load(f.config)
    if err != nil { return s, err }
    if f.data != "" { s.Path.Data = config.ParseList(f.data) }
    if f.roles != "" { s.Node.Roles = config.ParseList(f.roles) }
    if f.raftAddr != "" { s.Raft.Addr = f.raftAddr }
    if f.httpAddr != "" { s.HTTP.Addr = f.httpAddr }
    if err := s.Validate(); err != nil && !errors.Is(err, config.ErrNoDataPaths) { return s, err }
    return s, nil
}

// setup applies the logging flags and starts tracing; the returned func
// flushes spans.
func (f *nodeFlags) setup(cmd *cobra.Command) (*log.Logger, func()) {
    if f.verbose { logutil.SetLevel(logutil.LevelDebug) }
    if f.logJSON { logutil.SetJSON(true) }
    logger := log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
    if !f.trace { return logger, func() {} }
    shutdown, err := tracing.Setup(true, cmd.ErrOrStderr())
    if err != nil {
        logutil.Warnf(logger, "tracing setup error: %v", err)
        return logger, func() {}
    }
    return logger, func() { _ = shutdown(context.Background()) }
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
