package cli

import (
    "context"
    "fmt"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/clusternode/pkg/config"
    "github.com/amirimatin/clusternode/pkg/internal/logutil"
    "github.com/amirimatin/clusternode/pkg/node"
    "github.com/amirimatin/clusternode/pkg/security/tlsconfig"
)

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
    var (
        f         nodeFlags
        bootstrap bool
        seeds     string
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a cluster node until interrupted",
        RunE: func(cmd *cobra.Command, args []string) error {
            s, err := f.settings()
            if err != nil { return err }
            if len(s.Path.Data) == 0 { return config.ErrNoDataPaths }
            if bootstrap { s.Raft.Bootstrap = true }
            if seeds != "" { s.Discovery.Seeds = config.ParseList(seeds) }
            logger, flush := f.setup(cmd)
            defer flush()

            srvTLS, err := tlsconfig.Server(s.HTTP.TLS)
            if err != nil { return fmt.Errorf("tls server config: %w", err) }
            cliTLS, err := tlsconfig.Client(s.HTTP.TLS)
            if err != nil { return fmt.Errorf("tls client config: %w", err) }

            n, err := node.New(node.Options{Settings: s, Logger: logger, ServerTLS: srvTLS, ClientTLS: cliTLS})
            if err != nil { return err }
            ctx, cancel := signalContext()
            defer cancel()
            if err := n.Start(ctx); err != nil { return err }
            fmt.Fprintf(cmd.OutOrStdout(), "node %s running (raft %s, management %s). Press Ctrl+C to exit.\n", n.ID(), n.RaftAddr(), n.HTTPAddr())
            <-ctx.Done()

            stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
            defer stopCancel()
            if err := n.Stop(stopCtx); err != nil {
                logutil.Warnf(logger, "stop: %v", err)
                return err
            }
            return nil
        },
    }
    f.bind(cmd)
    cmd.Flags().StringVar(&f.httpAddr, "http-addr", "", "management address host:port (overrides http.addr)")
    cmd.Flags().BoolVar(&bootstrap, "bootstrap", false, "bootstrap a single-node cluster when there is no raft state")
    cmd.Flags().StringVar(&seeds, "join", "", "comma-separated management addresses to join through (overrides discovery.seeds)")
    return cmd
}
