package cli

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "strings"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/clusternode/pkg/config"
    "github.com/amirimatin/clusternode/pkg/security/tlsconfig"
    "github.com/amirimatin/clusternode/pkg/transport"
    "github.com/amirimatin/clusternode/pkg/transport/httpjson"
)

// remoteFlags address the management endpoint of a running node.
type remoteFlags struct {
    addr    string
    config  string
    timeout time.Duration
}

func (f *remoteFlags) bind(cmd *cobra.Command) {
    cmd.Flags().StringVar(&f.addr, "addr", config.DefaultHTTPAddr, "management address of the target node")
    cmd.Flags().StringVar(&f.config, "config", "", "settings file providing http.tls for the client")
    cmd.Flags().DurationVar(&f.timeout, "timeout", 3*time.Second, "request timeout")
}

func (f *remoteFlags) client() (*httpjson.Client, error) {
    s, err := config.Load(f.config)
    if err != nil { return nil, err }
    tlsCfg, err := tlsconfig.Client(s.HTTP.TLS)
    if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    return httpjson.NewClient(f.timeout).UseTLS(tlsCfg), nil
}

func (f *remoteFlags) context() (context.Context, context.CancelFunc) {
    return context.WithTimeout(context.Background(), 4*f.timeout)
}

// NewStatusCmd returns the "status" command which prints a node's /status.
func NewStatusCmd() *cobra.Command {
    var f remoteFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Show the status of a running node",
        RunE: func(cmd *cobra.Command, args []string) error {
            c, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            b, err := c.GetStatus(ctx, f.addr)
            if err != nil { return err }
            return printIndented(cmd.OutOrStdout(), b)
        },
    }
    f.bind(cmd)
    return cmd
}

// NewJoinCmd returns the "join" command which asks the leader to add a node.
func NewJoinCmd() *cobra.Command {
    var (
        f        remoteFlags
        id       string
        raftAddr string
        voter    bool
    )
    cmd := &cobra.Command{
        Use:   "join",
        Short: "Ask the leader to add a node to the raft configuration",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" || raftAddr == "" { return errors.New("--id and --raft-addr are required") }
            c, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            resp, err := c.PostJoin(ctx, f.addr, transport.JoinRequest{ID: id, RaftAddr: raftAddr, Voter: voter})
            if err != nil { return err }
            return report(cmd.OutOrStdout(), resp.Accepted, resp.Leader, resp.Error, "joined %s", id)
        },
    }
    f.bind(cmd)
    cmd.Flags().StringVar(&id, "id", "", "node id to add")
    cmd.Flags().StringVar(&raftAddr, "raft-addr", "", "raft address of the node")
    cmd.Flags().BoolVar(&voter, "voter", true, "add the node as a voter")
    return cmd
}

// NewLeaveCmd returns the "leave" command which removes a node from the
// raft configuration.
func NewLeaveCmd() *cobra.Command {
    var (
        f  remoteFlags
        id string
    )
    cmd := &cobra.Command{
        Use:   "leave",
        Short: "Ask the leader to remove a node from the raft configuration",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" { return errors.New("--id is required") }
            c, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            resp, err := c.PostLeave(ctx, f.addr, transport.LeaveRequest{ID: id})
            if err != nil { return err }
            return report(cmd.OutOrStdout(), resp.Accepted, resp.Leader, resp.Error, "removed %s", id)
        },
    }
    f.bind(cmd)
    cmd.Flags().StringVar(&id, "id", "", "node id to remove")
    return cmd
}

// NewIndexCmd returns the "index" command which writes the metadata of one
// index through the leader.
func NewIndexCmd() *cobra.Command {
    var (
        f        remoteFlags
        history  string
        settings []string
        del      bool
    )
    cmd := &cobra.Command{
        Use:   "index NAME",
        Short: "Create, update or delete index metadata",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            kv, err := parsePairs(settings)
            if err != nil { return err }
            c, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            resp, err := c.PostIndex(ctx, f.addr, transport.IndexRequest{Name: args[0], HistoryUUID: history, Settings: kv, Delete: del})
            if err != nil { return err }
            return report(cmd.OutOrStdout(), resp.Accepted, resp.Leader, resp.Error, "index %s written", args[0])
        },
    }
    f.bind(cmd)
    cmd.Flags().StringVar(&history, "history-uuid", "", "history UUID of the index data")
    cmd.Flags().StringSliceVar(&settings, "set", nil, "index setting key=value (repeatable)")
    cmd.Flags().BoolVar(&del, "delete", false, "delete the index metadata")
    return cmd
}

// NewSettingCmd returns the "setting" command which writes a persistent
// cluster setting through the leader.
func NewSettingCmd() *cobra.Command {
    var f remoteFlags
    cmd := &cobra.Command{
        Use:   "setting KEY [VALUE]",
        Short: "Set a persistent cluster setting; omit VALUE to remove it",
        Args:  cobra.RangeArgs(1, 2),
        RunE: func(cmd *cobra.Command, args []string) error {
            req := transport.SettingRequest{Key: args[0]}
            if len(args) == 2 { req.Value = args[1] }
            c, err := f.client()
            if err != nil { return err }
            ctx, cancel := f.context()
            defer cancel()
            resp, err := c.PostSetting(ctx, f.addr, req)
            if err != nil { return err }
            return report(cmd.OutOrStdout(), resp.Accepted, resp.Leader, resp.Error, "setting %s written", req.Key)
        },
    }
    f.bind(cmd)
    return cmd
}

func report(w io.Writer, accepted bool, leader, msg, okFormat string, args ...any) error {
    if accepted {
        fmt.Fprintf(w, okFormat+"\n", args...)
        return nil
    }
    if leader != "" { return fmt.Errorf("rejected: %s (leader is %s)", msg, leader) }
    return fmt.Errorf("rejected: %s", msg)
}

func parsePairs(pairs []string) (map[string]string, error) {
    if len(pairs) == 0 { return nil, nil }
    out := make(map[string]string, len(pairs))
    for _, p := range pairs {
        k, v, ok := strings.Cut(p, "=")
        if !ok || k == "" { return nil, fmt.Errorf("invalid setting %q, want key=value", p) }
        out[k] = v
    }
    return out, nil
}

func printIndented(w io.Writer, b []byte) error {
    var buf bytes.Buffer
    if err := json.Indent(&buf, b, "", "  "); err != nil {
        _, err = w.Write(b)
        return err
    }
    buf.WriteByte('\n')
    _, err := buf.WriteTo(w)
    return err
}
