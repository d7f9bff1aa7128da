package main

import (
    "fmt"
    "os"

    "github.com/spf13/cobra"

    "github.com/amirimatin/clusternode/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        fmt.Fprintln(os.Stderr, "error:", err)
        os.Exit(cli.ExitCode(err))
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "clusternode",
        Short:         "Cluster node and offline cluster-metadata recovery tool",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    cli.AddAll(root)
    return root
}
