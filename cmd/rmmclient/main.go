// cmd/rmmclient/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalnine/rmmclient/cmd/rmmclient/ui"
)

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "rmmclient",
		Short:         "Machine status and log sync client",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to YAML config file")
	root.PersistentFlags().StringVar(&g.machineID, "machine", "", "Machine id (overrides machine_id and RMM_MACHINE_ID)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(
		newStatusCmd(g),
		newCachedCmd(g),
		newSetStatusCmd(g),
		newLogsCmd(g),
		newLogCmd(g),
		newPushCmd(g),
		newDevServerCmd(g),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}
