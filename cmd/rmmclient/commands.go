// cmd/rmmclient/commands.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signalnine/rmmclient/cmd/rmmclient/ui"
	"github.com/signalnine/rmmclient/internal/remote"
	"github.com/signalnine/rmmclient/internal/store"
	"github.com/signalnine/rmmclient/internal/syncer"
)

// runWithApp builds the app for a client command and tears it down after
func runWithApp(g *globalFlags, fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(g)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, cmd, args)
	}
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Fetch the machine's status from the server and cache it",
		Args:  cobra.NoArgs,
		RunE: runWithApp(g, func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			rec, err := a.coord.RefreshStatus(ctx, a.machineID)
			if err != nil {
				// Show what we last knew, clearly marked, then still fail.
				if cached, cerr := a.coord.CachedStatus(a.machineID); cerr == nil {
					fmt.Fprintln(cmd.ErrOrStderr(), ui.WarnMsg("refresh failed, showing cached status"))
					printStatus(cmd.OutOrStdout(), cached, true)
				}
				return describeRemote(err)
			}
			printStatus(cmd.OutOrStdout(), rec, false)
			return nil
		}),
	}
}

func newCachedCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cached",
		Short: "Show the locally cached status without contacting the server",
		Args:  cobra.NoArgs,
		RunE: runWithApp(g, func(_ context.Context, a *app, cmd *cobra.Command, _ []string) error {
			rec, err := a.coord.CachedStatus(a.machineID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no cached status for %s, run `rmmclient status` first", a.machineID)
			}
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), rec, false)
			return nil
		}),
	}
}

func newSetStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <status>",
		Short: "Ask the server to change the machine's status",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(g, func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			rec, err := a.coord.ChangeStatus(ctx, a.machineID, args[0])
			if err != nil {
				return describeRemote(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("status of %s is now %s", ui.Bold(rec.MachineID), ui.Status(rec.Status)))
			return nil
		}),
	}
}

func newLogsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Show the server's logs for the machine",
		Args:  cobra.NoArgs,
		RunE: runWithApp(g, func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			logs, err := a.coord.PullLogs(ctx, a.machineID)
			if err != nil {
				return describeRemote(err)
			}
			out := cmd.OutOrStdout()
			if len(logs) == 0 {
				fmt.Fprintln(out, ui.Muted("no logs"))
				return nil
			}
			for _, l := range logs {
				fmt.Fprintf(out, "%s: %s %s\n", ui.Level(l.Level), l.Message, ui.Muted("("+l.CreatedAt.String()+")"))
			}
			return nil
		}),
	}
}

func newLogCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Manage locally recorded log entries",
	}

	var level string
	add := &cobra.Command{
		Use:   "add <message>",
		Short: "Record a local log entry",
		Args:  cobra.MinimumNArgs(1),
		RunE: runWithApp(g, func(_ context.Context, a *app, cmd *cobra.Command, args []string) error {
			entry, err := a.coord.RecordLog(a.machineID, level, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("recorded entry %d (%s)", entry.ID, ui.Level(entry.Level)))
			return nil
		}),
	}
	add.Flags().StringVar(&level, "level", syncer.DefaultLevel, "Log level")

	list := &cobra.Command{
		Use:   "list",
		Short: "List local log entries and whether they were pushed",
		Args:  cobra.NoArgs,
		RunE: runWithApp(g, func(_ context.Context, a *app, cmd *cobra.Command, _ []string) error {
			rows, err := a.coord.LocalLogs(a.machineID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, ui.Muted("no local logs"))
				return nil
			}

			table := make([][]string, 0, len(rows))
			for _, r := range rows {
				synced := ui.Muted("-")
				if r.SyncedAt != nil {
					synced = ui.SuccessStyle.Render("✓")
				}
				table = append(table, []string{
					strconv.FormatInt(r.ID, 10),
					ui.Level(r.Level),
					r.Message,
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					synced,
				})
			}
			fmt.Fprintln(out, ui.Table([]string{"ID", "LEVEL", "MESSAGE", "CREATED", "SYNCED"}, table))

			total, unsynced, err := a.db.CountLogs(a.machineID)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, ui.Muted(fmt.Sprintf("%d entries, %d not yet pushed", total, unsynced)))
			return nil
		}),
	}

	cmd.AddCommand(add, list)
	return cmd
}

func newPushCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Send local log entries to the server",
		Args:  cobra.NoArgs,
		RunE: runWithApp(g, func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			report, err := a.coord.PushLogs(ctx, a.machineID)
			out := cmd.OutOrStdout()
			if report != nil && report.Total > 0 {
				fmt.Fprint(out, ui.KeyValues("",
					ui.KV("run", ui.Muted(report.RunID)),
					ui.KV("sent", fmt.Sprintf("%d of %d", len(report.Sent), report.Total)),
					ui.KV("failed", idList(failedIDs(report))),
					ui.KV("unattempted", idList(report.Unattempted)),
				))
			}
			if err != nil {
				var partial *syncer.PartialPushError
				if errors.As(err, &partial) {
					return fmt.Errorf("%s: %w", partial.Report.Summary(), describeRemote(partial.Err))
				}
				return err
			}
			if report.Total == 0 {
				fmt.Fprintln(out, ui.InfoMsg("nothing to push"))
				return nil
			}
			fmt.Fprintln(out, ui.SuccessMsg("pushed %d entries", len(report.Sent)))
			return nil
		}),
	}
}

func printStatus(w io.Writer, rec *store.MachineStatus, stale bool) {
	status := ui.Status(rec.Status)
	if stale {
		status += " " + ui.WarnStyle.Render("(stale)")
	}
	fmt.Fprint(w, ui.KeyValues("",
		ui.KV("machine", ui.Bold(rec.MachineID)),
		ui.KV("name", rec.Name),
		ui.KV("status", status),
		ui.KV("last updated", ui.Time(rec.LastUpdated)),
	))
}

// describeRemote turns remote failures into one line a user can act on
func describeRemote(err error) error {
	code, _ := remote.StatusCode(err)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("server rejected the API key: %w", err)
	case code == http.StatusNotFound:
		return fmt.Errorf("server does not know this machine: %w", err)
	case remote.IsNetwork(err):
		return fmt.Errorf("could not reach server: %w", err)
	}
	return err
}

func failedIDs(r *syncer.PushReport) []int64 {
	ids := make([]int64, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.ID
	}
	return ids
}

func idList(ids []int64) string {
	if len(ids) == 0 {
		return ui.Muted("none")
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}
