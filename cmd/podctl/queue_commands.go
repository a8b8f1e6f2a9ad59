package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/internal/trigger"
)

func newPendingCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Print the number of queued PODs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := ctx.queue(cmd.Context())
			if err != nil {
				return err
			}
			n, err := q.PendingCount(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued PODs in submission order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := ctx.queue(cmd.Context())
			if err != nil {
				return err
			}
			items, err := q.Items(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				if items == nil {
					items = []models.QueueItem{}
				}
				return writeJSON(cmd, items)
			}

			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderItems(items))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print items as JSON")
	return cmd
}

func renderItems(items []models.QueueItem) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "Item", "Delivery", "Status", "Created", "Photos", "Signature"})

	for i, it := range items {
		created := "-"
		if !it.CreatedAt.IsZero() {
			created = it.CreatedAt.Local().Format("2006-01-02 15:04:05")
		}
		signature := "no"
		if it.Payload.Signature != "" {
			signature = "yes"
		}
		tw.AppendRow(table.Row{
			i + 1,
			it.ID,
			it.DeliveryID,
			string(it.Payload.Status),
			created,
			strconv.Itoa(len(it.Payload.PhotoSources())),
			signature,
		})
	}
	return tw.Render()
}

func newReplayCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Submit every queued POD now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := ctx.queue(cmd.Context())
			if err != nil {
				return err
			}

			report, err := trigger.NewCoordinator(q, trigger.WithLogger(ctx.log())).Trigger(cmd.Context(), trigger.SourceManual)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd, report)
			}
			if report.Coalesced {
				fmt.Fprintln(cmd.OutOrStdout(), "A replay is already running, nothing to do")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %d of %d, %d failed, %d still queued\n",
				report.Succeeded, report.Attempted, report.Failed, report.Remaining)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the replay report as JSON")
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
