package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cascadedb/cascade/internal/config"
	"github.com/cascadedb/cascade/internal/node"
	"github.com/cascadedb/cascade/internal/observability"
)

// newBackfillsCmd lists persisted backfill progress entries. It reads the
// progress store directly, so it works against a stopped node.
func newBackfillsCmd(v *viper.Viper) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "backfills",
		Short: "List backfill progress entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := context.Background()
			store, err := node.NewProgressStore(ctx, cfg.DataDir, cfg.Storage.Progress, observability.NewMetrics())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.List(ctx)
			if err != nil {
				return fmt.Errorf("list progress: %w", err)
			}

			if output == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tVIEW\tSTATE\tPOSITION\tEPOCH\tUPDATED")
			for _, e := range entries {
				state := "backfilling"
				if e.Done {
					state = "done"
				}
				pos := "-"
				if len(e.Position) > 0 {
					pos = fmt.Sprintf("%q", e.Position)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					e.InstanceID, e.ViewName, state, pos,
					uint64(e.CommittedEpoch), e.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().String("config", "", "config file path")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, json)")
	return cmd
}
