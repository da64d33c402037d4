package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/mirrornode/internal/bridge"
	"github.com/smazurov/mirrornode/internal/logging"
	"github.com/smazurov/mirrornode/internal/names"
)

type deviceRow struct {
	Serial string            `json:"serial"`
	Model  string            `json:"model,omitempty"`
	Name   string            `json:"name,omitempty"`
	Power  bridge.PowerState `json:"power"`
}

// CreateDevicesCmd creates the devices command.
func CreateDevicesCmd() *cobra.Command {
	var adbPath, namesFile string
	var asJSON bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List attached devices",
		Long:  `Lists the devices the bridge reports as ready, with their display name and screen power state.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.Initialize(logging.Config{Level: "warn", Format: "text"})

			path, err := bridge.LookPath(adbPath)
			if err != nil {
				return err
			}
			adb := bridge.NewADB(path, nil, logging.GetLogger("bridge"))

			displayNames := map[string]string{}
			if namesFile != "" {
				if displayNames, err = names.Load(namesFile); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			devices, err := adb.Devices(ctx)
			if err != nil {
				return err
			}

			rows := make([]deviceRow, 0, len(devices))
			for _, d := range devices {
				power, _ := bridge.QueryPowerState(ctx, adb, d.Serial)
				rows = append(rows, deviceRow{Serial: d.Serial, Model: d.Model, Name: displayNames[d.Serial], Power: power})
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			if len(rows) == 0 {
				fmt.Println("No devices attached")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERIAL\tMODEL\tNAME\tPOWER")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Serial, r.Model, r.Name, r.Power)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&adbPath, "adb", "adb", "Path to the adb binary")
	cmd.Flags().StringVar(&namesFile, "names", "", "Device names file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Bridge command timeout")
	return cmd
}
