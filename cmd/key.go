package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/mirrornode/internal/bridge"
	"github.com/smazurov/mirrornode/internal/control"
	"github.com/smazurov/mirrornode/internal/logging"
)

// ParseKey accepts a key name such as "home" or a raw keycode.
func ParseKey(s string) (int, error) {
	if code, ok := control.KeyByName(s); ok {
		return code, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil || code <= 0 {
		return 0, fmt.Errorf("unknown key %q", s)
	}
	return code, nil
}

// CreateKeyCmd creates the key command.
func CreateKeyCmd() *cobra.Command {
	var adbPath string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "key [serial] [key]",
		Short: "Send a key press to a device",
		Long: `Sends one key press to the device through the bridge shell, without a running gateway. ` +
			`Keys are home, back, menu, app_switch, power, sleep, wakeup or a raw Android keycode.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Initialize(logging.Config{Level: "warn", Format: "text"})

			keycode, err := ParseKey(args[1])
			if err != nil {
				return err
			}
			path, err := bridge.LookPath(adbPath)
			if err != nil {
				return err
			}
			adb := bridge.NewADB(path, nil, logging.GetLogger("bridge"))

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if _, err := adb.Shell(ctx, args[0], control.EncodeKey(keycode)...); err != nil {
				return err
			}
			fmt.Printf("Sent key %d to %s\n", keycode, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&adbPath, "adb", "adb", "Path to the adb binary")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Bridge command timeout")
	return cmd
}
