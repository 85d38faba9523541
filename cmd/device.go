package cmd

import (
	"fmt"

	"github.com/prabhask5/stellar-sub000/internal/deviceid"
	"github.com/prabhask5/stellar-sub000/internal/output"
	"github.com/spf13/cobra"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Show this device's sync identity",
	Long: `Print the id this device stamps on every write. With --reset a new id is
generated; the next writes from this device then count as another device's.`,
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if reset, _ := cmd.Flags().GetBool("reset"); reset {
			if err := deviceid.ResetDeviceID(); err != nil {
				output.Error("reset device id: %v", err)
				return err
			}
			output.Success("new device id %s", deviceid.GetDeviceID())
			return nil
		}
		fmt.Println(deviceid.GetDeviceID())
		return nil
	},
}

func init() {
	deviceCmd.Flags().Bool("reset", false, "Generate a new device id")
	rootCmd.AddCommand(deviceCmd)
}
