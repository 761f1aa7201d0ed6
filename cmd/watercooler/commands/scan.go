package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// scan: 列出附近的控制器
func scanCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby coolers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if timeout <= 0 {
				timeout = scanTimeout()
			}
			mgr := newDeviceManager()

			found := 0
			for dev, err := range mgr.Scan(cmd.Context(), timeout) {
				if err != nil {
					return err
				}
				found++
				fmt.Printf("%-20s %s  %d dBm\n", dev.Name, dev.Address, dev.RSSI)
			}
			if found == 0 {
				fmt.Println("no cooler found")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "scan duration (default from config)")
	return cmd
}
