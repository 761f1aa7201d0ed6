package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lct-cooler/watercooler-controller/internal/protocol"
	"github.com/lct-cooler/watercooler-controller/internal/types"
)

// set: 一次性下发手动设定值并保存为默认手动设定
func setCmd() *cobra.Command {
	var (
		address  string
		fan      int
		pump     int
		lighting string
		color    string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Send manual fan / pump / lighting settings once",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if !flags.Changed("fan") && !flags.Changed("pump") && !flags.Changed("lighting") && !flags.Changed("color") {
				return errors.New("nothing to set: use --fan, --pump, --lighting or --color")
			}

			targets := cfg.Manual
			var commands []protocol.Command
			if flags.Changed("fan") {
				targets.FanPercent = fan
				commands = append(commands, protocol.SetFanPercent{Percent: fan})
			}
			if flags.Changed("pump") {
				targets.PumpVoltage = types.PumpVoltage(pump)
				commands = append(commands, protocol.SetPumpVoltage{Voltage: targets.PumpVoltage})
			}
			if flags.Changed("lighting") || flags.Changed("color") {
				if flags.Changed("lighting") {
					mode, err := protocol.ParseLightingMode(lighting)
					if err != nil {
						return err
					}
					targets.Lighting.Mode = mode
				}
				if flags.Changed("color") {
					c, err := protocol.ParseColor(color)
					if err != nil {
						return err
					}
					targets.Lighting.Color = c
				}
				commands = append(commands, protocol.LightingCommand(targets.Lighting))
			}

			frames := make([][]byte, 0, len(commands))
			for _, c := range commands {
				frame, err := protocol.Encode(c)
				if err != nil {
					return err
				}
				frames = append(frames, frame)
			}

			if address == "" {
				address = cfg.Device.Address
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			mgr := newDeviceManager()
			handle, err := connectDevice(ctx, mgr, address)
			if err != nil {
				return err
			}
			defer mgr.Disconnect()
			rememberDevice(handle)

			for i, frame := range frames {
				if err := mgr.Send(ctx, frame); err != nil {
					return fmt.Errorf("发送 %s 失败: %w", commands[i], err)
				}
				fmt.Printf("sent %s\n", commands[i])
			}

			updateConfig(func(c *types.AppConfig) {
				c.Manual = targets
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "controller address (default: last used, else scan)")
	cmd.Flags().IntVar(&fan, "fan", 0, "fan percent 0-100")
	cmd.Flags().IntVar(&pump, "pump", 0, "pump voltage: 0 (off), 7, 8, 11 or 12")
	cmd.Flags().StringVar(&lighting, "lighting", "", "lighting mode: off, static, breathe, rainbow, breathe_rainbow")
	cmd.Flags().StringVar(&color, "color", "", "lighting color: name or #rrggbb")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}
