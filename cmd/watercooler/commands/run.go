package commands

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lct-cooler/watercooler-controller/internal/control"
	"github.com/lct-cooler/watercooler-controller/internal/device"
	"github.com/lct-cooler/watercooler-controller/internal/notify"
	"github.com/lct-cooler/watercooler-controller/internal/sensor"
	"github.com/lct-cooler/watercooler-controller/internal/tray"
	"github.com/lct-cooler/watercooler-controller/internal/types"
)

const (
	discoveryInterval = 15 * time.Second
	shutdownTimeout   = 3 * time.Second
)

// run: 连接控制器并运行控制循环，直到收到退出信号
func runCmd() *cobra.Command {
	var (
		address    string
		withTray   bool
		withNotify bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the cooler and run the control loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if address == "" {
				address = cfg.Device.Address
			}

			mgr := newDeviceManager()
			feed := sensor.NewFeed(sensor.NewHostBackend(), log, sensor.Options{
				StaleAfter:  time.Duration(cfg.StaleAfterSec) * time.Second,
				SampleCount: cfg.TempSampleCount,
			})
			ctrl, err := control.New(mgr, feed, log, cfg.Mode, cfg.FanCurve, cfg.Manual, control.OptionsFromConfig(cfg))
			if err != nil {
				return err
			}

			if withNotify {
				ctrl.Subscribe(notify.New(log).Handle)
			}
			ctrl.Subscribe(func(ev control.Event) {
				switch ev.Kind {
				case control.EventSettingsChanged, control.EventModeChanged:
					updateConfig(ctrl.ApplyTo)
				case control.EventConnectionChanged:
					if ev.State == types.StateConnected {
						rememberDevice(ev.Device)
					}
				}
			})

			var paused atomic.Bool
			if withTray {
				t := tray.NewManager(log, nil)
				t.SetCallbacks(tray.Callbacks{
					OnToggleCurve: func() bool {
						next := types.ModeCurve
						if ctrl.Mode() == types.ModeCurve {
							next = types.ModeManual
						}
						if err := ctrl.SetMode(next); err != nil {
							log.Error("切换模式失败: %v", err)
						}
						return ctrl.Mode() == types.ModeCurve
					},
					OnConnect: func() {
						paused.Store(false)
						if _, err := connectDevice(ctx, mgr, address); err != nil {
							log.Error("连接设备失败: %v", err)
						}
					},
					OnDisconnect: func() {
						paused.Store(true)
						if err := mgr.Disconnect(); err != nil {
							log.Warn("断开设备出错: %v", err)
						}
					},
					OnQuit:    cancel,
					GetStatus: ctrl.Status,
				})
				t.Init()
				defer t.Quit()
			}

			go discoveryLoop(ctx, mgr, address, &paused)

			ctrl.Run(ctx)

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			if err := ctrl.Shutdown(shutdownCtx); err != nil {
				log.Warn("关闭控制器时出错: %v", err)
			}
			updateConfig(ctrl.ApplyTo)
			log.Info("已退出")
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "controller address (default: last used, else scan)")
	cmd.Flags().BoolVar(&withTray, "tray", false, "show a system tray icon")
	cmd.Flags().BoolVar(&withNotify, "notify", true, "show desktop notifications")
	return cmd
}

// discoveryLoop 在没有可重连的设备时定期扫描连接，用户主动断开后暂停。
// 已记住的设备由控制循环请求 Reconnect
func discoveryLoop(ctx context.Context, mgr *device.Manager, address string, paused *atomic.Bool) {
	for {
		if !paused.Load() && mgr.State() == types.StateDisconnected {
			if _, remembered := mgr.Device(); !remembered {
				if _, err := connectDevice(ctx, mgr, address); err != nil && ctx.Err() == nil {
					log.Warn("连接设备失败，%v 后重试: %v", discoveryInterval, err)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(discoveryInterval):
		}
	}
}
