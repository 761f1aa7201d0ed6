package commands

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lct-cooler/watercooler-controller/internal/device"
	"github.com/lct-cooler/watercooler-controller/internal/types"
)

func newDeviceManager() *device.Manager {
	return device.NewManager(device.NewBLETransport(log), log, device.OptionsFromConfig(cfg.Device))
}

func scanTimeout() time.Duration {
	return time.Duration(cfg.Device.ScanTimeoutSec) * time.Second
}

// connectDevice 连接指定地址，地址为空时扫描并连接第一个匹配的设备
func connectDevice(ctx context.Context, mgr *device.Manager, address string) (types.DeviceHandle, error) {
	handle := types.DeviceHandle{Address: strings.ToUpper(address)}
	if handle.Address == "" {
		found, err := mgr.FindFirst(ctx, scanTimeout())
		if err != nil {
			return types.DeviceHandle{}, fmt.Errorf("未找到控制器: %w", err)
		}
		handle = found
	}
	if err := mgr.Connect(ctx, handle); err != nil {
		return handle, err
	}
	return handle, nil
}

var cfgMutex sync.Mutex

// updateConfig 修改并保存配置
func updateConfig(fn func(c *types.AppConfig)) {
	cfgMutex.Lock()
	defer cfgMutex.Unlock()

	fn(&cfg)
	if err := cfgMgr.Save(cfg); err != nil {
		log.Error("保存配置失败: %v", err)
	}
}

// rememberDevice 记录上次连接的设备地址
func rememberDevice(handle types.DeviceHandle) {
	if handle.Address == "" {
		return
	}
	updateConfig(func(c *types.AppConfig) {
		c.Device.Address = handle.Address
	})
}
