package device

import (
	"context"

	"github.com/lct-cooler/watercooler-controller/internal/types"
)

// Transport 底层无线传输，Manager 在其之上实现连接策略
type Transport interface {
	// Scan 扫描直到 ctx 结束，每个广播结果调用一次 found
	Scan(ctx context.Context, found func(types.DeviceHandle)) error
	// Open 连接指定地址，找不到设备时返回 ErrDeviceNotFound
	Open(ctx context.Context, address string, cb Callbacks) (Conn, error)
}

// Conn 一条已建立的连接
type Conn interface {
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Callbacks 连接上的异步事件
type Callbacks struct {
	OnFrame    func(frame []byte) // 设备通知的状态帧
	OnLinkLost func()             // 协议栈报告断连
}
