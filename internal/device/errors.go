package device

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected 设备未处于已连接状态
	ErrNotConnected = errors.New("设备未连接")
	// ErrDeviceNotFound 传输层找不到该地址的设备
	ErrDeviceNotFound = errors.New("未找到设备")
)

// ConnectionErrorKind 连接失败原因
type ConnectionErrorKind int

const (
	NotFound ConnectionErrorKind = iota
	Timeout
	LinkLost
)

func (k ConnectionErrorKind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case Timeout:
		return "Timeout"
	case LinkLost:
		return "LinkLost"
	default:
		return "Unknown"
	}
}

// ConnectionError 建立或维持连接失败
type ConnectionError struct {
	Kind    ConnectionErrorKind
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("连接 %s 失败 (%s): %v", e.Address, e.Kind, e.Err)
	}
	return fmt.Sprintf("连接 %s 失败 (%s)", e.Address, e.Kind)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is 同类连接错误视为相等，便于 errors.Is(err, &ConnectionError{Kind: LinkLost})
func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	return ok && t.Kind == e.Kind
}

// TransportError 写入失败
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("写入设备失败: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsLinkLost 判断是否为重连耗尽后的断连错误
func IsLinkLost(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Kind == LinkLost
}
