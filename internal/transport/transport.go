// Package transport 帧同步的数据报传输层，服务器端监听、客户端拨号两个方向
package transport

import (
	"net"
	"time"
)

// Handler 收到数据的回调，可能在传输层自己的goroutine里调用
type Handler func(data []byte, from net.Addr)

// Listener 服务器端传输
type Listener interface {
	Listen(addr string, h Handler) error
	SendTo(data []byte, to net.Addr) error
	// ClosePeer 断开某个对端的绑定，无连接的传输为空操作
	ClosePeer(to net.Addr)
	// Update 每帧调用一次的维护逻辑
	Update()
	LocalAddr() net.Addr
	Close() error
}

// Dialer 客户端传输
type Dialer interface {
	Dial(host string, port int, h Handler) (Conn, error)
}

// Conn 客户端到服务器的一条绑定
type Conn interface {
	Send(data []byte) error
	Update()
	RemoteAddr() net.Addr
	Close() error
}

const (
	maxDatagramSize     = 64 * 1024
	defaultWriteTimeout = 100 * time.Millisecond
)

func writeTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultWriteTimeout
	}
	return d
}
