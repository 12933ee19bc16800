// Package client 帧同步客户端：连接、重连、鉴权和帧分发
package client

import (
	"net"
	"sync"

	"github.com/wfunc/fsp-server/internal/codec"
	"github.com/wfunc/fsp-server/internal/errors"
	"github.com/wfunc/fsp-server/internal/protocol"
	"github.com/wfunc/fsp-server/internal/transport"
	"go.uber.org/zap"
)

// FrameListener 收到锁定帧的回调，在传输层的goroutine里调用
type FrameListener func(frame protocol.Frame)

// Client 帧同步客户端
// 重连和重新鉴权都是电平触发，在 Tick 里检查，多次请求会合并
type Client struct {
	dialer transport.Dialer
	codec  codec.Codec
	logger *zap.Logger

	mu               sync.Mutex
	conn             transport.Conn
	host             string
	port             int
	sessionID        uint16
	authID           int32
	running          bool
	waitForReconnect bool
	waitForAuth      bool

	listenerMu sync.RWMutex
	listener   FrameListener
}

// New 创建客户端
func New(dialer transport.Dialer, c codec.Codec, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		dialer: dialer,
		codec:  c,
		logger: logger,
	}
}

// SetSessionID 设置会话ID，由加入房间的流程分配
func (c *Client) SetSessionID(sid uint16) {
	c.mu.Lock()
	c.sessionID = sid
	c.mu.Unlock()
}

// SessionID 会话ID
func (c *Client) SessionID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetAuthInfo 设置鉴权token
func (c *Client) SetAuthInfo(authID int32) {
	c.mu.Lock()
	c.authID = authID
	c.mu.Unlock()
}

// SetFrameListener 设置帧回调
func (c *Client) SetFrameListener(fn FrameListener) {
	c.listenerMu.Lock()
	c.listener = fn
	c.listenerMu.Unlock()
}

// IsRunning 是否已连接
func (c *Client) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Connect 建立到服务器的绑定，已连接时返回错误
// 失败时清理所有连接状态
func (c *Client) Connect(host string, port int) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New(errors.ErrAlreadyExists, "client already connected")
	}
	c.host = host
	c.port = port
	c.mu.Unlock()

	conn, err := c.dialer.Dial(host, port, c.onReceive)
	if err != nil {
		c.teardown()
		c.logger.Warn("连接服务器失败",
			zap.String("host", host),
			zap.Int("port", port),
			zap.Error(err))
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return errors.New(errors.ErrAlreadyExists, "client already connected")
	}
	c.conn = conn
	c.running = true
	c.mu.Unlock()

	c.logger.Info("已连接服务器", zap.Stringer("addr", conn.RemoteAddr()))
	return nil
}

// Close 断开连接并清除回调和待处理标记
func (c *Client) Close() {
	c.teardown()
	c.SetFrameListener(nil)
}

func (c *Client) teardown() {
	c.mu.Lock()
	c.waitForReconnect = false
	c.waitForAuth = false
	c.mu.Unlock()
	c.disconnect()
}

// disconnect 在锁外关闭连接，读协程里的回调可能还要拿锁
func (c *Client) disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.running = false
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// VerifyAuth 发送 AUTH
func (c *Client) VerifyAuth() error {
	c.mu.Lock()
	c.waitForAuth = false
	authID := c.authID
	c.mu.Unlock()

	return c.SendCommand(protocol.KindAuth, authID, 0)
}

// RequestReconnect 请求在下一次 Tick 时重连
func (c *Client) RequestReconnect() {
	c.mu.Lock()
	c.waitForReconnect = true
	c.mu.Unlock()
}

// RequestAuth 请求在下一次 Tick 时重新鉴权
func (c *Client) RequestAuth() {
	c.mu.Lock()
	c.waitForAuth = true
	c.mu.Unlock()
}

// Reconnect 断开后重新连接原地址并立即鉴权
func (c *Client) Reconnect() error {
	c.mu.Lock()
	c.waitForReconnect = false
	host, port := c.host, c.port
	c.mu.Unlock()

	c.disconnect()
	if err := c.Connect(host, port); err != nil {
		return err
	}
	c.logger.Info("已重新连接", zap.String("host", host), zap.Int("port", port))
	return c.VerifyAuth()
}

// SendCommand 发送一条指令，未连接时返回 ErrNotConnected
func (c *Client) SendCommand(kind protocol.Kind, arg int32, clientFrameID uint32) error {
	c.mu.Lock()
	conn := c.conn
	sid := c.sessionID
	running := c.running
	c.mu.Unlock()

	if !running || conn == nil {
		return errors.New(errors.ErrNotConnected)
	}

	data, err := c.codec.EncodeClient(&protocol.ClientEnvelope{
		SessionID: sid,
		Commands: []protocol.Command{{
			Kind:          kind,
			Args:          []int32{arg},
			ClientFrameID: clientFrameID,
		}},
	})
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// Tick 每帧调用：传输维护，处理待重连和待鉴权
// 可重试的重连失败会保留待重连标记，下一次 Tick 继续尝试
func (c *Client) Tick() {
	c.mu.Lock()
	conn := c.conn
	reconnect := c.waitForReconnect
	c.mu.Unlock()

	if conn != nil {
		conn.Update()
	}

	if reconnect {
		if err := c.Reconnect(); err != nil {
			retry := errors.IsRetryable(err)
			if retry {
				c.RequestReconnect()
			}
			c.logger.Warn("重连失败", zap.Bool("retry", retry), zap.Error(err))
			return
		}
	}

	c.mu.Lock()
	auth := c.waitForAuth && c.running
	c.mu.Unlock()
	if auth {
		if err := c.VerifyAuth(); err != nil {
			c.logger.Debug("发送鉴权失败", zap.Error(err))
		}
	}
}

func (c *Client) onReceive(data []byte, from net.Addr) {
	env, err := c.codec.DecodeServer(data)
	if err != nil {
		c.logger.Debug("丢弃格式错误的数据包", zap.Error(err))
		return
	}

	c.listenerMu.RLock()
	fn := c.listener
	c.listenerMu.RUnlock()
	if fn == nil {
		return
	}
	for _, frame := range env.Frames {
		fn(frame)
	}
}
