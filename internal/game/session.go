package game

import (
	"net"
	"sync"

	"github.com/wfunc/fsp-server/internal/codec"
	"github.com/wfunc/fsp-server/internal/protocol"
	"github.com/wfunc/fsp-server/internal/transport"
	"go.uber.org/zap"
)

// Session 服务器端的网络端点绑定
// 地址在收包goroutine里写，在帧循环里读，由自身的锁保护
type Session struct {
	id     uint32
	codec  codec.Codec
	logger *zap.Logger

	mu              sync.RWMutex
	listener        transport.Listener
	addr            net.Addr
	endPointChanged bool
	onReceive       func(env *protocol.ClientEnvelope)
	closed          bool
}

// NewSession 创建会话
func NewSession(sid uint32, listener transport.Listener, c codec.Codec, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:       sid,
		codec:    c,
		logger:   logger,
		listener: listener,
	}
}

// ID 会话ID
func (s *Session) ID() uint32 {
	return s.id
}

// UpdateAddress 记录最新的对端地址，地址变化时返回true
// 新地址总是被采用，不会拒绝
func (s *Session) UpdateAddress(addr net.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.addr == nil || addr == nil || s.addr.String() != addr.String()
	s.endPointChanged = changed
	s.addr = addr
	return changed
}

// IsEndPointChanged 最近一次 UpdateAddress 是否检测到地址变化
func (s *Session) IsEndPointChanged() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endPointChanged
}

// Addr 当前对端地址
func (s *Session) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// SetReceiveListener 设置收到指令包的回调
func (s *Session) SetReceiveListener(fn func(env *protocol.ClientEnvelope)) {
	s.mu.Lock()
	s.onReceive = fn
	s.mu.Unlock()
}

// Receive 把解码后的指令包交给监听者
func (s *Session) Receive(env *protocol.ClientEnvelope) {
	s.mu.RLock()
	fn := s.onReceive
	closed := s.closed
	s.mu.RUnlock()

	if closed || fn == nil || env == nil {
		return
	}
	fn(env)
}

// Send 编码一帧并发往当前地址，传输不可用或发送失败时返回false
func (s *Session) Send(frame *protocol.Frame) bool {
	s.mu.RLock()
	listener := s.listener
	addr := s.addr
	s.mu.RUnlock()

	if listener == nil || addr == nil || frame == nil {
		return false
	}

	data, err := s.codec.EncodeServer(&protocol.ServerEnvelope{Frames: []protocol.Frame{*frame}})
	if err != nil {
		s.logger.Debug("编码帧失败", zap.Uint32("sid", s.id), zap.Error(err))
		return false
	}
	if err := listener.SendTo(data, addr); err != nil {
		s.logger.Debug("发送帧失败",
			zap.Uint32("sid", s.id),
			zap.String("addr", addr.String()),
			zap.Error(err))
		return false
	}
	return true
}

// Close 断开传输绑定，可重复调用
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listener := s.listener
	addr := s.addr
	s.listener = nil
	s.onReceive = nil
	s.mu.Unlock()

	if listener != nil && addr != nil {
		listener.ClosePeer(addr)
	}
}

// IsClosed 是否已关闭
func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
