// Package server 帧同步服务器：会话注册表、主循环和对局生命周期
package server

import (
	"bytes"
	"context"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/fsp-server/internal/codec"
	"github.com/wfunc/fsp-server/internal/errors"
	"github.com/wfunc/fsp-server/internal/game"
	"github.com/wfunc/fsp-server/internal/protocol"
	"github.com/wfunc/fsp-server/internal/room"
	"github.com/wfunc/fsp-server/internal/transport"
	"go.uber.org/zap"
)

const (
	pollInterval  = time.Millisecond
	panicCooldown = 10 * time.Millisecond
)

// Server 帧同步服务器
// 会话表在收包goroutine和帧循环之间共享，由 mu 保护
type Server struct {
	listener transport.Listener
	codec    codec.Codec
	logger   *zap.Logger
	room     *room.Room

	paramMu sync.RWMutex
	param   protocol.Param

	mu       sync.RWMutex
	sessions map[uint32]*game.Session

	gameMu sync.RWMutex
	game   *game.Game

	running   atomic.Bool
	startedAt time.Time
	// 帧循环所在goroutine的ID，Close 据此判断是否在循环内部被调用
	loopGoroutine atomic.Uint64
	cancel    context.CancelFunc
	loopDone  chan struct{}
	gameOpts  []game.Option
}

// New 创建服务器
func New(param protocol.Param, listener transport.Listener, c codec.Codec, logger *zap.Logger, gameOpts ...game.Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	param = param.Normalize()
	return &Server{
		listener: listener,
		codec:    c,
		logger:   logger,
		room:     room.New(param.MaxPlayers),
		param:    param,
		sessions: make(map[uint32]*game.Session),
		gameOpts: gameOpts,
	}
}

// Start 绑定端口，未使用外部驱动时启动内部帧循环
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New(errors.ErrAlreadyExists, "server already running")
	}

	s.delAllSessions()

	param := s.Param()
	addr := net.JoinHostPort(param.Host, strconv.Itoa(param.Port))
	if err := s.listener.Listen(addr, s.onReceive); err != nil {
		s.running.Store(false)
		s.logger.Error("服务器启动失败", zap.String("addr", addr), zap.Error(err))
		return err
	}
	s.startedAt = time.Now()

	if !param.UseExternalTick {
		loopCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.loopDone = make(chan struct{})
		go s.loop(loopCtx, s.loopDone)
	}

	s.logger.Info("帧同步服务器已启动",
		zap.String("addr", addr),
		zap.Duration("frame_interval", param.ServerFrameInterval),
		zap.Duration("server_timeout", param.ServerTimeout),
		zap.Bool("external_tick", param.UseExternalTick))
	return nil
}

// Close 停止循环，销毁对局并关闭传输
func (s *Server) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
		// 在帧循环的回调里关闭时不能等待循环退出，其他goroutine必须等待
		if s.loopGoroutine.Load() != goroutineID() {
			<-s.loopDone
		}
		s.cancel = nil
	}

	s.StopGame()
	s.room.Reset()

	err := s.listener.Close()
	s.delAllSessions()

	s.logger.Info("帧同步服务器已关闭")
	return err
}

// IsRunning 是否在运行
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// LocalAddr 实际监听地址
func (s *Server) LocalAddr() net.Addr {
	return s.listener.LocalAddr()
}

// Room 房间名单
func (s *Server) Room() *room.Room {
	return s.room
}

// Param 当前参数，Host/Port 为实际监听地址
func (s *Server) Param() protocol.Param {
	s.paramMu.RLock()
	param := s.param.Clone()
	s.paramMu.RUnlock()

	if !s.running.Load() {
		return param
	}
	if addr := s.listener.LocalAddr(); addr != nil {
		if host, port, err := net.SplitHostPort(addr.String()); err == nil {
			param.Host = host
			param.Port, _ = strconv.Atoi(port)
		}
	}
	return param
}

// SetParam 更新参数，对下一局生效；帧间隔立即生效
func (s *Server) SetParam(param protocol.Param) {
	param = param.Normalize()
	s.paramMu.Lock()
	// 监听地址和驱动方式只在启动时使用
	if s.running.Load() {
		param.Host = s.param.Host
		param.Port = s.param.Port
		param.UseExternalTick = s.param.UseExternalTick
	}
	s.param = param
	s.paramMu.Unlock()

	s.logger.Info("帧同步参数已更新",
		zap.Duration("frame_interval", param.ServerFrameInterval),
		zap.Duration("server_timeout", param.ServerTimeout),
		zap.Int("max_players", param.MaxPlayers))
}

// RealtimeSinceStartup 启动至今的时间
func (s *Server) RealtimeSinceStartup() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// AddSession 创建会话，已存在时直接返回
func (s *Server) AddSession(sid uint32) *game.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[sid]; ok {
		return session
	}
	session := game.NewSession(sid, s.listener, s.codec, s.logger)
	s.sessions[sid] = session
	return session
}

// DelSession 关闭并删除会话
func (s *Server) DelSession(sid uint32) {
	s.mu.Lock()
	session, ok := s.sessions[sid]
	delete(s.sessions, sid)
	s.mu.Unlock()

	if ok {
		session.Close()
	}
}

// GetSession 查找会话
func (s *Server) GetSession(sid uint32) (*game.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sid]
	return session, ok
}

// SessionCount 会话数
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) delAllSessions() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[uint32]*game.Session)
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}

// onReceive 收包回调，在传输层的goroutine里执行，不直接修改对局
func (s *Server) onReceive(data []byte, from net.Addr) {
	env, err := s.codec.DecodeClient(data)
	if err != nil {
		s.logger.Debug("丢弃格式错误的数据包", zap.Stringer("from", from), zap.Error(err))
		return
	}

	session, ok := s.GetSession(uint32(env.SessionID))
	if !ok {
		s.logger.Debug("丢弃未知会话的数据包",
			zap.Uint16("sid", env.SessionID),
			zap.Stringer("from", from))
		return
	}

	if session.UpdateAddress(from) {
		s.logger.Info("会话地址变化",
			zap.Uint16("sid", env.SessionID),
			zap.Stringer("addr", from))
	}
	session.Receive(env)
}

// Tick 推进一帧，使用外部驱动时由调用方按帧间隔调用
func (s *Server) Tick() {
	if !s.running.Load() {
		return
	}
	s.listener.Update()
	if g := s.Game(); g != nil {
		g.EnterFrame()
	}
}

// loop 内部帧循环，每毫秒检查一次
// 下一帧的基准取帧间隔的整数倍，避免误差累积
func (s *Server) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	s.loopGoroutine.Store(goroutineID())
	defer s.loopGoroutine.Store(0)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			interval := s.frameInterval()
			if now.Sub(last) > interval {
				last = now.Truncate(interval)
				s.safeTick()
			}
		}
	}
}

// safeTick 单帧异常不影响对局继续
func (s *Server) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("帧循环异常", zap.Any("panic", r), zap.Stack("stack"))
			time.Sleep(panicCooldown)
		}
	}()
	s.Tick()
}

// goroutineID 从 "goroutine 123 [running]:" 中解析当前goroutine的ID
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (s *Server) frameInterval() time.Duration {
	s.paramMu.RLock()
	defer s.paramMu.RUnlock()
	return s.param.ServerFrameInterval
}

// StartGame 创建新对局，已有对局时先销毁
func (s *Server) StartGame(opts ...game.Option) *game.Game {
	param := s.Param()
	all := append(append([]game.Option{game.WithLogger(s.logger)}, s.gameOpts...), opts...)
	g := game.NewGame(param, s, all...)

	s.gameMu.Lock()
	old := s.game
	s.game = g
	s.gameMu.Unlock()

	if old != nil {
		old.Dispose()
	}
	g.Create()

	s.logger.Info("对局已开始", zap.String("match_id", g.MatchID()))
	return g
}

// StopGame 销毁当前对局
func (s *Server) StopGame() {
	s.gameMu.Lock()
	g := s.game
	s.game = nil
	s.gameMu.Unlock()

	if g != nil {
		g.Dispose()
		s.logger.Info("对局已停止", zap.String("match_id", g.MatchID()))
	}
}

// StopGameIf 只在 g 仍是当前对局时销毁，旧对局的结束回调不会误停新对局
func (s *Server) StopGameIf(g *game.Game) bool {
	s.gameMu.Lock()
	if g == nil || s.game != g {
		s.gameMu.Unlock()
		return false
	}
	s.game = nil
	s.gameMu.Unlock()

	g.Dispose()
	s.logger.Info("对局已停止", zap.String("match_id", g.MatchID()))
	return true
}

// Game 当前对局，没有时返回nil
func (s *Server) Game() *game.Game {
	s.gameMu.RLock()
	defer s.gameMu.RUnlock()
	return s.game
}
