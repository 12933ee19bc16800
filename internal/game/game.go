// Package game 帧同步对局：会话、玩家和锁步状态机
package game

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/fsp-server/internal/errors"
	"github.com/wfunc/fsp-server/internal/logger"
	"github.com/wfunc/fsp-server/internal/protocol"
	"go.uber.org/zap"
)

// SessionRegistry 会话注册表，由服务器实现
type SessionRegistry interface {
	AddSession(sid uint32) *Session
	DelSession(sid uint32)
}

// signal 需要全员确认的控制信号
type signal int

const (
	signalGameBegin signal = iota
	signalRoundBegin
	signalControlStart
	signalRoundEnd
	signalGameEnd
	signalCount
)

func signalOf(kind protocol.Kind) (signal, bool) {
	switch kind {
	case protocol.KindGameBegin:
		return signalGameBegin, true
	case protocol.KindRoundBegin:
		return signalRoundBegin, true
	case protocol.KindControlStart:
		return signalControlStart, true
	case protocol.KindRoundEnd:
		return signalRoundEnd, true
	case protocol.KindGameEnd:
		return signalGameEnd, true
	}
	return 0, false
}

// StateHandler 某个状态下每帧执行一次的处理函数
// 在对局锁内调用，不能再调用 Game 的导出方法
type StateHandler func(sc *StateContext)

// Option 对局选项
type Option func(*Game)

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(g *Game) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock 设置时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(g *Game) {
		if now != nil {
			g.now = now
		}
	}
}

// WithStateHandler 替换某个状态的处理函数
func WithStateHandler(state protocol.GameState, h StateHandler) Option {
	return func(g *Game) {
		g.handlers[state] = h
	}
}

// WithMatchID 指定对局ID
func WithMatchID(id string) Option {
	return func(g *Game) {
		if id != "" {
			g.matchID = id
		}
	}
}

// Game 锁步状态机
// 玩家列表、当前帧和各标记位只在帧循环里修改
type Game struct {
	mu       sync.Mutex
	param    protocol.Param
	registry SessionRegistry
	logger   *zap.Logger
	now      func() time.Time
	handlers map[protocol.GameState]StateHandler
	matchID  string

	state       protocol.GameState
	stateParam1 int32
	stateParam2 int32

	flags   [signalCount]uint32
	roundID uint32
	frameID uint32
	frame   *protocol.Frame

	players []*Player
	// 上一帧请求退出的玩家，下一帧开始时移除
	exiting []*Player

	onGameExit    func(playerID uint32)
	onGameEnd     func(reason protocol.EndReason)
	onStateChange func(from, to protocol.GameState)
	// 在锁外触发的回调
	events []func()
}

// NewGame 创建对局，需要再调用 Create 才能加入玩家
func NewGame(param protocol.Param, registry SessionRegistry, opts ...Option) *Game {
	g := &Game{
		param:    param.Normalize(),
		registry: registry,
		logger:   zap.NewNop(),
		now:      time.Now,
		handlers: defaultHandlers(),
		matchID:  uuid.New().String(),
		state:    protocol.StateNone,
		frame:    protocol.NewFrame(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("match_id", g.matchID))
	return g
}

// Create 进入创建状态，开始接受玩家加入
func (g *Game) Create() {
	g.mu.Lock()
	g.roundID = 0
	g.clearRound()
	g.setState(protocol.StateCreate, 0, 0)
	events := g.takeEvents()
	g.mu.Unlock()

	g.logger.Info("对局已创建", zap.Int("max_players", g.maxPlayers()))
	fire(events)
}

// AddPlayer 加入玩家，只允许在创建状态调用
// 相同ID重复加入时替换旧玩家，会话ID已被其他玩家占用时返回 ErrAlreadyExists
func (g *Game) AddPlayer(playerID, sid uint32, authToken int32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != protocol.StateCreate {
		return errors.Newf(errors.ErrGameStateError, "cannot join in state %s", g.state)
	}
	if playerID == 0 || playerID > protocol.MaxPlayerNum {
		return errors.Newf(errors.ErrInvalidParam, "player id %d out of range 1..%d", playerID, protocol.MaxPlayerNum)
	}

	for i, p := range g.players {
		if p.id == playerID {
			g.players = append(g.players[:i], g.players[i+1:]...)
			g.registry.DelSession(p.sid)
			p.Dispose()
			g.logger.Info("玩家重新加入，替换旧会话", zap.Uint32("player_id", playerID), zap.Uint32("old_sid", p.sid))
			break
		}
	}

	// 同一会话只能绑定一名玩家，否则后加入的玩家会接管收包回调
	for _, p := range g.players {
		if p.sid == sid {
			return errors.Newf(errors.ErrAlreadyExists, "session %d held by player %d", sid, p.id)
		}
	}

	if len(g.players) >= g.maxPlayers() {
		return errors.Newf(errors.ErrRoomFull, "game is full (%d players)", len(g.players))
	}

	session := g.registry.AddSession(sid)
	if session == nil {
		return errors.Newf(errors.ErrAlreadyExists, "session %d unavailable", sid)
	}
	g.players = append(g.players, newPlayer(playerID, authToken, g.param.ServerTimeout, session, g.now))

	logger.LogFrameEvent(g.logger, "player_join", g.matchID,
		zap.Uint32("player_id", playerID),
		zap.Uint32("sid", sid))
	return nil
}

// EnterFrame 推进一帧
// 顺序：移除上一帧退出的玩家，处理收到的指令，执行状态处理，广播锁定帧
func (g *Game) EnterFrame() {
	fire(g.step())
}

// step 在锁内完成一帧，返回需要在锁外触发的回调
func (g *Game) step() []func() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.flushExits()

	if g.state == protocol.StateNone {
		return nil
	}

	accept := g.state != protocol.StateGameEnd
	for _, p := range g.players {
		for _, cmd := range p.drain() {
			if !accept || p.waitForExit {
				continue
			}
			g.handleClientCmd(p, cmd)
		}
	}

	if h := g.handlers[g.state]; h != nil {
		h(&StateContext{g: g})
	}

	if !g.frame.IsEmpty() || g.state == protocol.StateControlStart {
		g.broadcast()
	}

	g.collectExits()
	return g.takeEvents()
}

// handleClientCmd 处理一条客户端指令：控制指令设置标记位，业务指令进入当前帧
func (g *Game) handleClientCmd(p *Player, cmd protocol.Command) {
	p.roundCmdRecv++

	if !p.hasAuth {
		if cmd.Kind == protocol.KindAuth {
			if p.SetAuth(cmd.Arg(0)) {
				logger.LogFrameEvent(g.logger, "player_auth", g.matchID, zap.Uint32("player_id", p.id))
			} else {
				g.logger.Debug("鉴权失败",
					zap.Uint32("sid", p.sid),
					zap.Error(errors.Newf(errors.ErrNotAuthenticated, "player %d token mismatch", p.id)))
			}
		}
		return
	}

	if sig, ok := signalOf(cmd.Kind); ok {
		g.flags[sig] |= 1 << (p.id - 1)
		return
	}

	switch {
	case cmd.Kind == protocol.KindGameExit:
		g.handleGameExit(p, cmd)
	case cmd.Kind.IsControl():
		// AUTH 重发或保留值，忽略
	case g.state == protocol.StateControlStart:
		g.frame.Append(cmd)
	default:
		g.logger.Debug("非操作阶段丢弃业务指令",
			zap.Uint32("player_id", p.id),
			zap.Stringer("kind", cmd.Kind),
			zap.Stringer("state", g.state))
	}
}

func (g *Game) handleGameExit(p *Player, cmd protocol.Command) {
	cmd.PlayerID = p.id
	g.frame.Append(cmd)
	p.waitForExit = true

	logger.LogFrameEvent(g.logger, "player_exit", g.matchID, zap.Uint32("player_id", p.id))
	if fn := g.onGameExit; fn != nil {
		id := p.id
		g.events = append(g.events, func() { fn(id) })
	}
}

// IsFlagFull 所有在线玩家都已设置标记位，且玩家数大于1
func (g *Game) IsFlagFull(flag uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isFlagFull(flag)
}

func (g *Game) isFlagFull(flag uint32) bool {
	if len(g.players) <= 1 {
		return false
	}
	for _, p := range g.players {
		if flag&(1<<(p.id-1)) == 0 {
			return false
		}
	}
	return true
}

// Flag 某个控制信号当前的标记位
func (g *Game) Flag(kind protocol.Kind) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sig, ok := signalOf(kind); ok {
		return g.flags[sig]
	}
	return 0
}

// checkAbnormalEnd 人数不足2时直接结束对局
func (g *Game) checkAbnormalEnd() bool {
	if len(g.players) < 2 {
		g.endAbnormally(protocol.EndAllOtherExit)
		return true
	}

	now := g.now()
	kept := g.players[:0]
	for _, p := range g.players {
		if p.IsLost(now) {
			g.logger.Info("玩家超时掉线",
				zap.Uint32("player_id", p.id),
				zap.Duration("since_last_contact", now.Sub(p.LastContact())))
			g.registry.DelSession(p.sid)
			p.Dispose()
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(g.players); i++ {
		g.players[i] = nil
	}
	g.players = kept

	if len(g.players) < 2 {
		g.endAbnormally(protocol.EndAllOtherLost)
		return true
	}
	return false
}

func (g *Game) endAbnormally(reason protocol.EndReason) {
	g.logger.Info("对局异常结束", zap.Stringer("reason", reason), zap.Int("players", len(g.players)))
	g.setState(protocol.StateGameEnd, int32(reason), 0)
	g.addServerCmd(protocol.KindGameEnd, int32(reason))
}

func (g *Game) addServerCmd(kind protocol.Kind, arg int32) {
	g.frame.Append(protocol.NewServerCommand(kind, arg))
}

// broadcast 封存当前帧并发给所有在线玩家
func (g *Game) broadcast() {
	cmds := g.frame.Seal()
	g.frameID++
	frame := &protocol.Frame{FrameID: g.frameID, Commands: cmds}
	for _, p := range g.players {
		p.session.Send(frame)
	}
	if len(cmds) > 0 {
		logger.LogFrameEvent(g.logger, "frame_broadcast", g.matchID,
			zap.Uint32("frame_id", frame.FrameID),
			zap.Int("commands", len(cmds)))
	}
}

// clearRound 下发已积累的指令后换新帧，重置回合标记位
func (g *Game) clearRound() {
	if g.frame != nil && !g.frame.IsEmpty() {
		g.broadcast()
	}
	g.frame = protocol.NewFrame()
	g.frameID = 0
	g.resetRoundFlags()
	for _, p := range g.players {
		p.ClearRound()
	}
}

// resetRoundFlags GAME_BEGIN 标记位不重置
func (g *Game) resetRoundFlags() {
	g.flags[signalRoundBegin] = 0
	g.flags[signalControlStart] = 0
	g.flags[signalRoundEnd] = 0
	g.flags[signalGameEnd] = 0
}

func (g *Game) setState(state protocol.GameState, param1, param2 int32) {
	from := g.state
	g.state = state
	g.stateParam1 = param1
	g.stateParam2 = param2

	if from == state {
		return
	}
	g.logger.Info("对局状态变化",
		zap.Stringer("from", from),
		zap.Stringer("to", state),
		zap.Uint32("round_id", g.roundID))
	if fn := g.onStateChange; fn != nil {
		g.events = append(g.events, func() { fn(from, state) })
	}
}

// flushExits 移除上一帧请求退出的玩家
func (g *Game) flushExits() {
	for _, p := range g.exiting {
		g.registry.DelSession(p.sid)
		p.Dispose()
	}
	g.exiting = nil
}

// collectExits 本帧广播之后把请求退出的玩家移出在线列表
func (g *Game) collectExits() {
	kept := g.players[:0]
	for _, p := range g.players {
		if p.waitForExit {
			g.exiting = append(g.exiting, p)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(g.players); i++ {
		g.players[i] = nil
	}
	g.players = kept
}

func (g *Game) takeEvents() []func() {
	events := g.events
	g.events = nil
	return events
}

func fire(events []func()) {
	for _, fn := range events {
		fn()
	}
}

func (g *Game) maxPlayers() int {
	if g.param.MaxPlayers <= 0 || g.param.MaxPlayers > protocol.MaxPlayerNum {
		return protocol.MaxPlayerNum
	}
	return g.param.MaxPlayers
}

// Dispose 销毁对局，删除所有会话
// 可以在对局回调里调用
func (g *Game) Dispose() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = protocol.StateNone
	g.stateParam1, g.stateParam2 = 0, 0
	for _, p := range g.players {
		g.registry.DelSession(p.sid)
		p.Dispose()
	}
	for _, p := range g.exiting {
		g.registry.DelSession(p.sid)
		p.Dispose()
	}
	g.players = nil
	g.exiting = nil
	g.frame = protocol.NewFrame()
	g.onGameExit = nil
	g.onGameEnd = nil
	g.onStateChange = nil
	g.events = nil

	g.logger.Info("对局已销毁")
}

// SetOnGameExit 有玩家主动退出时回调
func (g *Game) SetOnGameExit(fn func(playerID uint32)) {
	g.mu.Lock()
	g.onGameExit = fn
	g.mu.Unlock()
}

// SetOnGameEnd 对局结束时回调一次
func (g *Game) SetOnGameEnd(fn func(reason protocol.EndReason)) {
	g.mu.Lock()
	g.onGameEnd = fn
	g.mu.Unlock()
}

// SetOnStateChange 状态变化回调
func (g *Game) SetOnStateChange(fn func(from, to protocol.GameState)) {
	g.mu.Lock()
	g.onStateChange = fn
	g.mu.Unlock()
}

// State 当前状态
func (g *Game) State() protocol.GameState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// StateParam1 状态参数1，GameEnd 时为结束原因
func (g *Game) StateParam1() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateParam1
}

// StateParam2 状态参数2
func (g *Game) StateParam2() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateParam2
}

// RoundID 当前回合，第一回合为1
func (g *Game) RoundID() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.roundID
}

// FrameID 本回合最后广播的帧ID
func (g *Game) FrameID() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frameID
}

// MatchID 对局ID
func (g *Game) MatchID() string {
	return g.matchID
}

// Param 对局参数
func (g *Game) Param() protocol.Param {
	return g.param.Clone()
}

// PlayerIDs 在线玩家ID，按加入顺序
func (g *Game) PlayerIDs() []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]uint32, 0, len(g.players))
	for _, p := range g.players {
		ids = append(ids, p.id)
	}
	return ids
}

// PlayerCount 在线玩家数
func (g *Game) PlayerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.players)
}

// PlayerStatus 玩家状态快照
type PlayerStatus struct {
	ID          uint32    `json:"id"`
	SessionID   uint32    `json:"sid"`
	HasAuth     bool      `json:"has_auth"`
	WaitForExit bool      `json:"wait_for_exit"`
	LastContact time.Time `json:"last_contact"`
	Addr        string    `json:"addr,omitempty"`
}

// Snapshot 对局状态快照
type Snapshot struct {
	MatchID     string         `json:"match_id"`
	State       string         `json:"state"`
	StateParam1 int32          `json:"state_param1"`
	StateParam2 int32          `json:"state_param2"`
	RoundID     uint32         `json:"round_id"`
	FrameID     uint32         `json:"frame_id"`
	Players     []PlayerStatus `json:"players"`
}

// Snapshot 读取对局状态
func (g *Game) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := Snapshot{
		MatchID:     g.matchID,
		State:       g.state.String(),
		StateParam1: g.stateParam1,
		StateParam2: g.stateParam2,
		RoundID:     g.roundID,
		FrameID:     g.frameID,
		Players:     make([]PlayerStatus, 0, len(g.players)),
	}
	for _, p := range g.players {
		status := PlayerStatus{
			ID:          p.id,
			SessionID:   p.sid,
			HasAuth:     p.hasAuth,
			WaitForExit: p.waitForExit,
			LastContact: p.LastContact(),
		}
		if addr := p.session.Addr(); addr != nil {
			status.Addr = addr.String()
		}
		snap.Players = append(snap.Players, status)
	}
	return snap
}
