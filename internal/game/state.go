package game

import (
	"github.com/wfunc/fsp-server/internal/protocol"
	"go.uber.org/zap"
)

// StateContext 状态处理函数可用的操作，只在对局锁内有效
type StateContext struct {
	g *Game
}

// State 当前状态
func (sc *StateContext) State() protocol.GameState {
	return sc.g.state
}

// RoundID 当前回合
func (sc *StateContext) RoundID() uint32 {
	return sc.g.roundID
}

// PlayerCount 在线玩家数
func (sc *StateContext) PlayerCount() int {
	return len(sc.g.players)
}

// Ready 某个控制信号是否已全员确认
func (sc *StateContext) Ready(kind protocol.Kind) bool {
	sig, ok := signalOf(kind)
	if !ok {
		return false
	}
	return sc.g.isFlagFull(sc.g.flags[sig])
}

// CheckAbnormalEnd 清理掉线玩家，人数不足时结束对局
func (sc *StateContext) CheckAbnormalEnd() bool {
	return sc.g.checkAbnormalEnd()
}

// Transition 切换状态
func (sc *StateContext) Transition(state protocol.GameState, param1, param2 int32) {
	sc.g.setState(state, param1, param2)
}

// Inject 往当前帧追加一条服务器指令
func (sc *StateContext) Inject(kind protocol.Kind, arg int32) {
	sc.g.addServerCmd(kind, arg)
}

// NextRound 回合数加一
func (sc *StateContext) NextRound() uint32 {
	sc.g.roundID++
	return sc.g.roundID
}

// ClearRound 下发已有指令并换新帧，重置回合标记位
func (sc *StateContext) ClearRound() {
	sc.g.clearRound()
}

// FireGameEnd 触发一次对局结束回调
func (sc *StateContext) FireGameEnd() {
	fn := sc.g.onGameEnd
	if fn == nil {
		return
	}
	sc.g.onGameEnd = nil
	reason := protocol.EndReason(sc.g.stateParam1)
	sc.g.logger.Info("对局结束", zap.Stringer("reason", reason), zap.Uint32("round_id", sc.g.roundID))
	sc.g.events = append(sc.g.events, func() { fn(reason) })
}

func defaultHandlers() map[protocol.GameState]StateHandler {
	return map[protocol.GameState]StateHandler{
		protocol.StateCreate:       onCreate,
		protocol.StateGameBegin:    onGameBegin,
		protocol.StateRoundBegin:   onRoundBegin,
		protocol.StateControlStart: onControlStart,
		protocol.StateRoundEnd:     onRoundEnd,
		protocol.StateGameEnd:      onGameEnd,
	}
}

// onCreate 等所有人发 GAME_BEGIN
func onCreate(sc *StateContext) {
	if sc.Ready(protocol.KindGameBegin) {
		sc.ClearRound()
		sc.Transition(protocol.StateGameBegin, 0, 0)
		sc.Inject(protocol.KindGameBegin, 0)
	}
}

// onGameBegin 等所有人发 ROUND_BEGIN
func onGameBegin(sc *StateContext) {
	if sc.CheckAbnormalEnd() {
		return
	}
	if sc.Ready(protocol.KindRoundBegin) {
		sc.Transition(protocol.StateRoundBegin, 0, 0)
		round := sc.NextRound()
		sc.Inject(protocol.KindRoundBegin, int32(round))
	}
}

// onRoundBegin 客户端加载中，等所有人发 CONTROL_START
func onRoundBegin(sc *StateContext) {
	if sc.CheckAbnormalEnd() {
		return
	}
	if sc.Ready(protocol.KindControlStart) {
		sc.Transition(protocol.StateControlStart, 0, 0)
		sc.Inject(protocol.KindControlStart, 0)
	}
}

// onControlStart 接收业务指令，等所有人发 ROUND_END
func onControlStart(sc *StateContext) {
	if sc.CheckAbnormalEnd() {
		return
	}
	if sc.Ready(protocol.KindRoundEnd) {
		sc.Transition(protocol.StateRoundEnd, 0, 0)
		sc.ClearRound()
		sc.Inject(protocol.KindRoundEnd, int32(sc.RoundID()))
	}
}

// onRoundEnd GAME_END 优先于下一回合的 ROUND_BEGIN
func onRoundEnd(sc *StateContext) {
	if sc.CheckAbnormalEnd() {
		return
	}
	if sc.Ready(protocol.KindGameEnd) {
		sc.Transition(protocol.StateGameEnd, int32(protocol.EndNormal), 0)
		sc.Inject(protocol.KindGameEnd, int32(protocol.EndNormal))
		return
	}
	if sc.Ready(protocol.KindRoundBegin) {
		sc.Transition(protocol.StateRoundBegin, 0, 0)
		round := sc.NextRound()
		sc.Inject(protocol.KindRoundBegin, int32(round))
	}
}

func onGameEnd(sc *StateContext) {
	sc.FireGameEnd()
}
