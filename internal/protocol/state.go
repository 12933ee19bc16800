package protocol

import (
	"fmt"
	"time"
)

// MaxPlayerNum 单局玩家上限，受31位标记位宽度限制
const MaxPlayerNum = 31

// 默认帧同步参数
const (
	DefaultFrameInterval = 66 * time.Millisecond
	DefaultServerTimeout = 15 * time.Second
)

// GameState 对局状态
type GameState int

const (
	StateNone GameState = iota
	// StateCreate 只有该状态允许加入玩家，等待所有人发 GAME_BEGIN
	StateCreate
	// StateGameBegin 等待所有人发 ROUND_BEGIN
	StateGameBegin
	// StateRoundBegin 客户端加载资源中，等待所有人发 CONTROL_START
	StateRoundBegin
	// StateControlStart 接收业务指令，等待所有人发 ROUND_END
	StateControlStart
	// StateRoundEnd 等待 GAME_END 或下一回合的 ROUND_BEGIN
	StateRoundEnd
	// StateGameEnd 结束，不再接收指令
	StateGameEnd
)

var stateNames = [...]string{"None", "Create", "GameBegin", "RoundBegin", "ControlStart", "RoundEnd", "GameEnd"}

func (s GameState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("GameState(%d)", int(s))
}

// EndReason 对局结束原因
type EndReason int32

const (
	EndNormal       EndReason = 0 // 正常结束
	EndAllOtherExit EndReason = 1 // 其他人都主动退出了
	EndAllOtherLost EndReason = 2 // 其他人都掉线了
)

func (r EndReason) String() string {
	switch r {
	case EndNormal:
		return "Normal"
	case EndAllOtherExit:
		return "AllOtherExit"
	case EndAllOtherLost:
		return "AllOtherLost"
	default:
		return fmt.Sprintf("EndReason(%d)", int32(r))
	}
}

// Param 帧同步参数
type Param struct {
	Host                    string        `json:"host"`
	Port                    int           `json:"port"`
	ServerFrameInterval     time.Duration `json:"server_frame_interval"`
	ClientFrameRateMultiple int           `json:"client_frame_rate_multiple"` // 仅下发给客户端参考
	ServerTimeout           time.Duration `json:"server_timeout"`
	UseExternalTick         bool          `json:"use_external_tick"`
	MaxPlayers              int           `json:"max_players"`
}

// Normalize 填充默认值并把玩家上限限制在 1~31
func (p Param) Normalize() Param {
	if p.ServerFrameInterval <= 0 {
		p.ServerFrameInterval = DefaultFrameInterval
	}
	if p.ServerTimeout == 0 {
		p.ServerTimeout = DefaultServerTimeout
	}
	if p.ClientFrameRateMultiple <= 0 {
		p.ClientFrameRateMultiple = 1
	}
	if p.MaxPlayers <= 0 || p.MaxPlayers > MaxPlayerNum {
		p.MaxPlayers = MaxPlayerNum
	}
	return p
}

// Clone 复制参数
func (p Param) Clone() Param {
	return p
}

// ClientFrameInterval 客户端帧间隔，服务器帧间隔除以倍数
func (p Param) ClientFrameInterval() time.Duration {
	p = p.Normalize()
	return p.ServerFrameInterval / time.Duration(p.ClientFrameRateMultiple)
}
