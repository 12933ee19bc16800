package protocol

import "fmt"

// Kind 指令类型（VKey）
type Kind int32

// 控制指令，业务指令从 KindBusinessBase 开始
const (
	KindNone         Kind = 0
	KindAuth         Kind = 1
	KindGameBegin    Kind = 2
	KindRoundBegin   Kind = 3
	KindControlStart Kind = 4
	KindRoundEnd     Kind = 5
	KindGameEnd      Kind = 6
	KindGameExit     Kind = 7

	KindBusinessBase Kind = 100
)

var kindNames = map[Kind]string{
	KindNone:         "NONE",
	KindAuth:         "AUTH",
	KindGameBegin:    "GAME_BEGIN",
	KindRoundBegin:   "ROUND_BEGIN",
	KindControlStart: "CONTROL_START",
	KindRoundEnd:     "ROUND_END",
	KindGameEnd:      "GAME_END",
	KindGameExit:     "GAME_EXIT",
}

// IsControl 是否为协议保留的控制指令
func (k Kind) IsControl() bool {
	return k >= KindNone && k < KindBusinessBase
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("VKEY_%d", int32(k))
}

// Command 一条指令
type Command struct {
	Kind          Kind    `json:"kind"`
	Args          []int32 `json:"args,omitempty"`
	ClientFrameID uint32  `json:"client_frame_id"`
	PlayerID      uint32  `json:"player_id"` // 0 表示服务器发出
}

// NewServerCommand 构造服务器发出的控制指令
func NewServerCommand(kind Kind, arg int32) Command {
	return Command{Kind: kind, Args: []int32{arg}}
}

// Arg 取第i个参数，越界返回0
func (c Command) Arg(i int) int32 {
	if i < 0 || i >= len(c.Args) {
		return 0
	}
	return c.Args[i]
}

// ClientEnvelope 客户端到服务器的数据包
type ClientEnvelope struct {
	SessionID uint16
	Commands  []Command
}

// ServerEnvelope 服务器到客户端的数据包
type ServerEnvelope struct {
	Frames []Frame
}
