package main

import (
	"github.com/wfunc/fsp-server/internal/protocol"
)

// bot 按服务器下发的控制指令推进一局，只记录下一步要发的指令
type bot struct {
	rounds      uint32
	actions     int
	clientFrame uint32

	inControl bool
	sent      int
	pending   []protocol.Kind
	ended     bool
	endReason protocol.EndReason
}

func newBot(rounds uint32, actions int) *bot {
	if rounds == 0 {
		rounds = 1
	}
	return &bot{rounds: rounds, actions: actions}
}

// start 鉴权后发 GAME_BEGIN
func (b *bot) start() {
	b.pending = append(b.pending, protocol.KindGameBegin)
}

// onFrame 处理一帧里服务器发出的控制指令
func (b *bot) onFrame(frame protocol.Frame) {
	b.clientFrame = frame.FrameID
	for _, cmd := range frame.Commands {
		if cmd.PlayerID != 0 {
			continue
		}
		switch cmd.Kind {
		case protocol.KindGameBegin:
			b.pending = append(b.pending, protocol.KindRoundBegin)
		case protocol.KindRoundBegin:
			b.pending = append(b.pending, protocol.KindControlStart)
		case protocol.KindControlStart:
			b.inControl = true
			b.sent = 0
		case protocol.KindRoundEnd:
			b.inControl = false
			if uint32(cmd.Arg(0)) >= b.rounds {
				b.pending = append(b.pending, protocol.KindGameEnd)
			} else {
				b.pending = append(b.pending, protocol.KindRoundBegin)
			}
		case protocol.KindGameEnd:
			b.ended = true
			b.endReason = protocol.EndReason(cmd.Arg(0))
		}
	}
}

// next 本次 Tick 要发出的指令
func (b *bot) next() []protocol.Kind {
	out := b.pending
	b.pending = nil
	if b.inControl {
		if b.sent < b.actions {
			b.sent++
			out = append(out, protocol.KindBusinessBase+protocol.Kind(b.sent%4))
		} else {
			b.inControl = false
			out = append(out, protocol.KindRoundEnd)
		}
	}
	return out
}
