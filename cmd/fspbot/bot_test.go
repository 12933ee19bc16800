package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wfunc/fsp-server/internal/protocol"
)

func serverFrame(id uint32, kind protocol.Kind, arg int32) protocol.Frame {
	return protocol.Frame{FrameID: id, Commands: []protocol.Command{protocol.NewServerCommand(kind, arg)}}
}

func TestBotPlaysRounds(t *testing.T) {
	b := newBot(2, 2)
	b.start()
	assert.Equal(t, []protocol.Kind{protocol.KindGameBegin}, b.next())
	assert.Empty(t, b.next())

	b.onFrame(serverFrame(1, protocol.KindGameBegin, 0))
	assert.Equal(t, []protocol.Kind{protocol.KindRoundBegin}, b.next())

	for round := int32(1); round <= 2; round++ {
		b.onFrame(serverFrame(1, protocol.KindRoundBegin, round))
		assert.Equal(t, []protocol.Kind{protocol.KindControlStart}, b.next())

		b.onFrame(serverFrame(1, protocol.KindControlStart, 0))
		assert.Equal(t, []protocol.Kind{protocol.KindBusinessBase + 1}, b.next())
		assert.Equal(t, []protocol.Kind{protocol.KindBusinessBase + 2}, b.next())
		assert.Equal(t, []protocol.Kind{protocol.KindRoundEnd}, b.next())
		assert.Empty(t, b.next())

		b.onFrame(serverFrame(1, protocol.KindRoundEnd, round))
		if round < 2 {
			assert.Equal(t, []protocol.Kind{protocol.KindRoundBegin}, b.next())
		} else {
			assert.Equal(t, []protocol.Kind{protocol.KindGameEnd}, b.next())
		}
	}

	b.onFrame(serverFrame(1, protocol.KindGameEnd, int32(protocol.EndNormal)))
	assert.True(t, b.ended)
	assert.Equal(t, protocol.EndNormal, b.endReason)
}

func TestBotIgnoresPlayerCommands(t *testing.T) {
	b := newBot(1, 0)
	b.onFrame(protocol.Frame{FrameID: 3, Commands: []protocol.Command{
		{Kind: protocol.KindGameEnd, PlayerID: 2},
		{Kind: protocol.KindBusinessBase, PlayerID: 2},
	}})
	assert.False(t, b.ended)
	assert.Empty(t, b.next())
	assert.Equal(t, uint32(3), b.clientFrame)
}

func TestBotAbnormalEnd(t *testing.T) {
	b := newBot(3, 1)
	b.onFrame(serverFrame(1, protocol.KindControlStart, 0))
	b.onFrame(serverFrame(2, protocol.KindGameEnd, int32(protocol.EndAllOtherLost)))
	assert.True(t, b.ended)
	assert.Equal(t, protocol.EndAllOtherLost, b.endReason)
}
