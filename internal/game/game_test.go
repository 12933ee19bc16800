package game

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/wfunc/fsp-server/internal/codec"
	"github.com/wfunc/fsp-server/internal/errors"
	"github.com/wfunc/fsp-server/internal/protocol"
	"github.com/wfunc/fsp-server/internal/transport"
)

type fakeListener struct {
	mu     sync.Mutex
	sent   map[string][][]byte
	closed []string
}

func newFakeListener() *fakeListener {
	return &fakeListener{sent: make(map[string][][]byte)}
}

func (l *fakeListener) Listen(string, transport.Handler) error { return nil }

func (l *fakeListener) SendTo(data []byte, to net.Addr) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent[to.String()] = append(l.sent[to.String()], data)
	return nil
}

func (l *fakeListener) ClosePeer(to net.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, to.String())
}

func (l *fakeListener) Update()             {}
func (l *fakeListener) LocalAddr() net.Addr { return nil }
func (l *fakeListener) Close() error        { return nil }

type fakeRegistry struct {
	listener *fakeListener
	codec    codec.Codec
	sessions map[uint32]*Session
}

// AddSession 和服务器一样，已存在时返回同一个会话
func (r *fakeRegistry) AddSession(sid uint32) *Session {
	if s, ok := r.sessions[sid]; ok {
		return s
	}
	s := NewSession(sid, r.listener, r.codec, nil)
	r.sessions[sid] = s
	return s
}

func (r *fakeRegistry) DelSession(sid uint32) {
	if s, ok := r.sessions[sid]; ok {
		s.Close()
		delete(r.sessions, sid)
	}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type GameTestSuite struct {
	suite.Suite
	clock    *manualClock
	listener *fakeListener
	codec    *codec.ProtoCodec
	registry *fakeRegistry
	game     *Game

	states []protocol.GameState
	exits  []uint32
	ends   []protocol.EndReason
}

func (s *GameTestSuite) SetupTest() {
	s.clock = &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.listener = newFakeListener()
	s.codec = codec.NewProtoCodec()
	s.registry = &fakeRegistry{listener: s.listener, codec: s.codec, sessions: make(map[uint32]*Session)}
	s.states = nil
	s.exits = nil
	s.ends = nil
	s.newGame(protocol.Param{ServerTimeout: 15 * time.Second})
}

func (s *GameTestSuite) newGame(param protocol.Param, opts ...Option) {
	opts = append([]Option{WithClock(s.clock.Now), WithMatchID("test-match")}, opts...)
	s.game = NewGame(param, s.registry, opts...)
	s.game.SetOnStateChange(func(from, to protocol.GameState) {
		s.states = append(s.states, to)
	})
	s.game.SetOnGameExit(func(id uint32) {
		s.exits = append(s.exits, id)
	})
	s.game.SetOnGameEnd(func(reason protocol.EndReason) {
		s.ends = append(s.ends, reason)
	})
	s.game.Create()
}

func token(id uint32) int32 {
	return int32(id*1000 + 7)
}

func addrOf(id uint32) net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 20000 + int(id)}
}

func (s *GameTestSuite) join(ids ...uint32) {
	for _, id := range ids {
		s.Require().NoError(s.game.AddPlayer(id, id, token(id)))
		s.registry.sessions[id].UpdateAddress(addrOf(id))
	}
}

func (s *GameTestSuite) push(id uint32, cmds ...protocol.Command) {
	session, ok := s.registry.sessions[id]
	s.Require().True(ok, "no session for %d", id)
	session.Receive(&protocol.ClientEnvelope{SessionID: uint16(id), Commands: cmds})
}

func (s *GameTestSuite) auth(ids ...uint32) {
	for _, id := range ids {
		s.push(id, protocol.Command{Kind: protocol.KindAuth, Args: []int32{token(id)}})
	}
	s.game.EnterFrame()
}

func (s *GameTestSuite) signal(kind protocol.Kind, ids ...uint32) {
	for _, id := range ids {
		s.push(id, protocol.Command{Kind: kind})
	}
	s.game.EnterFrame()
}

func biz(n int32) protocol.Command {
	return protocol.Command{Kind: protocol.KindBusinessBase, Args: []int32{n}}
}

// framesFor 解码发给某个玩家的所有帧
func (s *GameTestSuite) framesFor(id uint32) []protocol.Frame {
	s.listener.mu.Lock()
	raw := append([][]byte(nil), s.listener.sent[addrOf(id).String()]...)
	s.listener.mu.Unlock()

	var frames []protocol.Frame
	for _, data := range raw {
		env, err := s.codec.DecodeServer(data)
		s.Require().NoError(err)
		frames = append(frames, env.Frames...)
	}
	return frames
}

func (s *GameTestSuite) commandsFor(id uint32) []protocol.Command {
	var cmds []protocol.Command
	for _, f := range s.framesFor(id) {
		cmds = append(cmds, f.Commands...)
	}
	return cmds
}

func (s *GameTestSuite) toControlStart(ids ...uint32) {
	s.join(ids...)
	s.auth(ids...)
	s.signal(protocol.KindGameBegin, ids...)
	s.signal(protocol.KindRoundBegin, ids...)
	s.signal(protocol.KindControlStart, ids...)
	s.Require().Equal(protocol.StateControlStart, s.game.State())
}

func (s *GameTestSuite) TestScenarioNormalGame() {
	s.join(1, 2)
	s.auth(1, 2)

	s.signal(protocol.KindGameBegin, 1, 2)
	s.Equal(protocol.StateGameBegin, s.game.State())
	s.signal(protocol.KindRoundBegin, 1, 2)
	s.Equal(protocol.StateRoundBegin, s.game.State())
	s.Equal(uint32(1), s.game.RoundID())
	s.signal(protocol.KindControlStart, 1, 2)
	s.Equal(protocol.StateControlStart, s.game.State())
	s.signal(protocol.KindRoundEnd, 1, 2)
	s.Equal(protocol.StateRoundEnd, s.game.State())
	s.signal(protocol.KindGameEnd, 1, 2)
	s.Equal(protocol.StateGameEnd, s.game.State())
	s.Equal(int32(protocol.EndNormal), s.game.StateParam1())

	s.Equal([]protocol.GameState{
		protocol.StateCreate,
		protocol.StateGameBegin,
		protocol.StateRoundBegin,
		protocol.StateControlStart,
		protocol.StateRoundEnd,
		protocol.StateGameEnd,
	}, s.states)
	s.Equal(uint32(1), s.game.RoundID())

	s.game.EnterFrame()
	s.game.EnterFrame()
	s.Equal([]protocol.EndReason{protocol.EndNormal}, s.ends)

	var kinds []protocol.Kind
	for _, cmd := range s.commandsFor(1) {
		s.Equal(uint32(0), cmd.PlayerID)
		kinds = append(kinds, cmd.Kind)
	}
	s.Equal([]protocol.Kind{
		protocol.KindGameBegin,
		protocol.KindRoundBegin,
		protocol.KindControlStart,
		protocol.KindRoundEnd,
		protocol.KindGameEnd,
	}, kinds)
}

func (s *GameTestSuite) TestScenarioExplicitExitKeepsGameRunning() {
	s.toControlStart(1, 2, 3)

	s.push(2, protocol.Command{Kind: protocol.KindGameExit})
	s.game.EnterFrame()

	frames := s.framesFor(1)
	last := frames[len(frames)-1]
	s.Require().Len(last.Commands, 1)
	s.Equal(protocol.KindGameExit, last.Commands[0].Kind)
	s.Equal(uint32(2), last.Commands[0].PlayerID)
	s.Equal([]uint32{2}, s.exits)
	s.Equal([]uint32{1, 3}, s.game.PlayerIDs())

	s.game.EnterFrame()
	_, ok := s.registry.sessions[2]
	s.False(ok)
	s.Contains(s.listener.closed, addrOf(2).String())
	s.Equal(protocol.StateControlStart, s.game.State())

	s.push(1, biz(5))
	s.push(3, biz(6))
	s.game.EnterFrame()
	frames = s.framesFor(3)
	last = frames[len(frames)-1]
	s.Require().Len(last.Commands, 2)
	s.Equal(uint32(1), last.Commands[0].PlayerID)
	s.Equal(uint32(3), last.Commands[1].PlayerID)
}

func (s *GameTestSuite) TestScenarioTimeoutEndsGame() {
	s.toControlStart(1, 2)

	s.clock.Advance(16 * time.Second)
	s.push(1, biz(1))
	s.game.EnterFrame()

	s.Equal(protocol.StateGameEnd, s.game.State())
	s.Equal(int32(protocol.EndAllOtherLost), s.game.StateParam1())
	s.Equal([]uint32{1}, s.game.PlayerIDs())

	cmds := s.commandsFor(1)
	lastCmd := cmds[len(cmds)-1]
	s.Equal(protocol.KindGameEnd, lastCmd.Kind)
	s.Equal(int32(protocol.EndAllOtherLost), lastCmd.Arg(0))

	s.game.EnterFrame()
	s.game.EnterFrame()
	s.Equal([]protocol.EndReason{protocol.EndAllOtherLost}, s.ends)
}

func (s *GameTestSuite) TestExitDownToOnePlayerEndsGame() {
	s.toControlStart(1, 2)

	s.push(2, protocol.Command{Kind: protocol.KindGameExit})
	s.game.EnterFrame()
	s.Equal(protocol.StateControlStart, s.game.State())

	s.game.EnterFrame()
	s.Equal(protocol.StateGameEnd, s.game.State())
	s.Equal(int32(protocol.EndAllOtherExit), s.game.StateParam1())
}

// 超时玩家被移除后，剩下的玩家已经全部确认，同一帧进入回合结束
func (s *GameTestSuite) TestTimeoutPrunesOneOfThreeAndRoundEnds() {
	s.toControlStart(1, 2, 3)

	s.clock.Advance(16 * time.Second)
	s.push(1, protocol.Command{Kind: protocol.KindRoundEnd})
	s.push(3, protocol.Command{Kind: protocol.KindRoundEnd})
	s.game.EnterFrame()

	s.Equal(protocol.StateRoundEnd, s.game.State())
	s.Equal([]uint32{1, 3}, s.game.PlayerIDs())
	s.Empty(s.ends)
	_, ok := s.registry.sessions[2]
	s.False(ok)
	s.Contains(s.listener.closed, addrOf(2).String())

	for _, id := range []uint32{1, 3} {
		cmds := s.commandsFor(id)
		lastCmd := cmds[len(cmds)-1]
		s.Equal(protocol.KindRoundEnd, lastCmd.Kind)
		s.Equal(int32(1), lastCmd.Arg(0))
	}

	s.signal(protocol.KindRoundBegin, 1, 3)
	s.Equal(protocol.StateRoundBegin, s.game.State())
	s.Equal(uint32(2), s.game.RoundID())
}

// reach 两名玩家推进到指定状态
func (s *GameTestSuite) reach(state protocol.GameState) {
	s.join(1, 2)
	s.auth(1, 2)
	steps := map[protocol.GameState][]protocol.Kind{
		protocol.StateGameBegin:  {protocol.KindGameBegin},
		protocol.StateRoundBegin: {protocol.KindGameBegin, protocol.KindRoundBegin},
		protocol.StateRoundEnd: {
			protocol.KindGameBegin,
			protocol.KindRoundBegin,
			protocol.KindControlStart,
			protocol.KindRoundEnd,
		},
	}
	for _, kind := range steps[state] {
		s.signal(kind, 1, 2)
	}
	s.Require().Equal(state, s.game.State())
}

func (s *GameTestSuite) assertEndedWith(reason protocol.EndReason) {
	s.Equal(protocol.StateGameEnd, s.game.State())
	s.Equal(int32(reason), s.game.StateParam1())

	cmds := s.commandsFor(1)
	lastCmd := cmds[len(cmds)-1]
	s.Equal(protocol.KindGameEnd, lastCmd.Kind)
	s.Equal(int32(reason), lastCmd.Arg(0))

	s.game.EnterFrame()
	s.Equal([]protocol.EndReason{reason}, s.ends)
}

func (s *GameTestSuite) TestAbnormalEndOutsideControlStart() {
	states := []protocol.GameState{
		protocol.StateGameBegin,
		protocol.StateRoundBegin,
		protocol.StateRoundEnd,
	}
	for _, state := range states {
		s.Run(state.String()+"/exit", func() {
			s.SetupTest()
			s.reach(state)

			s.push(2, protocol.Command{Kind: protocol.KindGameExit})
			s.game.EnterFrame()
			s.Equal(state, s.game.State())
			s.Equal([]uint32{1}, s.game.PlayerIDs())

			s.game.EnterFrame()
			s.assertEndedWith(protocol.EndAllOtherExit)
		})
		s.Run(state.String()+"/lost", func() {
			s.SetupTest()
			s.reach(state)

			s.clock.Advance(16 * time.Second)
			s.push(1, biz(1))
			s.game.EnterFrame()
			s.Equal([]uint32{1}, s.game.PlayerIDs())
			s.assertEndedWith(protocol.EndAllOtherLost)
		})
	}
}

func (s *GameTestSuite) TestNoTimeoutWithinThreshold() {
	s.toControlStart(1, 2)

	s.clock.Advance(15 * time.Second)
	s.game.EnterFrame()
	s.Equal(protocol.StateControlStart, s.game.State())
}

func (s *GameTestSuite) TestFlagFullRegardlessOfOrder() {
	s.join(1, 2, 3)
	s.auth(1, 2, 3)

	s.signal(protocol.KindGameBegin, 3, 1)
	s.Equal(protocol.StateCreate, s.game.State())
	s.Equal(uint32(0b101), s.game.Flag(protocol.KindGameBegin))

	s.signal(protocol.KindGameBegin, 3)
	s.Equal(uint32(0b101), s.game.Flag(protocol.KindGameBegin))
	s.Equal(protocol.StateCreate, s.game.State())

	s.True(s.game.IsFlagFull(0b111))
	s.False(s.game.IsFlagFull(0b011))

	s.signal(protocol.KindGameBegin, 2)
	s.Equal(protocol.StateGameBegin, s.game.State())
}

func (s *GameTestSuite) TestSoloPlayerNeverProgresses() {
	s.join(1)
	s.auth(1)

	for i := 0; i < 5; i++ {
		s.signal(protocol.KindGameBegin, 1)
	}
	s.Equal(protocol.StateCreate, s.game.State())
	s.False(s.game.IsFlagFull(0x7fffffff))
}

func (s *GameTestSuite) TestRoundIDIncrementsAcrossRounds() {
	s.toControlStart(1, 2)
	s.Equal(uint32(1), s.game.RoundID())

	s.signal(protocol.KindRoundEnd, 1, 2)
	s.signal(protocol.KindRoundBegin, 1, 2)
	s.Equal(protocol.StateRoundBegin, s.game.State())
	s.Equal(uint32(2), s.game.RoundID())

	cmds := s.commandsFor(2)
	lastCmd := cmds[len(cmds)-1]
	s.Equal(protocol.KindRoundBegin, lastCmd.Kind)
	s.Equal(int32(2), lastCmd.Arg(0))
}

func (s *GameTestSuite) TestGameEndHasPriorityOverRoundBegin() {
	s.toControlStart(1, 2)
	s.signal(protocol.KindRoundEnd, 1, 2)

	for _, id := range []uint32{1, 2} {
		s.push(id, protocol.Command{Kind: protocol.KindRoundBegin}, protocol.Command{Kind: protocol.KindGameEnd})
	}
	s.game.EnterFrame()
	s.Equal(protocol.StateGameEnd, s.game.State())
	s.Equal(uint32(1), s.game.RoundID())
}

func (s *GameTestSuite) TestJoinRules() {
	s.newGame(protocol.Param{MaxPlayers: 2})
	s.join(1, 2)

	err := s.game.AddPlayer(3, 3, 0)
	s.True(errors.Is(err, errors.ErrRoomFull))

	err = s.game.AddPlayer(32, 32, 0)
	s.True(errors.Is(err, errors.ErrInvalidParam))
	err = s.game.AddPlayer(0, 9, 0)
	s.True(errors.Is(err, errors.ErrInvalidParam))

	// 同ID重新加入替换旧会话
	s.Require().NoError(s.game.AddPlayer(2, 12, token(2)))
	_, ok := s.registry.sessions[2]
	s.False(ok)
	s.Equal([]uint32{1, 2}, s.game.PlayerIDs())
	s.Contains(s.registry.sessions, uint32(12))
}

func (s *GameTestSuite) TestJoinRejectsSessionHeldByOtherPlayer() {
	s.Require().NoError(s.game.AddPlayer(1, 7, 11))
	err := s.game.AddPlayer(2, 7, 22)
	s.True(errors.Is(err, errors.ErrAlreadyExists))
	s.Equal([]uint32{1}, s.game.PlayerIDs())

	// 会话7仍然属于玩家1
	s.push(7, protocol.Command{Kind: protocol.KindAuth, Args: []int32{11}})
	s.game.EnterFrame()
	snap := s.game.Snapshot()
	s.Require().Len(snap.Players, 1)
	s.Equal(uint32(7), snap.Players[0].SessionID)
	s.True(snap.Players[0].HasAuth)

	// 玩家1换到同一个会话重新加入仍然允许
	s.Require().NoError(s.game.AddPlayer(1, 7, 11))
	s.Require().NoError(s.game.AddPlayer(2, 8, 22))
	s.Equal([]uint32{1, 2}, s.game.PlayerIDs())
}

func (s *GameTestSuite) TestJoinCapIs31() {
	for id := uint32(1); id <= protocol.MaxPlayerNum; id++ {
		s.Require().NoError(s.game.AddPlayer(id, id, 0))
	}
	s.Equal(protocol.MaxPlayerNum, s.game.PlayerCount())
	s.True(errors.Is(s.game.AddPlayer(32, 32, 0), errors.ErrInvalidParam))
}

func (s *GameTestSuite) TestJoinOnlyInCreate() {
	s.join(1, 2)
	s.auth(1, 2)
	s.signal(protocol.KindGameBegin, 1, 2)

	err := s.game.AddPlayer(3, 3, 0)
	s.True(errors.Is(err, errors.ErrGameStateError))

	g := NewGame(protocol.Param{}, s.registry)
	s.True(errors.Is(g.AddPlayer(1, 1, 0), errors.ErrGameStateError))
}

func (s *GameTestSuite) TestAuthGate() {
	s.join(1, 2)

	// 错误的token
	s.push(1, protocol.Command{Kind: protocol.KindAuth, Args: []int32{token(1) + 1}})
	s.push(1, protocol.Command{Kind: protocol.KindGameBegin})
	s.game.EnterFrame()
	s.Equal(uint32(0), s.game.Flag(protocol.KindGameBegin))

	s.auth(1)
	s.signal(protocol.KindGameBegin, 1, 2)
	s.Equal(uint32(0b1), s.game.Flag(protocol.KindGameBegin))
	s.Equal(protocol.StateCreate, s.game.State())
}

func (s *GameTestSuite) TestUnauthenticatedBusinessDropped() {
	s.join(1, 2)
	s.auth(1)

	s.game.mu.Lock()
	s.game.state = protocol.StateControlStart
	s.game.mu.Unlock()

	s.push(2, biz(42))
	s.push(1, biz(7))
	s.game.EnterFrame()

	cmds := s.commandsFor(1)
	s.Require().Len(cmds, 1)
	s.Equal(uint32(1), cmds[0].PlayerID)
	s.Equal(int32(7), cmds[0].Arg(0))
}

func (s *GameTestSuite) TestBusinessDroppedOutsideControlStart() {
	s.join(1, 2)
	s.auth(1, 2)
	s.signal(protocol.KindGameBegin, 1, 2)

	s.push(1, biz(1))
	s.game.EnterFrame()

	for _, cmd := range s.commandsFor(1) {
		s.NotEqual(protocol.KindBusinessBase, cmd.Kind)
	}
}

func (s *GameTestSuite) TestControlStartBroadcastsEveryTick() {
	s.toControlStart(1, 2)
	before := len(s.framesFor(1))
	id := s.game.FrameID()

	s.game.EnterFrame()
	s.game.EnterFrame()

	frames := s.framesFor(1)
	s.Len(frames, before+2)
	s.Empty(frames[len(frames)-1].Commands)
	s.Equal(id+2, s.game.FrameID())
	s.Equal(id+2, frames[len(frames)-1].FrameID)
}

func (s *GameTestSuite) TestRoundEndFlushesPendingCommands() {
	s.toControlStart(1, 2)

	s.push(1, biz(9), protocol.Command{Kind: protocol.KindRoundEnd})
	s.push(2, protocol.Command{Kind: protocol.KindRoundEnd})
	s.game.EnterFrame()
	s.Equal(protocol.StateRoundEnd, s.game.State())

	frames := s.framesFor(2)
	s.Require().GreaterOrEqual(len(frames), 2)
	flushed := frames[len(frames)-2]
	s.Require().Len(flushed.Commands, 1)
	s.Equal(int32(9), flushed.Commands[0].Arg(0))

	last := frames[len(frames)-1]
	s.Equal(uint32(1), last.FrameID)
	s.Equal(protocol.KindRoundEnd, last.Commands[0].Kind)
	s.Equal(uint32(1), s.game.FrameID())
}

func (s *GameTestSuite) TestDisposeFromCallback() {
	s.game.SetOnGameEnd(func(reason protocol.EndReason) {
		s.ends = append(s.ends, reason)
		s.game.Dispose()
	})
	s.toControlStart(1, 2)
	s.signal(protocol.KindRoundEnd, 1, 2)
	s.signal(protocol.KindGameEnd, 1, 2)
	s.game.EnterFrame()

	s.Equal([]protocol.EndReason{protocol.EndNormal}, s.ends)
	s.Equal(protocol.StateNone, s.game.State())
	s.Empty(s.registry.sessions)
	s.Zero(s.game.PlayerCount())

	s.NotPanics(func() { s.game.EnterFrame() })
}

func (s *GameTestSuite) TestCustomStateHandler() {
	calls := 0
	s.newGame(protocol.Param{}, WithStateHandler(protocol.StateCreate, func(sc *StateContext) {
		calls++
		if sc.PlayerCount() == 1 {
			sc.Transition(protocol.StateGameBegin, 0, 0)
			sc.Inject(protocol.KindGameBegin, 0)
		}
	}))
	s.join(1)
	s.game.EnterFrame()

	s.Equal(1, calls)
	s.Equal(protocol.StateGameBegin, s.game.State())
	s.Equal(protocol.KindGameBegin, s.commandsFor(1)[0].Kind)
}

func (s *GameTestSuite) TestSnapshot() {
	s.join(1, 2)
	s.auth(1)

	snap := s.game.Snapshot()
	s.Equal("test-match", snap.MatchID)
	s.Equal("Create", snap.State)
	s.Require().Len(snap.Players, 2)
	s.True(snap.Players[0].HasAuth)
	s.False(snap.Players[1].HasAuth)
	s.Equal(addrOf(1).String(), snap.Players[0].Addr)
}

func TestGameTestSuite(t *testing.T) {
	suite.Run(t, new(GameTestSuite))
}
