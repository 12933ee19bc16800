package game

import (
	"sync"
	"time"

	"github.com/wfunc/fsp-server/internal/protocol"
)

// Player 对局中的一名玩家
// 收包路径只往队列里追加指令，对局状态只在帧循环里修改
type Player struct {
	id        uint32
	sid       uint32
	authToken int32
	timeout   time.Duration
	now       func() time.Time
	session   *Session

	// 以下字段只在帧循环里访问
	hasAuth      bool
	waitForExit  bool
	roundCmdRecv int

	mu          sync.Mutex
	lastContact time.Time
	queue       []protocol.Command
	disposed    bool
}

func newPlayer(id uint32, authToken int32, timeout time.Duration, session *Session, now func() time.Time) *Player {
	p := &Player{
		id:          id,
		sid:         session.ID(),
		authToken:   authToken,
		timeout:     timeout,
		now:         now,
		session:     session,
		lastContact: now(),
	}
	session.SetReceiveListener(p.onSessionReceive)
	return p
}

// ID 玩家ID，1~31
func (p *Player) ID() uint32 {
	return p.id
}

// SessionID 会话ID
func (p *Player) SessionID() uint32 {
	return p.sid
}

// HasAuth 是否已鉴权
func (p *Player) HasAuth() bool {
	return p.hasAuth
}

// WaitForExit 是否已请求退出，下一帧移除
func (p *Player) WaitForExit() bool {
	return p.waitForExit
}

func (p *Player) onSessionReceive(env *protocol.ClientEnvelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.lastContact = p.now()
	for _, cmd := range env.Commands {
		cmd.PlayerID = p.id
		p.queue = append(p.queue, cmd)
	}
}

// drain 取出收到的所有指令
func (p *Player) drain() []protocol.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmds := p.queue
	p.queue = nil
	return cmds
}

// SetAuth 校验加入时记录的token
func (p *Player) SetAuth(token int32) bool {
	p.hasAuth = token == p.authToken
	return p.hasAuth
}

// IsLost 距上次收包超过超时时间，超时不大于0时不检测
func (p *Player) IsLost(now time.Time) bool {
	if p.timeout <= 0 {
		return false
	}
	p.mu.Lock()
	last := p.lastContact
	p.mu.Unlock()
	return now.Sub(last) > p.timeout
}

// RoundCommandCount 本回合收到的指令数
func (p *Player) RoundCommandCount() int {
	return p.roundCmdRecv
}

// LastContact 最后收包时间
func (p *Player) LastContact() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastContact
}

// ClearRound 重置回合计数，不丢弃已收到的指令
func (p *Player) ClearRound() {
	p.roundCmdRecv = 0
}

// Dispose 解除与会话的绑定
func (p *Player) Dispose() {
	p.mu.Lock()
	p.disposed = true
	p.queue = nil
	p.mu.Unlock()
	if p.session != nil {
		p.session.SetReceiveListener(nil)
	}
}
