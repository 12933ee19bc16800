// Package room 对局开始前的房间名单
package room

import (
	"sync"

	"github.com/google/uuid"
	"github.com/wfunc/fsp-server/internal/errors"
	"github.com/wfunc/fsp-server/internal/protocol"
)

// PlayerInfo 房间内的一名玩家
type PlayerInfo struct {
	ID         uint32 `json:"id"`
	UserID     uint32 `json:"user_id"`
	Name       string `json:"name"`
	SessionID  uint32 `json:"sid"`
	AuthToken  int32  `json:"auth_token"`
	IsReady    bool   `json:"is_ready"`
	CustomData []byte `json:"custom_data,omitempty"`
	Address    string `json:"address,omitempty"`
}

// Room 房间名单，按加入顺序保存
type Room struct {
	id       string
	capacity int

	mu          sync.RWMutex
	players     []*PlayerInfo
	customParam []byte
}

// New 创建房间，capacity 不合法时取 31
func New(capacity int) *Room {
	if capacity <= 0 || capacity > protocol.MaxPlayerNum {
		capacity = protocol.MaxPlayerNum
	}
	return &Room{
		id:       uuid.New().String(),
		capacity: capacity,
	}
}

// ID 房间ID
func (r *Room) ID() string {
	return r.id
}

// Capacity 房间容量
func (r *Room) Capacity() int {
	return r.capacity
}

// Join 加入房间，已在房间内时保留位置并取消准备
func (r *Room) Join(userID uint32, name string, custom []byte, addr string) (PlayerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := r.find(userID)
	if info == nil {
		slot := r.freeSlot()
		if slot == 0 {
			return PlayerInfo{}, errors.Newf(errors.ErrRoomFull, "room %s is full", r.id)
		}
		info = &PlayerInfo{
			ID:        slot,
			UserID:    userID,
			SessionID: slot,
			AuthToken: int32(uuid.New().ID() & 0x7fffffff),
		}
		r.players = append(r.players, info)
	}
	info.Name = name
	info.CustomData = custom
	info.Address = addr
	info.IsReady = false
	return *info, nil
}

// Leave 离开房间
func (r *Room) Leave(userID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.players {
		if p.UserID == userID {
			r.players = append(r.players[:i], r.players[i+1:]...)
			return true
		}
	}
	return false
}

// RemovePlayer 按玩家ID移出房间
func (r *Room) RemovePlayer(playerID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.players {
		if p.ID == playerID {
			r.players = append(r.players[:i], r.players[i+1:]...)
			return true
		}
	}
	return false
}

// SetReady 设置准备状态，玩家不存在时返回false
func (r *Room) SetReady(userID uint32, ready bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := r.find(userID)
	if info == nil {
		return false
	}
	info.IsReady = ready
	return true
}

// Lookup 查找玩家
func (r *Room) Lookup(userID uint32) (PlayerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := r.find(userID)
	if info == nil {
		return PlayerInfo{}, false
	}
	return *info, true
}

// Players 名单副本
func (r *Room) Players() []PlayerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]PlayerInfo, 0, len(r.players))
	for _, p := range r.players {
		list = append(list, *p)
	}
	return list
}

// Addresses 所有玩家的地址
func (r *Room) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addrs := make([]string, 0, len(r.players))
	for _, p := range r.players {
		addrs = append(addrs, p.Address)
	}
	return addrs
}

// CanStartGame 多于1人且全部准备
func (r *Room) CanStartGame() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.players) <= 1 {
		return false
	}
	for _, p := range r.players {
		if !p.IsReady {
			return false
		}
	}
	return true
}

// SetCustomGameParam 设置自定义对局参数
func (r *Room) SetCustomGameParam(custom []byte) {
	r.mu.Lock()
	r.customParam = custom
	r.mu.Unlock()
}

// CustomGameParam 自定义对局参数
func (r *Room) CustomGameParam() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.customParam
}

// ResetReady 取消所有人的准备，一局结束后调用
func (r *Room) ResetReady() {
	r.mu.Lock()
	for _, p := range r.players {
		p.IsReady = false
	}
	r.mu.Unlock()
}

// Reset 清空名单
func (r *Room) Reset() {
	r.mu.Lock()
	r.players = nil
	r.customParam = nil
	r.mu.Unlock()
}

func (r *Room) find(userID uint32) *PlayerInfo {
	for _, p := range r.players {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// freeSlot 最小的空闲玩家ID，没有时返回0
func (r *Room) freeSlot() uint32 {
	if len(r.players) >= r.capacity {
		return 0
	}
	used := make(map[uint32]bool, len(r.players))
	for _, p := range r.players {
		used[p.ID] = true
	}
	for id := uint32(1); id <= protocol.MaxPlayerNum; id++ {
		if !used[id] {
			return id
		}
	}
	return 0
}
