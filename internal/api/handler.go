package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/fsp-server/internal/errors"
	"github.com/wfunc/fsp-server/internal/game"
	"github.com/wfunc/fsp-server/internal/protocol"
	"github.com/wfunc/fsp-server/internal/room"
	"github.com/wfunc/fsp-server/internal/server"
	"go.uber.org/zap"
)

// Response 统一响应
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Details string      `json:"details,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// JoinRequest 加入房间请求
type JoinRequest struct {
	UserID     uint32 `json:"user_id" binding:"required"`
	Name       string `json:"name"`
	CustomData []byte `json:"custom_data"`
}

// ReadyRequest 准备状态请求
type ReadyRequest struct {
	Ready bool `json:"ready"`
}

// CustomParamRequest 自定义对局参数
type CustomParamRequest struct {
	Data []byte `json:"data"`
}

// RoomResponse 房间信息
type RoomResponse struct {
	ID           string            `json:"id"`
	Capacity     int               `json:"capacity"`
	CanStartGame bool              `json:"can_start_game"`
	Players      []room.PlayerInfo `json:"players"`
	CustomParam  []byte            `json:"custom_param,omitempty"`
}

// JoinResponse 加入房间结果，客户端用其中的地址和凭证连接帧同步服务
type JoinResponse struct {
	Player room.PlayerInfo `json:"player"`
	Host   string          `json:"host"`
	Port   int             `json:"port"`
}

// GameResponse 对局信息
type GameResponse struct {
	Running bool        `json:"running"`
	Game    interface{} `json:"game,omitempty"`
}

// Handler 管理接口处理器
type Handler struct {
	fsp    *server.Server
	logger *zap.Logger
}

// NewHandler 创建处理器
func NewHandler(fsp *server.Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{fsp: fsp, logger: logger}
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: 0, Message: "ok", Data: data})
}

func (h *Handler) fail(c *gin.Context, err error) {
	appErr, isApp := err.(*errors.AppError)
	if !isApp {
		appErr = errors.Wrap(err, errors.ErrUnknown)
	}
	h.logger.Debug("管理接口错误",
		zap.String("path", c.Request.URL.Path),
		zap.Error(appErr),
		zap.String("stack", appErr.GetStack()))
	c.JSON(appErr.HTTPStatus(), Response{
		Code:    int(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Details,
	})
}

func (h *Handler) userIDParam(c *gin.Context) (uint32, bool) {
	id, err := strconv.ParseUint(c.Param("user_id"), 10, 32)
	if err != nil || id == 0 {
		h.fail(c, errors.Newf(errors.ErrInvalidParam, "bad user_id %q", c.Param("user_id")))
		return 0, false
	}
	return uint32(id), true
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	if !h.fsp.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, Response{
			Code:    http.StatusServiceUnavailable,
			Message: "帧同步服务未运行",
		})
		return
	}
	ok(c, gin.H{
		"status":   "healthy",
		"uptime":   h.fsp.RealtimeSinceStartup().String(),
		"sessions": h.fsp.SessionCount(),
	})
}

// GetRoom 房间名单
func (h *Handler) GetRoom(c *gin.Context) {
	r := h.fsp.Room()
	ok(c, RoomResponse{
		ID:           r.ID(),
		Capacity:     r.Capacity(),
		CanStartGame: r.CanStartGame(),
		Players:      r.Players(),
		CustomParam:  r.CustomGameParam(),
	})
}

// SetCustomParam 设置自定义对局参数
func (h *Handler) SetCustomParam(c *gin.Context) {
	var req CustomParamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.Wrap(err, errors.ErrInvalidParam))
		return
	}
	h.fsp.Room().SetCustomGameParam(req.Data)
	ok(c, nil)
}

// JoinRoom 加入房间，分配会话ID和鉴权token
func (h *Handler) JoinRoom(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.Wrap(err, errors.ErrInvalidParam))
		return
	}

	info, err := h.fsp.Room().Join(req.UserID, req.Name, req.CustomData, c.ClientIP())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("玩家加入房间",
		zap.Uint32("user_id", info.UserID),
		zap.Uint32("player_id", info.ID),
		zap.Uint32("sid", info.SessionID))

	param := h.fsp.Param()
	ok(c, JoinResponse{Player: info, Host: param.Host, Port: param.Port})
}

// LeaveRoom 离开房间
func (h *Handler) LeaveRoom(c *gin.Context) {
	userID, valid := h.userIDParam(c)
	if !valid {
		return
	}
	if !h.fsp.Room().Leave(userID) {
		h.fail(c, errors.Newf(errors.ErrPlayerNotFound, "user %d", userID))
		return
	}
	ok(c, nil)
}

// SetReady 设置准备状态
func (h *Handler) SetReady(c *gin.Context) {
	userID, valid := h.userIDParam(c)
	if !valid {
		return
	}
	var req ReadyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.Wrap(err, errors.ErrInvalidParam))
		return
	}
	if !h.fsp.Room().SetReady(userID, req.Ready) {
		h.fail(c, errors.Newf(errors.ErrPlayerNotFound, "user %d", userID))
		return
	}
	ok(c, nil)
}

// GetGame 当前对局快照
func (h *Handler) GetGame(c *gin.Context) {
	resp := GameResponse{Running: h.fsp.IsRunning()}
	if g := h.fsp.Game(); g != nil {
		resp.Game = g.Snapshot()
	}
	ok(c, resp)
}

// StartGame 用房间名单开始新对局，所有人准备后才能开始
func (h *Handler) StartGame(c *gin.Context) {
	if !h.fsp.IsRunning() {
		h.fail(c, errors.New(errors.ErrGameNotStarted, "fsp server is not running"))
		return
	}
	if g := h.fsp.Game(); g != nil {
		if state := g.State(); state != protocol.StateNone && state != protocol.StateGameEnd {
			h.fail(c, errors.Newf(errors.ErrGameStateError, "game in progress (%s)", state))
			return
		}
	}

	r := h.fsp.Room()
	if !r.CanStartGame() {
		h.fail(c, errors.New(errors.ErrRoomNotReady))
		return
	}

	g := h.fsp.StartGame()
	h.watchGame(g, r)
	for _, p := range r.Players() {
		if err := g.AddPlayer(p.ID, p.SessionID, p.AuthToken); err != nil {
			h.fsp.StopGameIf(g)
			h.fail(c, err)
			return
		}
	}
	ok(c, g.Snapshot())
}

// watchGame 对局结束后停止对局并取消所有人的准备，玩家退出对局时移出房间
func (h *Handler) watchGame(g *game.Game, r *room.Room) {
	matchID := g.MatchID()
	g.SetOnGameEnd(func(reason protocol.EndReason) {
		h.logger.Info("对局结束",
			zap.String("match_id", matchID),
			zap.Stringer("reason", reason))
		h.fsp.StopGameIf(g)
		r.ResetReady()
	})
	g.SetOnGameExit(func(playerID uint32) {
		removed := r.RemovePlayer(playerID)
		h.logger.Info("玩家退出对局",
			zap.String("match_id", matchID),
			zap.Uint32("player_id", playerID),
			zap.Bool("removed", removed))
	})
}

// StopGame 停止当前对局
func (h *Handler) StopGame(c *gin.Context) {
	if h.fsp.Game() == nil {
		h.fail(c, errors.New(errors.ErrGameNotStarted))
		return
	}
	h.fsp.StopGame()
	ok(c, nil)
}
