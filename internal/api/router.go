// Package api 帧同步服务器的管理接口
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/fsp-server/internal/errors"
	"github.com/wfunc/fsp-server/internal/server"
	"go.uber.org/zap"
)

// Router 管理接口路由器
type Router struct {
	engine  *gin.Engine
	handler *Handler
	log     *zap.Logger
	srv     *http.Server
}

// NewRouter 创建路由器
func NewRouter(fsp *server.Server, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(log))

	router := &Router{
		engine:  engine,
		handler: NewHandler(fsp, log),
		log:     log,
	}
	router.setupRoutes()
	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.handler.Health)

	v1 := r.engine.Group("/api/v1")
	{
		room := v1.Group("/room")
		{
			room.GET("", r.handler.GetRoom)
			room.PUT("/custom", r.handler.SetCustomParam)
			room.POST("/players", r.handler.JoinRoom)
			room.DELETE("/players/:user_id", r.handler.LeaveRoom)
			room.PUT("/players/:user_id/ready", r.handler.SetReady)
		}

		game := v1.Group("/game")
		{
			game.GET("", r.handler.GetGame)
			game.POST("/start", r.handler.StartGame)
			game.POST("/stop", r.handler.StopGame)
		}
	}

	r.engine.NoRoute(func(c *gin.Context) {
		r.handler.fail(c, errors.New(errors.ErrNotFound, c.Request.URL.Path))
	})
}

// requestLogger 用zap记录请求
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("管理接口请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Run 在后台启动HTTP服务
func (r *Router) Run(addr string) {
	r.srv = &http.Server{
		Addr:              addr,
		Handler:           r.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		r.log.Info("管理接口已启动", zap.String("address", addr))
		if err := r.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.log.Error("管理接口异常退出", zap.Error(err))
		}
	}()
}

// Shutdown 关闭HTTP服务
func (r *Router) Shutdown(ctx context.Context) error {
	if r.srv == nil {
		return nil
	}
	return r.srv.Shutdown(ctx)
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
