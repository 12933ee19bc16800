// fspbot 帧同步压测/联调机器人，按服务器的控制指令走完整局
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wfunc/fsp-server/internal/client"
	"github.com/wfunc/fsp-server/internal/codec"
	"github.com/wfunc/fsp-server/internal/config"
	"github.com/wfunc/fsp-server/internal/logger"
	"github.com/wfunc/fsp-server/internal/protocol"
	"github.com/wfunc/fsp-server/internal/transport"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "", "配置文件路径")
		sid        = flag.Uint("sid", 0, "会话ID，默认取配置 client.session_id")
		authID     = flag.Int("auth", 0, "鉴权token，默认取配置 client.auth_id")
		rounds     = flag.Uint("rounds", 3, "回合数")
		actions    = flag.Int("actions", 5, "每回合发送的业务指令数")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	log := logger.GetModuleLogger("fspbot")

	if *sid != 0 {
		cfg.Client.SessionID = uint16(*sid)
	}
	if *authID != 0 {
		cfg.Client.AuthID = int32(*authID)
	}

	c := client.New(newDialer(cfg, log), codec.NewProtoCodec(), log)
	c.SetSessionID(cfg.Client.SessionID)
	c.SetAuthInfo(cfg.Client.AuthID)

	var mu sync.Mutex
	b := newBot(uint32(*rounds), *actions)
	c.SetFrameListener(func(frame protocol.Frame) {
		mu.Lock()
		b.onFrame(frame)
		mu.Unlock()
	})

	if err := c.Connect(cfg.Client.Host, cfg.Client.Port); err != nil {
		log.Fatal("连接服务器失败", zap.Error(err))
	}
	defer c.Close()
	if err := c.VerifyAuth(); err != nil {
		log.Fatal("发送鉴权失败", zap.Error(err))
	}
	b.start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	interval := cfg.FSP.ToParam().ClientFrameInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			log.Info("收到退出信号", zap.String("signal", sig.String()))
			c.SendCommand(protocol.KindGameExit, 0, 0)
			return
		case <-ticker.C:
		}

		c.Tick()

		mu.Lock()
		kinds := b.next()
		frameID := b.clientFrame
		ended, reason := b.ended, b.endReason
		mu.Unlock()

		for _, kind := range kinds {
			if err := c.SendCommand(kind, 0, frameID); err != nil {
				log.Warn("发送指令失败", zap.Stringer("kind", kind), zap.Error(err))
				c.RequestReconnect()
				break
			}
		}
		if ended {
			log.Info("对局结束", zap.Stringer("reason", reason))
			logger.Sync()
			return
		}
	}
}

func newDialer(cfg *config.Config, log *zap.Logger) transport.Dialer {
	if cfg.Transport.Kind == "websocket" {
		return &transport.WSDialer{
			Path:         cfg.Transport.WSPath,
			WriteTimeout: cfg.Transport.WriteTimeout,
			Logger:       log,
		}
	}
	return &transport.UDPDialer{WriteTimeout: cfg.Transport.WriteTimeout, Logger: log}
}
