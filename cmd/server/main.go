package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/fsp-server/internal/api"
	"github.com/wfunc/fsp-server/internal/codec"
	"github.com/wfunc/fsp-server/internal/config"
	"github.com/wfunc/fsp-server/internal/errors"
	"github.com/wfunc/fsp-server/internal/logger"
	"github.com/wfunc/fsp-server/internal/protocol"
	"github.com/wfunc/fsp-server/internal/server"
	"github.com/wfunc/fsp-server/internal/transport"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// App 进程内的各个组件
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	fsp    *server.Server
	router *api.Router

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}
	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	app := NewApp(cfg)
	if err := app.Start(); err != nil {
		logger.Fatal("服务器启动失败", zap.Error(err))
	}

	app.WaitForShutdown()

	if err := app.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("服务器已安全关闭")
}

// NewApp 创建应用
func NewApp(cfg *config.Config) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		cfg:    cfg,
		logger: logger.GetLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动帧同步服务和管理接口
func (a *App) Start() error {
	a.logger.Info("正在启动帧同步服务器...",
		zap.String("version", Version),
		zap.String("mode", a.cfg.Server.Mode),
		zap.String("transport", a.cfg.Transport.Kind))

	listener, err := newListener(&a.cfg.Transport, logger.GetModuleLogger("transport"))
	if err != nil {
		return err
	}

	a.fsp = server.New(serverParam(a.cfg), listener, codec.NewProtoCodec(), logger.GetModuleLogger("fsp"))
	if err := a.fsp.Start(a.ctx); err != nil {
		return errors.Wrap(err, errors.ErrTransportBind, "启动帧同步服务失败")
	}

	if a.cfg.Admin.Enabled {
		if a.cfg.Server.Mode == "production" {
			gin.SetMode(gin.ReleaseMode)
		}
		a.router = api.NewRouter(a.fsp, logger.GetModuleLogger("api"))
		a.router.Run(net.JoinHostPort(a.cfg.Admin.Host, strconv.Itoa(a.cfg.Admin.Port)))
	}

	config.Watch(func(newCfg *config.Config) {
		a.logger.Info("配置已更新，正在重新加载...")
		a.reloadConfig(newCfg)
	})

	a.logger.Info("服务器启动成功", zap.Stringer("fsp", a.fsp.LocalAddr()))
	return nil
}

// WaitForShutdown 等待关闭信号
func (a *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	sig := <-sigCh
	a.logger.Info("收到退出信号", zap.String("signal", sig.String()))
}

// Shutdown 优雅关闭
func (a *App) Shutdown() error {
	a.logger.Info("正在优雅关闭服务器...")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.router != nil {
		if err := a.router.Shutdown(ctx); err != nil {
			a.logger.Warn("关闭管理接口失败", zap.Error(err))
		}
	}

	a.cancel()
	done := make(chan error, 1)
	go func() {
		done <- a.fsp.Close()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		a.logger.Warn("关闭超时，强制退出")
		err = errors.New(errors.ErrTimeout, "关闭超时")
	}

	if syncErr := logger.Sync(); syncErr != nil {
		fmt.Printf("同步日志失败: %v\n", syncErr)
	}
	return err
}

// reloadConfig 热更新日志级别和帧同步参数，新参数从下一局开始生效
func (a *App) reloadConfig(newCfg *config.Config) {
	a.cfg = newCfg
	logger.SetLevel(newCfg.Log.Level)
	a.fsp.SetParam(serverParam(newCfg))
	a.logger.Info("配置重新加载完成")
}

func serverParam(cfg *config.Config) protocol.Param {
	param := cfg.FSP.ToParam()
	param.Host = cfg.Server.Host
	param.Port = cfg.Server.Port
	return param
}

func newListener(cfg *config.TransportConfig, log *zap.Logger) (transport.Listener, error) {
	switch cfg.Kind {
	case "udp":
		return transport.NewUDPListener(cfg.WriteTimeout, log), nil
	case "websocket":
		return transport.NewWSListener(transport.WSOptions{
			Path:            cfg.WSPath,
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			WriteTimeout:    cfg.WriteTimeout,
		}, log), nil
	default:
		return nil, errors.Newf(errors.ErrConfigValidate, "未知的传输层类型: %s", cfg.Kind)
	}
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("帧同步服务器\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("帧同步服务器")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  fsp-server [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  FSP_SERVER_PORT              帧同步端口")
	fmt.Println("  FSP_FSP_SERVER_FRAME_INTERVAL 帧间隔")
	fmt.Println("  FSP_LOG_LEVEL                日志级别")
}
