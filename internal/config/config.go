package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/wfunc/fsp-server/internal/errors"
	"github.com/wfunc/fsp-server/internal/protocol"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	FSP       FSPConfig       `mapstructure:"fsp"`
	Transport TransportConfig `mapstructure:"transport"`
	Client    ClientConfig    `mapstructure:"client"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig 帧同步服务器监听配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// FSPConfig 帧同步参数
type FSPConfig struct {
	ServerFrameInterval     time.Duration `mapstructure:"server_frame_interval"`      // 服务器帧间隔
	ClientFrameRateMultiple int           `mapstructure:"client_frame_rate_multiple"` // 客户端帧率倍数
	ServerTimeout           time.Duration `mapstructure:"server_timeout"`             // 玩家掉线判定时间
	UseExternalTick         bool          `mapstructure:"use_external_tick"`          // 由外部驱动帧循环
	MaxPlayers              int           `mapstructure:"max_players"`
}

// TransportConfig 传输层配置
type TransportConfig struct {
	Kind            string        `mapstructure:"kind"` // udp | websocket
	WSPath          string        `mapstructure:"ws_path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// ClientConfig 客户端（机器人）配置
type ClientConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	SessionID uint16 `mapstructure:"session_id"`
	AuthID    int32  `mapstructure:"auth_id"`
}

// AdminConfig 管理接口配置
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// ToParam 转换为帧同步参数
func (c FSPConfig) ToParam() protocol.Param {
	p := protocol.Param{
		ServerFrameInterval:     c.ServerFrameInterval,
		ClientFrameRateMultiple: c.ClientFrameRateMultiple,
		ServerTimeout:           c.ServerTimeout,
		UseExternalTick:         c.UseExternalTick,
		MaxPlayers:              c.MaxPlayers,
	}
	return p.Normalize()
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.FSP.MaxPlayers < 0 || c.FSP.MaxPlayers > protocol.MaxPlayerNum {
		return errors.Newf(errors.ErrConfigValidate, "fsp.max_players 必须在 0~%d 之间: %d", protocol.MaxPlayerNum, c.FSP.MaxPlayers)
	}
	if c.FSP.ServerFrameInterval < 0 || c.FSP.ServerTimeout < 0 {
		return errors.New(errors.ErrConfigValidate, "fsp 时间参数不能为负数")
	}
	switch c.Transport.Kind {
	case "udp", "websocket":
	default:
		return errors.Newf(errors.ErrConfigValidate, "未知的传输层类型: %s", c.Transport.Kind)
	}
	return nil
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// newViper 创建带默认值的viper实例
func newViper(configPath string) *viper.Viper {
	nv := viper.New()
	if configPath != "" {
		nv.SetConfigFile(configPath)
	} else {
		nv.SetConfigName("config")
		nv.SetConfigType("yaml")
		nv.AddConfigPath("./config")
		nv.AddConfigPath(".")
	}

	nv.SetEnvPrefix("FSP")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()

	setDefaults(nv)
	return nv
}

// read 读取配置文件并解析，配置文件不存在时使用默认值
func read(nv *viper.Viper) (*Config, error) {
	if err := nv.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, errors.ErrConfigLoad)
		}
	}

	c := &Config{}
	if err := nv.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigParse)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load 加载配置，不影响全局实例
func Load(configPath string) (*Config, error) {
	return read(newViper(configPath))
}

// Init 初始化全局配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = newViper(configPath)
		var c *Config
		if c, err = read(v); err != nil {
			return
		}
		mu.Lock()
		cfg = c
		mu.Unlock()
	})
	return err
}

// setDefaults 设置默认配置值
func setDefaults(nv *viper.Viper) {
	nv.SetDefault("server.host", "0.0.0.0")
	nv.SetDefault("server.port", 9050)
	nv.SetDefault("server.mode", "development")
	nv.SetDefault("server.shutdown_timeout", "10s")

	nv.SetDefault("fsp.server_frame_interval", "66ms")
	nv.SetDefault("fsp.client_frame_rate_multiple", 2)
	nv.SetDefault("fsp.server_timeout", "15s")
	nv.SetDefault("fsp.use_external_tick", false)
	nv.SetDefault("fsp.max_players", protocol.MaxPlayerNum)

	nv.SetDefault("transport.kind", "udp")
	nv.SetDefault("transport.ws_path", "/fsp")
	nv.SetDefault("transport.read_buffer_size", 4096)
	nv.SetDefault("transport.write_buffer_size", 4096)
	nv.SetDefault("transport.write_timeout", "100ms")

	nv.SetDefault("client.host", "127.0.0.1")
	nv.SetDefault("client.port", 9050)
	nv.SetDefault("client.session_id", 1)
	nv.SetDefault("client.auth_id", 0)

	nv.SetDefault("admin.enabled", true)
	nv.SetDefault("admin.host", "127.0.0.1")
	nv.SetDefault("admin.port", 9051)

	nv.SetDefault("log.level", "info")
	nv.SetDefault("log.format", "json")
	nv.SetDefault("log.output", "stdout")
	nv.SetDefault("log.file.path", "./logs")
	nv.SetDefault("log.file.filename", "fsp-server.log")
	nv.SetDefault("log.file.max_size", 100)
	nv.SetDefault("log.file.max_age", 30)
	nv.SetDefault("log.file.max_backups", 7)
	nv.SetDefault("log.file.compress", true)
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("配置重载校验失败: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}
	})
	v.WatchConfig()
}
