package transport

import (
	stderrors "errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/wfunc/fsp-server/internal/errors"
	"go.uber.org/zap"
)

// UDPListener 基于UDP的服务器端传输
type UDPListener struct {
	writeTimeout time.Duration
	logger       *zap.Logger

	mu   sync.RWMutex
	conn *net.UDPConn
	wg   sync.WaitGroup
}

// NewUDPListener 创建UDP监听
func NewUDPListener(writeTimeout time.Duration, logger *zap.Logger) *UDPListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UDPListener{
		writeTimeout: writeTimeoutOrDefault(writeTimeout),
		logger:       logger,
	}
}

// Listen 绑定地址并开始接收
func (l *UDPListener) Listen(addr string, h Handler) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrResolve, addr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrap(err, errors.ErrTransportBind, addr)
	}

	l.mu.Lock()
	if l.conn != nil {
		l.mu.Unlock()
		conn.Close()
		return errors.New(errors.ErrAlreadyExists, "udp listener already bound")
	}
	l.conn = conn
	l.mu.Unlock()

	l.wg.Add(1)
	go l.readLoop(conn, h)

	l.logger.Info("UDP监听已启动", zap.String("addr", conn.LocalAddr().String()))
	return nil
}

func (l *UDPListener) readLoop(conn *net.UDPConn, h Handler) {
	defer l.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Debug("UDP读取错误", zap.Error(errors.Wrap(err, errors.ErrTransportRecv)))
			continue
		}
		if h == nil {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		h(data, from)
	}
}

// SendTo 发送数据报，写超时后直接丢包
func (l *UDPListener) SendTo(data []byte, to net.Addr) error {
	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()
	if conn == nil {
		return errors.New(errors.ErrTransportDown)
	}

	udpAddr, ok := to.(*net.UDPAddr)
	if !ok {
		var err error
		if udpAddr, err = net.ResolveUDPAddr("udp", to.String()); err != nil {
			return errors.Wrap(err, errors.ErrResolve)
		}
	}

	conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	if _, err := conn.WriteToUDP(data, udpAddr); err != nil {
		return errors.Wrap(err, errors.ErrTransportSend)
	}
	return nil
}

// ClosePeer UDP无连接，空操作
func (l *UDPListener) ClosePeer(net.Addr) {}

// Update UDP无需维护
func (l *UDPListener) Update() {}

// LocalAddr 本地监听地址
func (l *UDPListener) LocalAddr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Close 关闭监听并等待读协程退出
func (l *UDPListener) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	l.wg.Wait()
	return err
}

// UDPDialer 客户端UDP拨号
type UDPDialer struct {
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// Dial 解析地址并建立绑定
func (d *UDPDialer) Dial(host string, port int, h Handler) (Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrResolve, addr)
	}
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTransportBind, addr)
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &udpConn{
		conn:         conn,
		remote:       remote,
		writeTimeout: writeTimeoutOrDefault(d.WriteTimeout),
		logger:       logger,
		done:         make(chan struct{}),
	}
	go c.readLoop(h)
	return c, nil
}

type udpConn struct {
	conn         *net.UDPConn
	remote       *net.UDPAddr
	writeTimeout time.Duration
	logger       *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func (c *udpConn) readLoop(h Handler) {
	defer close(c.done)
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return
			}
			// 对端未监听时会收到 ICMP 拒绝，继续等待
			c.logger.Debug("UDP读取错误", zap.Error(errors.Wrap(err, errors.ErrTransportRecv)))
			continue
		}
		if h != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			h(data, c.remote)
		}
	}
}

func (c *udpConn) Send(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := c.conn.Write(data); err != nil {
		return errors.Wrap(err, errors.ErrTransportSend)
	}
	return nil
}

func (c *udpConn) Update() {}

func (c *udpConn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *udpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		<-c.done
	})
	return err
}
