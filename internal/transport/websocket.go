package transport

import (
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wfunc/fsp-server/internal/errors"
	"go.uber.org/zap"
)

// DefaultWSPath 默认的WebSocket路径
const DefaultWSPath = "/fsp"

// WSOptions WebSocket传输参数
type WSOptions struct {
	Path            string
	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration
}

// WSListener 基于WebSocket二进制消息的服务器端传输
// 每个连接视为一个对端，以远端地址区分
type WSListener struct {
	path         string
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	logger       *zap.Logger

	mu      sync.RWMutex
	peers   map[string]*wsPeer
	handler Handler
	srv     *http.Server
	ln      net.Listener

	wg sync.WaitGroup
}

type wsPeer struct {
	conn    *websocket.Conn
	addr    net.Addr
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (p *wsPeer) close() {
	if p.closed.CompareAndSwap(false, true) {
		p.conn.Close()
	}
}

// NewWSListener 创建WebSocket监听
func NewWSListener(opts WSOptions, logger *zap.Logger) *WSListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Path == "" {
		opts.Path = DefaultWSPath
	}
	return &WSListener{
		path: opts.Path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		writeTimeout: writeTimeoutOrDefault(opts.WriteTimeout),
		logger:       logger,
		peers:        make(map[string]*wsPeer),
	}
}

// HTTPHandler 返回升级连接的 http.Handler，可以挂到已有的路由上
func (l *WSListener) HTTPHandler(h Handler) http.Handler {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
	return http.HandlerFunc(l.serveWS)
}

// Listen 启动独立的HTTP服务
// 绑定检查和端口占用在同一个临界区内完成
func (l *WSListener) Listen(addr string, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv != nil {
		return errors.New(errors.ErrAlreadyExists, "websocket listener already bound")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		var dnsErr *net.DNSError
		if stderrors.As(err, &dnsErr) {
			return errors.Wrap(err, errors.ErrResolve, addr)
		}
		return errors.Wrap(err, errors.ErrTransportBind, addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.serveWS)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	l.handler = h
	l.srv = srv
	l.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			l.logger.Error("WebSocket服务异常退出", zap.Error(err))
		}
	}()

	l.logger.Info("WebSocket监听已启动",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", l.path))
	return nil
}

func (l *WSListener) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Debug("WebSocket升级失败", zap.Error(err))
		return
	}

	peer := &wsPeer{conn: conn, addr: conn.RemoteAddr()}
	key := peer.addr.String()

	l.mu.Lock()
	if old, ok := l.peers[key]; ok {
		old.close()
	}
	l.peers[key] = peer
	h := l.handler
	l.wg.Add(1)
	l.mu.Unlock()

	l.logger.Debug("WebSocket对端已连接", zap.String("peer", key))
	l.readLoop(peer, h)
}

func (l *WSListener) readLoop(peer *wsPeer, h Handler) {
	defer func() {
		peer.close()
		l.mu.Lock()
		if cur, ok := l.peers[peer.addr.String()]; ok && cur == peer {
			delete(l.peers, peer.addr.String())
		}
		l.mu.Unlock()
		l.wg.Done()
	}()

	peer.conn.SetReadLimit(maxDatagramSize)
	for {
		msgType, data, err := peer.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !peer.closed.Load() {
				l.logger.Debug("WebSocket读取错误",
					zap.String("peer", peer.addr.String()),
					zap.Error(errors.Wrap(err, errors.ErrTransportRecv)))
			}
			return
		}
		if msgType != websocket.BinaryMessage || h == nil {
			continue
		}
		h(data, peer.addr)
	}
}

// SendTo 向对端发送一条二进制消息
func (l *WSListener) SendTo(data []byte, to net.Addr) error {
	if to == nil {
		return errors.New(errors.ErrInvalidParam, "nil address")
	}
	l.mu.RLock()
	peer, ok := l.peers[to.String()]
	l.mu.RUnlock()
	if !ok || peer.closed.Load() {
		return errors.Newf(errors.ErrTransportSend, "peer %s not connected", to.String())
	}

	peer.writeMu.Lock()
	defer peer.writeMu.Unlock()
	peer.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	if err := peer.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		peer.close()
		return errors.Wrap(err, errors.ErrTransportSend)
	}
	return nil
}

// ClosePeer 断开对端连接
func (l *WSListener) ClosePeer(to net.Addr) {
	if to == nil {
		return
	}
	l.mu.Lock()
	peer, ok := l.peers[to.String()]
	if ok {
		delete(l.peers, to.String())
	}
	l.mu.Unlock()
	if ok {
		peer.close()
	}
}

// Update 清理已断开的对端
func (l *WSListener) Update() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, peer := range l.peers {
		if peer.closed.Load() {
			delete(l.peers, key)
		}
	}
}

// PeerCount 当前连接数
func (l *WSListener) PeerCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.peers)
}

// LocalAddr 本地监听地址，挂在外部路由上时为nil
func (l *WSListener) LocalAddr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Close 关闭HTTP服务和所有对端连接
func (l *WSListener) Close() error {
	l.mu.Lock()
	srv := l.srv
	l.srv = nil
	l.ln = nil
	peers := l.peers
	l.peers = make(map[string]*wsPeer)
	l.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Close()
	}
	for _, peer := range peers {
		peer.close()
	}
	l.wg.Wait()
	return err
}

// WSDialer 客户端WebSocket拨号
type WSDialer struct {
	Path             string
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Dial 建立到 ws://host:port/path 的连接
func (d *WSDialer) Dial(host string, port int, h Handler) (Conn, error) {
	path := d.Path
	if path == "" {
		path = DefaultWSPath
	}
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = 5 * time.Second
	}
	url := fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, strconv.Itoa(port)), path)

	dialer := websocket.Dialer{HandshakeTimeout: handshake}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		var dnsErr *net.DNSError
		if stderrors.As(err, &dnsErr) {
			return nil, errors.Wrap(err, errors.ErrResolve, url)
		}
		return nil, errors.Wrap(err, errors.ErrTransportBind, url)
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &wsConn{
		conn:         conn,
		writeTimeout: writeTimeoutOrDefault(d.WriteTimeout),
		logger:       logger,
		done:         make(chan struct{}),
	}
	c.conn.SetReadLimit(maxDatagramSize)
	go c.readLoop(h)
	return c, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) readLoop(h Handler) {
	defer close(c.done)
	remote := c.conn.RemoteAddr()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug("WebSocket连接结束", zap.Error(err))
			return
		}
		if msgType == websocket.BinaryMessage && h != nil {
			h(data, remote)
		}
	}
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrap(err, errors.ErrTransportSend)
	}
	return nil
}

func (c *wsConn) Update() {}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}
