// Package relay exposes the chat relay engine over WebSocket.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/portfolio-chat/relay/internal/logger"
	"github.com/zhouzirui/portfolio-chat/relay/internal/middleware"
	relayService "github.com/zhouzirui/portfolio-chat/relay/internal/service/relay"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
	maxFrameBytes  = 64 << 10
	defaultOutbox  = 256
	defaultRPS     = 20
	defaultBurst   = 40
	detachDeadline = 5 * time.Second
)

var (
	errClosed     = errors.New("connection closed")
	errOutboxFull = errors.New("outbox full")
)

// Engine is what the transport needs from the relay.
type Engine interface {
	Attach(ctx context.Context, connID string, sink relayService.Sink) error
	Detach(ctx context.Context, connID string) error
	Submit(ctx context.Context, connID string, ev relayService.Inbound) error
}

// Options tunes the transport.
type Options struct {
	AllowedOrigins []string
	EventRPS       float64
	EventBurst     int
	OutboxSize     int
	Logger         *zap.Logger
}

// WebSocketHandler upgrades browsers and pumps frames to and from the engine.
type WebSocketHandler struct {
	engine   Engine
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(engine Engine, opts Options) *WebSocketHandler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutbox
	}
	if opts.EventRPS <= 0 {
		opts.EventRPS = defaultRPS
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = defaultBurst
	}

	h := &WebSocketHandler{
		engine: engine,
		opts:   opts,
		log:    opts.Logger.Named("websocket"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

// checkOrigin admits non-browser clients and browsers on the allow list.
func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if middleware.OriginAllowed(origin, h.opts.AllowedOrigins) {
		return true
	}
	h.log.Warn("origin rejected", zap.String("origin", origin), zap.String("headers", logger.SafeHeaders(r)))
	return false
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	log := h.log.With(zap.String("conn", connID))
	c := newClient(conn, h.opts.OutboxSize, log)
	go c.writePump()
	defer c.Close()

	ctx := r.Context()
	if err := h.engine.Attach(ctx, connID, c); err != nil {
		log.Warn("attach failed", zap.Error(err))
		return
	}
	log.Debug("connection opened", zap.String("remote", r.RemoteAddr))

	defer func() {
		detachCtx, cancel := context.WithTimeout(context.Background(), detachDeadline)
		defer cancel()
		if err := h.engine.Detach(detachCtx, connID); err != nil && !errors.Is(err, relayService.ErrStopped) {
			log.Warn("detach failed", zap.Error(err))
		}
		log.Debug("connection closed")
	}()

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(h.opts.EventRPS), h.opts.EventBurst)
	for {
		var frame relayService.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Info("read error", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if !limiter.Allow() {
			log.Warn("event rate exceeded, dropping", zap.String("event", frame.Event))
			continue
		}

		ev, err := relayService.DecodeInbound(frame)
		if err != nil {
			log.Info("invalid frame dropped", zap.String("event", frame.Event), zap.Error(err))
			continue
		}
		if err := h.engine.Submit(ctx, connID, ev); err != nil {
			log.Warn("submit failed", zap.String("event", ev.Name()), zap.Error(err))
			return
		}
	}
}

// client is the Sink for one WebSocket. The engine enqueues, writePump
// drains.
type client struct {
	conn *websocket.Conn
	send chan relayService.Outbound
	done chan struct{}
	once sync.Once
	log  *zap.Logger
}

func newClient(conn *websocket.Conn, size int, log *zap.Logger) *client {
	return &client{
		conn: conn,
		send: make(chan relayService.Outbound, size),
		done: make(chan struct{}),
		log:  log,
	}
}

func (c *client) Send(o relayService.Outbound) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.send <- o:
		return nil
	case <-c.done:
		return errClosed
	default:
		return errOutboxFull
	}
}

func (c *client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case o := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(o); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

// flush writes frames queued before Close.
func (c *client) flush() {
	for {
		select {
		case o := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(o); err != nil {
				return
			}
		default:
			return
		}
	}
}
