package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"printerstatus/internal/status"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the kiosk UI is served from another origin
	},
}

// follow subscribes to the watcher and hands every snapshot to the returned
// channel until ctx is done. The current snapshot comes first.
func (r *Router) follow(ctx context.Context) (<-chan status.Snapshot, func()) {
	// Room for the replay, which arrives before the caller reads.
	ch := make(chan status.Snapshot, 1)
	unsub := r.src.Subscribe(func(s status.Snapshot) {
		select {
		case ch <- s:
		case <-ctx.Done():
		}
	})
	r.streamOpened()
	return ch, func() {
		unsub()
		r.streamClosed()
	}
}

// handleStream is a server-sent events feed of the printer status.
func (r *Router) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	ok, err := r.ensureWatching(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusBadRequest, errorResp{Error: NoPrinterIP})
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates, stop := r.follow(ctx)
	defer stop()

	keepAlive := time.NewTicker(r.opts.KeepAlive)
	defer keepAlive.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache, no-transform")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case snap := <-updates:
			c.SSEvent("", snap)
			return true
		case <-keepAlive.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		}
	})
}

// handleWebSocket pushes every snapshot as a JSON text frame.
func (r *Router) handleWebSocket(c *gin.Context) {
	ok, err := r.ensureWatching(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusBadRequest, errorResp{Error: NoPrinterIP})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	updates, stop := r.follow(ctx)

	go r.readPump(conn, cancel)
	r.writePump(ctx, conn, updates)
	cancel()
	stop()
	_ = conn.Close()
}

// readPump discards client frames and cancels once the peer is gone.
func (r *Router) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug("websocket read", "error", err)
			}
			return
		}
	}
}

func (r *Router) writePump(ctx context.Context, conn *websocket.Conn, updates <-chan status.Snapshot) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case snap := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				r.logger.Debug("websocket write", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
