package api

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"printerstatus/internal/config"
	"printerstatus/internal/exporter"
	"printerstatus/internal/history"
	"printerstatus/internal/metrics"
	"printerstatus/internal/status"
	"printerstatus/internal/watcher"
)

// NoPrinterIP is reported while no printer address is configured.
const NoPrinterIP = "no printer IP set"

// StatusSource is the printer watcher as seen by the HTTP layer.
type StatusSource interface {
	Start(ctx context.Context, endpoint string)
	Status() status.Snapshot
	Subscribe(fn status.Listener) func()
	State() watcher.State
	Endpoint() string
	LastUpdate() (time.Time, bool)
	Reset(ctx context.Context)
}

// Settings persists the user-editable configuration.
type Settings interface {
	Load() (config.AppConfig, error)
	UpdateNetwork(deviceIP, printerIP string) (prev, next config.AppConfig, err error)
}

// HistoryReader lists recorded connection transitions.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Event, error)
}

type Options struct {
	// Endpoint derives the OPC UA endpoint from the printer IP.
	Endpoint func(ip string) string
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
	Metrics   bool
	History   HistoryReader
	Now       func() time.Time
	Logger    *slog.Logger
}

// Router serves the printer status API.
type Router struct {
	src      StatusSource
	settings Settings
	opts     Options
	logger   *slog.Logger
	streams  atomic.Int64
}

func NewRouter(src StatusSource, settings Settings, opts Options) *Router {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{src: src, settings: settings, opts: opts, logger: opts.Logger.With("component", "api")}
}

// Handler returns the gin engine with every route mounted.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())

	st := g.Group("/api/status/printer")
	st.GET("", r.handleStatus)
	st.GET("/stream", r.handleStream)
	st.GET("/export", r.handleExport)
	st.GET("/history", r.handleHistory)

	g.GET("/api/settings/network", r.handleGetNetwork)
	g.POST("/api/settings/network", r.handlePostNetwork)

	g.GET("/ws/status", r.handleWebSocket)
	g.GET("/healthz", r.handleHealth)
	if r.opts.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// ensureWatching starts the watcher for the configured printer and returns
// false when no printer address is set.
func (r *Router) ensureWatching(ctx context.Context) (bool, error) {
	cfg, err := r.settings.Load()
	if err != nil {
		return false, err
	}
	ip := strings.TrimSpace(cfg.Network.PrinterIP)
	if ip == "" {
		return false, nil
	}
	endpoint := r.opts.Endpoint(ip)
	if cur := r.src.Endpoint(); cur != "" && cur != endpoint {
		r.logger.Info("printer address changed, restarting watcher", "from", cur, "to", endpoint)
		r.src.Reset(ctx)
	}
	r.src.Start(ctx, endpoint)
	return true, nil
}

func (r *Router) handleStatus(c *gin.Context) {
	ok, err := r.ensureWatching(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"connected": false, "nodes": []status.NodeStatus{}, "error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"connected": false, "nodes": []status.NodeStatus{}, "error": NoPrinterIP})
		return
	}
	c.JSON(http.StatusOK, r.src.Status())
}

func (r *Router) handleExport(c *gin.Context) {
	format, err := exporter.ParseFormat(c.Query("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	now := r.opts.Now()
	var buf bytes.Buffer
	if err := exporter.Write(&buf, format, r.src.Status(), now); err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+format.FileName(now))
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}

func (r *Router) handleHistory(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, errorResp{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	if r.opts.History == nil {
		c.JSON(http.StatusOK, []history.Event{})
		return
	}
	events, err := r.opts.History.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

func (r *Router) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":  "ok",
		"watcher": r.src.State().String(),
		"streams": r.streams.Load(),
	}
	if last, ok := r.src.LastUpdate(); ok {
		resp["lastUpdate"] = last.UTC().Format(time.RFC3339Nano)
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) streamOpened() {
	metrics.SetStreamSubscribers(int(r.streams.Add(1)))
}

func (r *Router) streamClosed() {
	metrics.SetStreamSubscribers(int(r.streams.Add(-1)))
}

// StartServer serves handler on addr until ctx is done, then shuts down
// within shutdownTimeout. The channel yields the listen error, or nil once
// the server stopped.
func StartServer(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) (*http.Server, <-chan error) {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Streams end with ctx instead of holding up Shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)

	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "error", err)
		}
		logger.Info("http server stopped")
		select {
		case errc <- nil:
		default:
		}
	}()

	return srv, errc
}
