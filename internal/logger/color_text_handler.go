package logger

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// ColorTextHandler wraps slog.TextHandler and prefixes each line with its
// level in an ANSI colour. The prefix goes to the writer directly because
// TextHandler would quote escape codes placed in the message.
type ColorTextHandler struct {
	*slog.TextHandler
	w  io.Writer
	mu *sync.Mutex
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(w, opts), w: w, mu: &sync.Mutex{}}
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	var colorCode string
	switch {
	case r.Level >= slog.LevelError:
		colorCode = "\033[31m" // Red
	case r.Level >= slog.LevelWarn:
		colorCode = "\033[33m" // Yellow
	case r.Level >= slog.LevelInfo:
		colorCode = "\033[32m" // Green
	default:
		colorCode = "\033[36m" // Cyan
	}

	// Prefix and record must land on the same line.
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := io.WriteString(h.w, colorCode+r.Level.String()+"\033[0m  "); err != nil {
		return err
	}
	return h.TextHandler.Handle(ctx, r)
}

// WithAttrs keeps the colouring for derived loggers.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithAttrs(attrs).(*slog.TextHandler), w: h.w, mu: h.mu}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithGroup(name).(*slog.TextHandler), w: h.w, mu: h.mu}
}
