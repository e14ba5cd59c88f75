// Package notify forwards terminal request failures to whatever surface shows
// them to the user (toasts in the UI, logs in the daemon).
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mohammed-shakir/backoffice-sync/internal/core/apierr"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/observability"
)

type Notice struct {
	Class     apierr.Class
	Message   string
	Status    int
	RequestID string
	Path      string
	Err       error
}

// FromError builds a notice with the human readable message for err.
func FromError(err error, requestID, path string) Notice {
	return Notice{
		Class:     apierr.Classify(err),
		Message:   apierr.Message(err),
		Status:    apierr.StatusOf(err),
		RequestID: requestID,
		Path:      path,
		Err:       err,
	}
}

// Bridge must not block; implementations that talk to slow sinks queue.
type Bridge interface {
	Notify(ctx context.Context, n Notice)
}

type Func func(ctx context.Context, n Notice)

func (f Func) Notify(ctx context.Context, n Notice) { f(ctx, n) }

type nop struct{}

func (nop) Notify(context.Context, Notice) {}

// Nop discards every notice.
var Nop Bridge = nop{}

// Multi fans a notice out to every bridge in order.
type Multi []Bridge

func (m Multi) Notify(ctx context.Context, n Notice) {
	for _, b := range m {
		if b != nil {
			b.Notify(ctx, n)
		}
	}
}

type LogBridge struct {
	Logger *slog.Logger
}

func NewLogBridge(l *slog.Logger) *LogBridge {
	if l == nil {
		l = slog.Default()
	}
	return &LogBridge{Logger: l}
}

func (b *LogBridge) Notify(ctx context.Context, n Notice) {
	observability.IncNotification(string(n.Class))
	level := slog.LevelWarn
	if n.Class == apierr.ClassSessionExpired || n.Status >= 500 || errors.Is(n.Err, apierr.ErrNetwork) {
		level = slog.LevelError
	}
	b.Logger.Log(ctx, level, n.Message,
		"class", string(n.Class),
		"status", n.Status,
		"request_id", n.RequestID,
		"path", n.Path,
		"err", n.Err,
	)
}
