package license

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"playguard/internal/infrastructure"
)

// logAction logs a manager action with action/result attributes and mirrors
// it as a span event when a span is recording.
func (m *Manager) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	if !m.logger.Enabled(ctx, level) {
		return
	}

	if trace.SpanFromContext(ctx).IsRecording() {
		infrastructure.AddSpanEvent(ctx, "license."+action, map[string]interface{}{
			"action": action,
			"result": result,
		})
	}

	allAttrs := make([]slog.Attr, 0, len(attrs)+2)
	allAttrs = append(allAttrs,
		slog.String("action", action),
		slog.String("result", result),
	)
	allAttrs = append(allAttrs, attrs...)

	m.logger.LogAttrs(ctx, level, result, allAttrs...)
}

func (m *Manager) logDebug(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelDebug, action, result, attrs...)
}

func (m *Manager) logInfo(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelInfo, action, result, attrs...)
}

func (m *Manager) logWarn(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelWarn, action, result, attrs...)
}

func (m *Manager) logError(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelError, action, result, attrs...)
}

// requestAttrs identifies a license request for audit
func requestAttrs(req Request) []slog.Attr {
	return []slog.Attr{
		slog.String("track_id", req.TrackID),
		slog.String("user_id", req.UserID),
		slog.String("device_id", req.DeviceID),
	}
}

// contextAttrs identifies a playback attempt for audit
func contextAttrs(pctx PlaybackContext) []slog.Attr {
	return []slog.Attr{
		slog.String("track_id", pctx.TrackID),
		slog.String("user_id", pctx.UserID),
		slog.String("device_id", pctx.DeviceID),
	}
}

func withAttrs(base []slog.Attr, extra ...slog.Attr) []slog.Attr {
	return append(base, extra...)
}
