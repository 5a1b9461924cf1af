package core

import (
	"log/slog"
	"net"
	"time"
)

// LogEntry summarises one handled request.
type LogEntry struct {
	ConnID     string
	IP         string
	User       string
	Method     string
	Path       string
	Proto      string
	DurationMS float64
	StatusCode int
}

func (e LogEntry) UserAttr() slog.Attr {
	attrs := []any{"ip", e.IP}
	if e.User != "" {
		attrs = append(attrs, "name", e.User)
	}
	return slog.Group("user", attrs...)
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"conn", e.ConnID,
		"proto", e.Proto,
		"method", e.Method,
		"path", e.Path,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
	)
}

// logRequest writes the summary of ex at a level chosen by its status,
// followed by the transcript at debug level.
func logRequest(logger *slog.Logger, ex *exchange) {
	if ex.silent {
		return
	}

	line, _ := ex.req.Line()
	entry := LogEntry{
		ConnID:     ex.id,
		IP:         hostOf(ex.req.RemoteAddr()),
		User:       ex.user,
		Method:     line.RawMethod,
		Path:       line.Path,
		Proto:      line.Proto,
		DurationMS: float64(time.Since(ex.start).Nanoseconds()) / float64(time.Millisecond),
		StatusCode: ex.status,
	}

	switch {
	case ex.status >= 500:
		logger.Error("Request", entry.UserAttr(), entry.Request())
	case ex.status >= 400:
		logger.Warn("Request", entry.UserAttr(), entry.Request())
	default:
		logger.Info("Request", entry.UserAttr(), entry.Request())
	}

	logger.Debug("Transcript", "conn", ex.id, "transcript", ex.req.Transcript())
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
