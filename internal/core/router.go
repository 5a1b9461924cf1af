package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"filedrop/internal/request"

	"github.com/google/uuid"
)

const (
	continueResponse    = "HTTP/1.1 100 Continue\r\n\r\n"
	allowedMethodsBody  = "Unknown request method. Allowed methods: \"GET\", \"PUT\", \"DELETE\".\r\n"
	badRequestResponse  = "HTTP/1.1 400 Bad Request\r\n\r\n" + allowedMethodsBody
	notAllowedResponse  = "HTTP/1.1 405 Method Not Allowed\r\n\r\n" + allowedMethodsBody
	forbiddenResponse   = "HTTP/1.1 403 Forbidden\r\n\r\nFile names cannot include \"..\", \"~\", \"*\" or start with \"/\" or \"\\\"\r\n"
	unauthorizedHeaders = "HTTP/1.1 401 Unauthorized\r\nWWW-Authenticate: Basic realm=\"filedrop\"\r\n\r\n"
)

func goneResponse(name string) string {
	return fmt.Sprintf("HTTP/1.1 410 Gone\r\n\r\nFailed to fetch %q, this is likely because it doesn't exist.\r\n", name)
}

func notFoundResponse(name string) string {
	return fmt.Sprintf("HTTP/1.1 404 File not found\r\n\r\nFailed to fetch %q, this is likely because it doesn't exist.\r\n", name)
}

func deleteFailedResponse(name string) string {
	return fmt.Sprintf("HTTP/1.1 404 File not found\r\n\r\nFailed to delete %q, this is likely because it doesn't exist.\r\n", name)
}

func deletedResponse(name string) string {
	return fmt.Sprintf("HTTP/1.1 200 Ok\r\n\r\nSuccessfully deleted %q.\r\n", name)
}

// exchange tracks one request on one connection.
type exchange struct {
	id     string
	req    *request.Request
	log    *slog.Logger
	start  time.Time
	status int
	user   string
	silent bool
}

// respond writes a complete response. The first status written is the one
// that gets logged.
func (ex *exchange) respond(status int, s string) error {
	if ex.status == 0 {
		ex.status = status
	}
	if _, err := ex.req.WriteString(s); err != nil {
		ex.log.Warn("Failed to write response", "err", err)
		return err
	}
	return nil
}

// host returns the Host header, or the local address the client reached.
func (ex *exchange) host() string {
	if h, ok := ex.req.Header("Host"); ok && h != "" {
		return h
	}
	return ex.req.LocalAddr().String()
}

func (ex *exchange) interrupted(err error) {
	ex.log.Debug("Interrupted", "err", err)
}

// ServeConn reads one request from conn, routes it, and always drains and
// closes conn before returning.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()
	ex := &exchange{
		id:    id,
		req:   request.New(conn, s.Config.RequestOptions()),
		log:   s.log.With("conn", id, "remote", conn.RemoteAddr().String()),
		start: time.Now(),
	}
	defer func() {
		_ = ex.req.Close()
		logRequest(s.log, ex)
	}()

	s.route(ctx, ex)
}

func (s *Server) route(ctx context.Context, ex *exchange) {
	line, err := ex.req.Line()
	switch {
	case errors.Is(err, request.ErrNoRequestLine):
		ex.log.Debug("Connection closed without a request", "err", err)
		ex.silent = true
		return
	case errors.Is(err, request.ErrHeaderDeadline):
		ex.log.Warn("Request line not received in time")
		ex.silent = true
		return
	case err != nil:
		ex.log.Warn("Malformed request line", "err", err)
		_ = ex.respond(400, badRequestResponse)
		return
	}

	if line.Proto != "HTTP/1.1" && line.Proto != "undefined" {
		ex.log.Warn("Client used invalid protocol", "proto", line.Proto)
		return
	}

	if _, err := ex.req.Headers(); err != nil {
		if errors.Is(err, request.ErrHeaderDeadline) {
			ex.log.Warn("Header block not received in time", "path", line.Path)
			return
		}
		ex.log.Warn("Ignoring unreadable header block", "err", err)
	}

	ex.log.Debug("Client made a request", "method", line.RawMethod, "path", line.Path)

	switch line.Method {
	case request.MethodGet:
		s.handleGet(ctx, ex, line.Path)
	case request.MethodPut:
		s.handlePut(ctx, ex, line.Path)
	case request.MethodDelete:
		s.handleDelete(ctx, ex, line.Path)
	default:
		ex.log.Info("Invalid method, request ignored", "method", line.RawMethod)
		_ = ex.respond(405, notAllowedResponse)
	}
}
