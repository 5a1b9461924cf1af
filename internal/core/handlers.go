package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"filedrop/internal/ledger"
	"filedrop/internal/request"
	"filedrop/internal/site"
	"filedrop/internal/storage"
)

// handlePut stores the request body as a new upload and answers with the
// URL it can be fetched from. Nothing is sent unless the file was stored.
func (s *Server) handlePut(ctx context.Context, ex *exchange, target string) {
	name := strings.TrimPrefix(target, "/")
	if err := storage.Sanitize(name); err != nil || name == "" {
		ex.log.Warn("Request rejected", "path", target)
		_ = ex.respond(403, forbiddenResponse)
		return
	}

	if v, ok := ex.req.Header("Expect"); ok && strings.EqualFold(v, "100-continue") {
		if _, err := ex.req.WriteString(continueResponse); err != nil {
			ex.log.Warn("Failed to 100-continue", "err", err)
		}
	}

	upload, err := s.ns.Allocate()
	if err != nil {
		ex.log.Error("Failed to create upload directory", "err", err)
		return
	}

	unlock := s.ns.Locks().Lock(upload.ID)
	defer unlock()

	p, err := s.ns.Resolve(upload.ID, name)
	if err != nil {
		s.discard(ex, upload)
		_ = ex.respond(403, forbiddenResponse)
		return
	}

	size, err := s.receive(ex, p)
	if err != nil {
		ex.log.Error("Upload failed", "id", upload.ID, "name", name, "err", err)
		s.discard(ex, upload)
		return
	}
	ex.log.Info("Stored upload", "id", upload.ID, "name", name, "size", size)

	if s.ledger != nil {
		err := s.ledger.RecordUpload(ctx, ledger.Upload{
			ID:        upload.ID,
			Name:      name,
			Size:      size,
			Remote:    hostOf(ex.req.RemoteAddr()),
			CreatedAt: time.Now(),
		})
		if err != nil {
			ex.log.Warn("Failed to record upload", "id", upload.ID, "err", err)
		}
	}

	url := fmt.Sprintf("http://%s/%s/%s", ex.host(), upload.ID, name)
	if err := ex.respond(200, "HTTP/1.1 200 Ok\r\n\r\n"+url+"\r\n"); err != nil {
		ex.log.Warn("Failed to send user path to access file", "url", url)
	}

	if s.replica != nil {
		if err := s.replica.Mirror(ctx, upload.ID, name, p); err != nil {
			ex.log.Warn("Failed to mirror upload", "id", upload.ID, "err", err)
		}
	}
}

// receive copies the body into a new file at p. With a Content-Length the
// body must be complete; without one it ends at the first read timeout.
func (s *Server) receive(ex *exchange, p string) (int64, error) {
	f, err := storage.CreateFile(p)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	body := ex.req.Body()
	want := int64(-1)
	if v, ok := ex.req.Header("Content-Length"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err == nil && n >= 0 {
			want = n
			body = io.LimitReader(body, n)
		}
	}

	buf := make([]byte, request.DefaultBufferSize)
	written, err := request.Pump(f, body, buf, ex.interrupted)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, err
	}
	if want >= 0 && written != want {
		return written, fmt.Errorf("body ended after %d of %d bytes", written, want)
	}
	return written, nil
}

// discard removes a half-written upload.
func (s *Server) discard(ex *exchange, upload storage.Upload) {
	if err := os.RemoveAll(upload.Dir); err != nil {
		ex.log.Error("Failed to remove incomplete upload", "id", upload.ID, "err", err)
	}
}

// handleGet serves built-in pages, the inbox, and stored uploads, which
// are addressed as /files/<id>/<name> or /<id>/<name>.
func (s *Server) handleGet(ctx context.Context, ex *exchange, target string) {
	name := strings.TrimPrefix(target, "/")
	if err := storage.Sanitize(name); err != nil {
		ex.log.Warn("Request rejected", "path", target)
		_ = ex.respond(403, forbiddenResponse)
		return
	}

	if name == "inbox" || strings.HasPrefix(name, "inbox/") {
		s.handleInbox(ctx, ex, strings.TrimPrefix(strings.TrimPrefix(name, "inbox"), "/"))
		return
	}

	if site.IsPage(name) {
		s.handlePage(ex, name)
		return
	}

	id, rel, ok := storage.SplitLocation(strings.TrimPrefix(name, "files/"))
	if !ok {
		ex.log.Info("Client requested non-existent file", "path", name)
		_ = ex.respond(410, goneResponse(name))
		return
	}

	unlock := s.ns.Locks().RLock(id)
	defer unlock()

	f, info, err := s.ns.Open(id, rel)
	switch {
	case errors.Is(err, storage.ErrForbidden):
		ex.log.Warn("Request rejected", "path", target, "err", err)
		_ = ex.respond(403, forbiddenResponse)
		return
	case err != nil:
		if !errors.Is(err, storage.ErrNotFound) {
			ex.log.Error("Failed to open upload", "path", name, "err", err)
		}
		ex.log.Info("Client requested non-existent file", "path", name)
		_ = ex.respond(410, goneResponse(name))
		return
	}
	defer f.Close()

	s.streamFile(ex, f, info.Size())
}

// streamFile sends f with a 200 status.
func (s *Server) streamFile(ex *exchange, f *os.File, size int64) {
	head := fmt.Sprintf("HTTP/1.1 200 Ok\r\nContent-Length: %d\r\n\r\n", size)
	if err := ex.respond(200, head); err != nil {
		return
	}

	buf := make([]byte, request.DefaultBufferSize)
	if _, err := request.Pump(ex.req, f, buf, ex.interrupted); err != nil {
		ex.log.Warn("Stopped sending file", "path", f.Name(), "err", err)
	}
}

// handlePage serves a built-in page. Documents fall back to plain-text
// usage unless the client accepts HTML.
func (s *Server) handlePage(ex *exchange, name string) {
	accept, _ := ex.req.Header("Accept")
	if site.Negotiated(name) && !site.WantsHTML(accept) {
		_ = ex.respond(200, "HTTP/1.1 200 Ok\r\n\r\n"+site.Usage(ex.host()))
		return
	}

	data, contentType, err := s.site.Page(name)
	if err != nil {
		ex.log.Warn("Unconfigured page requested", "page", name, "err", err)
		_ = ex.respond(404, notFoundResponse(name))
		return
	}

	head := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", contentType, len(data))
	if err := ex.respond(200, head); err != nil {
		return
	}
	if _, err := ex.req.Write(data); err != nil {
		ex.log.Warn("Failed to send page", "page", name, "err", err)
	}
}

// handleDelete removes the whole upload directory named by /<id>/<name>.
func (s *Server) handleDelete(ctx context.Context, ex *exchange, target string) {
	name := strings.TrimPrefix(target, "/")
	if err := storage.Sanitize(name); err != nil {
		ex.log.Warn("Request rejected", "path", target)
		_ = ex.respond(403, forbiddenResponse)
		return
	}

	id, _, ok := storage.SplitLocation(name)
	if !ok {
		_ = ex.respond(404, deleteFailedResponse(name))
		return
	}
	if slices.Contains(s.Config.ReservedNames, id) {
		ex.log.Warn("Request rejected", "path", target, "reason", "reserved")
		_ = ex.respond(403, forbiddenResponse)
		return
	}

	unlock := s.ns.Locks().Lock(id)
	defer unlock()

	err := s.ns.Remove(id)
	switch {
	case errors.Is(err, storage.ErrForbidden):
		_ = ex.respond(403, forbiddenResponse)
		return
	case err != nil:
		if !errors.Is(err, storage.ErrNotFound) {
			ex.log.Error("Failed to delete upload", "id", id, "err", err)
		}
		_ = ex.respond(404, deleteFailedResponse(name))
		return
	}
	ex.log.Info("Upload deleted", "id", id)

	if s.ledger != nil {
		if err := s.ledger.RecordRemoval(ctx, id, ledger.ReasonDeleted, time.Now()); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			ex.log.Warn("Failed to record deletion", "id", id, "err", err)
		}
	}
	if s.replica != nil {
		if err := s.replica.Remove(ctx, id); err != nil {
			ex.log.Warn("Failed to remove replica", "id", id, "err", err)
		}
	}

	_ = ex.respond(200, deletedResponse(name))
}
