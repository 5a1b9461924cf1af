package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"filedrop/internal/storage"
	"filedrop/internal/ui"
)

// handleInbox serves the private inbox directory to authorized clients:
// directories as an HTML listing, files as downloads.
func (s *Server) handleInbox(ctx context.Context, ex *exchange, rel string) {
	if s.Config.InboxDir == "" {
		_ = ex.respond(404, notFoundResponse(path.Join("inbox", rel)))
		return
	}

	authorization, _ := ex.req.Header("Authorization")
	user, err := s.auth.AuthenticateRequest(ctx, authorization)
	if err != nil {
		ex.log.Warn("Inbox authentication failed", "err", err)
	}
	if user == nil {
		_ = ex.respond(401, unauthorizedHeaders)
		return
	}
	ex.user = user.Name

	p, err := storage.JoinWithinRoot(s.Config.InboxDir, filepath.FromSlash(rel))
	if err != nil {
		ex.log.Warn("Request rejected", "path", rel, "err", err)
		_ = ex.respond(403, forbiddenResponse)
		return
	}

	info, err := os.Stat(p)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			ex.log.Error("Failed to stat inbox entry", "path", p, "err", err)
		}
		_ = ex.respond(404, notFoundResponse(path.Join("inbox", rel)))
		return
	}

	if !info.IsDir() {
		f, err := os.Open(p)
		if err != nil {
			ex.log.Error("Failed to open inbox file", "path", p, "err", err)
			_ = ex.respond(404, notFoundResponse(path.Join("inbox", rel)))
			return
		}
		defer f.Close()
		s.streamFile(ex, f, info.Size())
		return
	}

	entries, err := inboxEntries(p, rel)
	if err != nil {
		ex.log.Error("Failed to list inbox", "path", p, "err", err)
		_ = ex.respond(500, "HTTP/1.1 500 Internal Server Error\r\n\r\n")
		return
	}

	parent := ""
	if rel != "" {
		parent = path.Join("/inbox", path.Dir(rel))
	}

	var page bytes.Buffer
	if err := ui.InboxPage("/"+rel, parent, entries).Render(ctx, &page); err != nil {
		ex.log.Error("Failed to render inbox", "err", err)
		_ = ex.respond(500, "HTTP/1.1 500 Internal Server Error\r\n\r\n")
		return
	}

	head := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: %d\r\n\r\n", page.Len())
	if err := ex.respond(200, head); err != nil {
		return
	}
	if _, err := ex.req.Write(page.Bytes()); err != nil {
		ex.log.Warn("Failed to send inbox listing", "err", err)
	}
}

// inboxEntries lists dir with directories first, each group by name.
func inboxEntries(dir string, rel string) ([]ui.Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	entries := make([]ui.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, ui.Entry{
			Name:     de.Name(),
			Href:     path.Join("/inbox", rel, de.Name()),
			Size:     info.Size(),
			Modified: info.ModTime().UTC().Format(time.RFC3339),
			IsDir:    de.IsDir(),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}
