// Package site serves the handful of built-in pages and the plain-text
// usage instructions shown to command-line clients.
package site

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"strings"
)

var (
	//go:embed static
	staticFS embed.FS

	ErrUnknownPage = errors.New("unknown page")
)

// fallbackTypes covers extensions the mime package may not know.
var fallbackTypes = map[string]string{
	".ico": "image/x-icon",
}

// pages maps the well-known request names to files in the site directory.
var pages = map[string]string{
	"":            "index.html",
	"index.html":  "index.html",
	"files":       "index.html",
	"styles.css":  "styles.css",
	"script.js":   "script.js",
	"favicon.ico": "favicon.ico",
}

// IsPage reports whether name, with its leading slash removed, is one of
// the built-in pages.
func IsPage(name string) bool {
	_, ok := pages[name]
	return ok
}

// Negotiated reports whether the page is a document whose representation
// depends on the Accept header. Assets are always served as-is.
func Negotiated(name string) bool {
	return pages[name] == "index.html"
}

// Site serves built-in pages from a directory, or from the embedded
// defaults when no directory is configured.
type Site struct {
	fsys fs.FS
}

// New returns a Site reading from dir. An empty dir selects the embedded
// pages.
func New(dir string) *Site {
	if dir == "" {
		sub, err := fs.Sub(staticFS, "static")
		if err != nil {
			panic(err)
		}
		return &Site{fsys: sub}
	}
	return &Site{fsys: os.DirFS(dir)}
}

// Page returns the content and content type of a built-in page.
func (s *Site) Page(name string) ([]byte, string, error) {
	file, ok := pages[name]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownPage, name)
	}

	data, err := fs.ReadFile(s.fsys, file)
	if err != nil {
		return nil, "", err
	}

	ext := path.Ext(file)
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = fallbackTypes[ext]
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// WantsHTML reports whether an Accept header value asks for HTML.
func WantsHTML(accept string) bool {
	return strings.Contains(accept, "text/html")
}

// Usage returns the plain-text instructions for command-line clients.
func Usage(host string) string {
	base := "http://" + host
	return "To upload, type:\r\n" +
		"$ curl --upload-file <filename> " + base + "\r\n" +
		"\r\n" +
		"To download, type:\r\n" +
		"$ curl " + base + "/files/<file_id>/<file_name> --output <file_name>\r\n" +
		"\r\n" +
		"To delete, type:\r\n" +
		"$ curl -X DELETE " + base + "/<file_id>/<file_name>\r\n" +
		"\r\n" +
		"For this page as HTML, add \"text/html\" to your \"Accept\" header.\r\n"
}
