// Package ui renders the HTML pages served by filedrop.
package ui

import (
	"context"
	"fmt"
	"html"
	"io"

	"github.com/a-h/templ"
)

// Entry represents a single inbox file or directory for display.
type Entry struct {
	Name     string
	Href     string
	Size     int64
	Modified string
	IsDir    bool
}

func writeAll(w io.Writer, parts ...string) error {
	for _, part := range parts {
		if _, err := io.WriteString(w, part); err != nil {
			return err
		}
	}
	return nil
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		err := writeAll(w,
			"<!DOCTYPE html><html lang=\"en\">",
			"<head><meta charset=\"utf-8\">",
			"<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">",
			"<title>", html.EscapeString(title), "</title>",
			"<link rel=\"stylesheet\" href=\"/styles.css\">",
			"</head>",
			"<body><main class=\"container\">",
		)
		if err != nil {
			return err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		_, err = io.WriteString(w, "</main></body></html>")
		return err
	})
}

// InboxPage renders the listing of one inbox directory. parent is the link
// back up one level, or empty at the top.
func InboxPage(dir string, parent string, entries []Entry) templ.Component {
	return Layout("Inbox - "+dir, templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		err := writeAll(w,
			"<section><header>",
			fmt.Sprintf("<h1>Inbox: %s</h1>", html.EscapeString(dir)),
		)
		if err != nil {
			return err
		}
		if parent != "" {
			_, err = io.WriteString(w, fmt.Sprintf("<p><a href=\"%s\">&larr; Up</a></p>", html.EscapeString(parent)))
			if err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "</header>"); err != nil {
			return err
		}

		if len(entries) == 0 {
			_, err = io.WriteString(w, "<p>This inbox is empty.</p></section>")
			return err
		}

		_, err = io.WriteString(w, "<table><thead><tr><th>Name</th><th>Size (bytes)</th><th>Last Modified</th></tr></thead><tbody>")
		if err != nil {
			return err
		}

		for _, e := range entries {
			name := html.EscapeString(e.Name)
			size := fmt.Sprintf("%d", e.Size)
			if e.IsDir {
				name += "/"
				size = "-"
			}
			row := fmt.Sprintf("<tr><td><a href=\"%s\">%s</a></td><td>%s</td><td>%s</td></tr>",
				html.EscapeString(e.Href), name, size, html.EscapeString(e.Modified))
			if _, err := io.WriteString(w, row); err != nil {
				return err
			}
		}

		_, err = io.WriteString(w, "</tbody></table></section>")
		return err
	}))
}
