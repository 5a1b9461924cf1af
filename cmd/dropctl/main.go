package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"filedrop/internal/ledger"

	"golang.org/x/crypto/bcrypt"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

const usage = `Usage:
  dropctl put <file>
  dropctl get <url|id/name> [output]
  dropctl delete <url|id/name>
  dropctl hash <password>
  dropctl info <id>

The server address is read from FILEDROP_ADDR (default http://localhost:80).
info reads the ledger database named by FILEDROP_LEDGER on the server host.
`

// Client talks to a filedrop server.
type Client struct {
	base string
	http *http.Client
}

func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

// resolve turns an upload URL or an "<id>/<name>" location into a URL.
func (c *Client) resolve(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return c.base + "/" + strings.TrimPrefix(target, "/")
}

func (c *Client) do(ctx context.Context, method string, target string, body io.Reader, size int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if body != nil {
		req.ContentLength = size
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	return resp, nil
}

func readMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return strings.TrimSpace(string(data))
}

// Put uploads the file at p and returns the URL it can be fetched from.
func (c *Client) Put(ctx context.Context, p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	target := c.base + "/" + url.PathEscape(filepath.Base(p))
	resp, err := c.do(ctx, http.MethodPut, target, f, info.Size())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	msg := readMessage(resp)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload failed: %s: %s", resp.Status, msg)
	}
	return msg, nil
}

// Get downloads target into the file at out.
func (c *Client) Get(ctx context.Context, target string, out string) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, c.resolve(target), nil, 0)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download failed: %s: %s", resp.Status, readMessage(resp))
	}

	f, err := os.Create(out)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

// Delete removes the upload at target.
func (c *Client) Delete(ctx context.Context, target string) (string, error) {
	resp, err := c.do(ctx, http.MethodDelete, c.resolve(target), nil, 0)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	msg := readMessage(resp)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("delete failed: %s: %s", resp.Status, msg)
	}
	return msg, nil
}

// HashPassword returns a bcrypt hash suitable for the inbox users map.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Info writes the ledger record and history of upload id to w.
func Info(ctx context.Context, ledgerPath, id string, w io.Writer) error {
	if ledgerPath == "" {
		return errors.New("FILEDROP_LEDGER is not set")
	}

	l, err := ledger.Open(ctx, ledgerPath)
	if err != nil {
		return err
	}
	defer l.Close()

	u, err := l.Lookup(ctx, id)
	if err != nil {
		return fmt.Errorf("upload %s: %w", id, err)
	}
	events, err := l.Events(ctx, id)
	if err != nil {
		return fmt.Errorf("upload %s history: %w", id, err)
	}

	fmt.Fprintf(w, "id:       %s\n", u.ID)
	fmt.Fprintf(w, "name:     %s\n", u.Name)
	fmt.Fprintf(w, "size:     %d\n", u.Size)
	fmt.Fprintf(w, "remote:   %s\n", u.Remote)
	fmt.Fprintf(w, "uploaded: %s\n", u.CreatedAt.Format(time.RFC3339))
	if u.Removed() {
		fmt.Fprintf(w, "removed:  %s (%s)\n", u.RemovedAt.Format(time.RFC3339), u.RemovalReason)
	}
	for _, e := range events {
		fmt.Fprintf(w, "  %s  %s\n", e.At.Format(time.RFC3339), e.Kind)
	}
	return nil
}

func Run(ctx context.Context, client *Client, args []string) error {
	if len(args) < 2 {
		return errors.New(usage)
	}

	switch cmd, arg := args[0], args[1]; cmd {
	case "put":
		link, err := client.Put(ctx, arg)
		if err != nil {
			return err
		}
		fmt.Println(link)

	case "get":
		out := path.Base(arg)
		if len(args) > 2 {
			out = args[2]
		}
		n, err := client.Get(ctx, arg, out)
		if err != nil {
			return err
		}
		slog.Info("Downloaded file", "path", out, "size", n)

	case "delete":
		msg, err := client.Delete(ctx, arg)
		if err != nil {
			return err
		}
		fmt.Println(msg)

	case "hash":
		hash, err := HashPassword(arg)
		if err != nil {
			return err
		}
		fmt.Println(hash)

	case "info":
		return Info(ctx, getenv("FILEDROP_LEDGER", ""), arg, os.Stdout)

	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
	return nil
}

func main() {
	client := NewClient(getenv("FILEDROP_ADDR", "http://localhost:80"))

	if err := Run(context.Background(), client, os.Args[1:]); err != nil {
		slog.Error("dropctl failed", "err", err)
		os.Exit(1)
	}
}
