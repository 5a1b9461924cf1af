// Package request reads HTTP-like requests directly off a TCP byte stream
// and writes raw responses back over the same connection.
package request

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	DefaultReadTimeout     = 100 * time.Millisecond
	DefaultHeaderDeadline  = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultDrainTimeout    = time.Second
	DefaultTranscriptLimit = 500
)

var (
	ErrNoRequestLine        = errors.New("no request line received")
	ErrMalformedRequestLine = errors.New("malformed request line")
	ErrHeaderDeadline       = errors.New("request head not completed before deadline")
	ErrInvalidHeaders       = errors.New("header block is not valid UTF-8")
)

// Options controls the timeouts and diagnostic capture of a Request.
type Options struct {
	// ReadTimeout bounds every individual read from the connection.
	ReadTimeout time.Duration
	// HeaderDeadline bounds the total time spent reading the request line
	// and header block, across any number of timed-out reads.
	HeaderDeadline time.Duration
	// WriteTimeout bounds every individual write to the connection.
	WriteTimeout time.Duration
	// DrainTimeout bounds how long Close keeps discarding unread bytes.
	DrainTimeout time.Duration
	// TranscriptLimit caps how many response bytes are kept for display.
	TranscriptLimit int
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.HeaderDeadline <= 0 {
		o.HeaderDeadline = DefaultHeaderDeadline
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	if o.TranscriptLimit <= 0 {
		o.TranscriptLimit = DefaultTranscriptLimit
	}
	return o
}

// Line is a parsed request line. Path and Proto are kept verbatim.
type Line struct {
	Method    Method
	RawMethod string
	Path      string
	Proto     string
}

// deadlineReader arms a fresh read deadline before every read so a stalled
// peer can never block a single read for longer than timeout.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
	limit   time.Time
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	deadline := time.Now().Add(d.timeout)
	if !d.limit.IsZero() && d.limit.Before(deadline) {
		deadline = d.limit
	}
	if err := d.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	return d.conn.Read(p)
}

// Request is the per-connection view of one request. The request line and
// the header block are parsed lazily, strictly in that order, and at most
// once; the body is whatever follows the header block on the connection.
//
// A Request is not safe for concurrent use.
type Request struct {
	conn net.Conn
	src  *deadlineReader
	r    *bufio.Reader
	opts Options

	headDeadline time.Time

	lineParsed     bool
	lineTerminated bool
	rawLine        string
	line           Line
	lineErr        error

	headersParsed bool
	headers       map[string]string
	headersErr    error

	response  []byte
	truncated bool

	closeOnce sync.Once
	closeErr  error
}

// New wraps conn. The caller must Close the returned Request, which drains
// and closes conn.
func New(conn net.Conn, opts Options) *Request {
	opts = opts.withDefaults()
	src := &deadlineReader{conn: conn, timeout: opts.ReadTimeout}
	return &Request{
		conn: conn,
		src:  src,
		r:    bufio.NewReader(src),
		opts: opts,
	}
}

// readHeadByte reads one byte of the request head. Timed-out reads are
// reissued until the head deadline passes.
func (r *Request) readHeadByte() (byte, error) {
	if r.headDeadline.IsZero() {
		r.headDeadline = time.Now().Add(r.opts.HeaderDeadline)
	}
	for {
		b, err := r.r.ReadByte()
		if err == nil {
			return b, nil
		}
		if !IsTimeout(err) {
			return 0, err
		}
		if !time.Now().Before(r.headDeadline) {
			return 0, ErrHeaderDeadline
		}
	}
}

// Line returns the parsed request line, reading it on first use.
func (r *Request) Line() (Line, error) {
	if !r.lineParsed {
		r.lineParsed = true
		r.line, r.lineErr = r.readLine()
	}
	return r.line, r.lineErr
}

func (r *Request) readLine() (Line, error) {
	var buf []byte
	sawReturn := false
	for {
		b, err := r.readHeadByte()
		if err != nil {
			if len(buf) == 0 && !sawReturn {
				return Line{}, fmt.Errorf("%w: %w", ErrNoRequestLine, err)
			}
			break
		}
		if sawReturn {
			if b == '\n' {
				r.lineTerminated = true
				break
			}
			buf = append(buf, '\r')
			sawReturn = false
		}
		if b == '\r' {
			sawReturn = true
			continue
		}
		buf = append(buf, b)
	}

	if !utf8.Valid(buf) {
		return Line{}, ErrMalformedRequestLine
	}
	r.rawLine = string(buf)
	return parseLine(r.rawLine)
}

func parseLine(raw string) (Line, error) {
	method, rest, ok := strings.Cut(raw, " ")
	if !ok {
		return Line{}, fmt.Errorf("%w: %q", ErrMalformedRequestLine, raw)
	}
	path, proto, ok := strings.Cut(rest, " ")
	if !ok {
		return Line{}, fmt.Errorf("%w: %q", ErrMalformedRequestLine, raw)
	}
	return Line{
		Method:    ParseMethod(method),
		RawMethod: method,
		Path:      path,
		Proto:     proto,
	}, nil
}

// Method returns the request method.
func (r *Request) Method() (Method, error) {
	line, err := r.Line()
	return line.Method, err
}

// Path returns the raw, undecoded request target.
func (r *Request) Path() (string, error) {
	line, err := r.Line()
	return line.Path, err
}

// Proto returns the protocol token of the request line.
func (r *Request) Proto() (string, error) {
	line, err := r.Line()
	return line.Proto, err
}

// Headers returns the header block as a map keyed by header name exactly
// as received. The last occurrence of a repeated name wins. The request
// line is always read first.
func (r *Request) Headers() (map[string]string, error) {
	if !r.headersParsed {
		_, _ = r.Line()
		r.headersParsed = true
		r.headers, r.headersErr = r.readHeaders()
	}
	return r.headers, r.headersErr
}

func (r *Request) readHeaders() (map[string]string, error) {
	if errors.Is(r.lineErr, ErrNoRequestLine) {
		return nil, r.lineErr
	}

	// The CRLF ending the request line counts towards the terminator, so an
	// empty header block is a single CRLF.
	state := stateNone
	if r.lineTerminated {
		state = stateFirstNewline
	}

	var block []byte
	for !state.done() {
		b, err := r.readHeadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, ErrHeaderDeadline) {
				return nil, err
			}
			return nil, fmt.Errorf("read header block: %w", err)
		}
		block = append(block, b)
		state = state.step(b)
	}

	if !utf8.Valid(block) {
		return nil, ErrInvalidHeaders
	}
	return parseHeaders(string(block)), nil
}

func parseHeaders(block string) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		headers[name] = value
	}
	return headers
}

// Header looks up a single header. An exact match on the name is preferred;
// otherwise the case-insensitive match whose name sorts first is used.
func (r *Request) Header(name string) (string, bool) {
	headers, err := r.Headers()
	if err != nil {
		return "", false
	}
	if v, ok := headers[name]; ok {
		return v, true
	}
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		if strings.EqualFold(k, name) {
			return headers[k], true
		}
	}
	return "", false
}

// Body returns a reader positioned at the first payload byte. Reads time
// out after the configured read timeout.
func (r *Request) Body() io.Reader {
	_, _ = r.Headers()
	return r.r
}

// Write sends p to the peer, mirroring the start of the response into the
// transcript.
func (r *Request) Write(p []byte) (int, error) {
	r.capture(p)
	if err := r.conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout)); err != nil {
		return 0, err
	}
	return r.conn.Write(p)
}

// WriteString is like Write but takes a string.
func (r *Request) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

func (r *Request) capture(p []byte) {
	if r.truncated {
		return
	}
	room := r.opts.TranscriptLimit - len(r.response)
	if len(p) > room {
		r.response = append(r.response, p[:max(room, 0)]...)
		r.truncated = true
		return
	}
	r.response = append(r.response, p...)
}

// Response returns the captured prefix of everything written so far.
func (r *Request) Response() []byte {
	return r.response
}

// Truncated reports whether more was written than the transcript keeps.
func (r *Request) Truncated() bool {
	return r.truncated
}

func (r *Request) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

func (r *Request) RemoteAddr() net.Addr {
	return r.conn.RemoteAddr()
}

// Close discards unread bytes for at most the drain timeout, then shuts the
// connection down in both directions. It is safe to call more than once.
func (r *Request) Close() error {
	r.closeOnce.Do(func() {
		r.src.limit = time.Now().Add(r.opts.DrainTimeout)
		_, _ = io.Copy(io.Discard, r.r)

		if cw, ok := r.conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		if cr, ok := r.conn.(interface{ CloseRead() error }); ok {
			_ = cr.CloseRead()
		}
		r.closeErr = r.conn.Close()
	})
	return r.closeErr
}

// Transcript renders the request head and the captured response for
// diagnostic logging. The body is never included.
func (r *Request) Transcript() string {
	var b strings.Builder
	b.WriteString("----- INCOMING -----\n")
	fmt.Fprintf(&b, "< %s\r\n", r.rawLine)
	for _, name := range slices.Sorted(maps.Keys(r.headers)) {
		fmt.Fprintf(&b, "< %s: %s\r\n", name, r.headers[name])
	}
	b.WriteString("< \r\n")
	b.WriteString("< (body not displayed)\r\n")
	b.WriteString("----- OUTGOING -----\n")

	out := strings.ToValidUTF8(string(r.response), "�")
	out = strings.TrimRight(strings.ReplaceAll(out, "\r\n", "\n"), "\n")
	for i, line := range strings.Split(out, "\n") {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString("> ")
		b.WriteString(line)
	}
	if r.truncated {
		b.WriteString("\r\n...")
	}
	return b.String()
}
