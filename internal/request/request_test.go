package request_test

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"filedrop/internal/request"

	"github.com/stretchr/testify/require"
)

type countingConn struct {
	net.Conn
	reads atomic.Int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	c.reads.Add(1)
	return c.Conn.Read(p)
}

// connPair returns both ends of a loopback TCP connection.
func connPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen")
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err, "dial")

	server, ok := <-accepted
	require.True(t, ok, "accept")

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server.(*net.TCPConn), client.(*net.TCPConn)
}

func testOptions() request.Options {
	return request.Options{
		ReadTimeout:    20 * time.Millisecond,
		HeaderDeadline: 2 * time.Second,
		DrainTimeout:   200 * time.Millisecond,
	}
}

func send(t *testing.T, client *net.TCPConn, raw string, closeWrite bool) {
	t.Helper()
	_, err := client.Write([]byte(raw))
	require.NoError(t, err, "client write")
	if closeWrite {
		require.NoError(t, client.CloseWrite(), "client close write")
	}
}

func TestRequestLineAndHeaders(t *testing.T) {
	t.Parallel()

	server, client := connPair(t)
	send(t, client, "GET /files/abc123/report.txt HTTP/1.1\r\n"+
		"Host: example.test\r\n"+
		"Accept: */*\r\n"+
		"X-Dup: one\r\n"+
		"not a header line\r\n"+
		"X-Dup: two\r\n"+
		"\r\n", true)

	req := request.New(server, testOptions())
	defer req.Close()

	line, err := req.Line()
	require.NoError(t, err)
	require.Equal(t, request.MethodGet, line.Method)
	require.Equal(t, "GET", line.RawMethod)
	require.Equal(t, "/files/abc123/report.txt", line.Path)
	require.Equal(t, "HTTP/1.1", line.Proto)

	headers, err := req.Headers()
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"Host":   "example.test",
		"Accept": "*/*",
		"X-Dup":  "two",
	}, headers)

	host, ok := req.Header("host")
	require.True(t, ok, "case-insensitive fallback lookup")
	require.Equal(t, "example.test", host)
}

func TestHeaderFallbackIsDeterministic(t *testing.T) {
	t.Parallel()

	server, client := connPair(t)
	send(t, client, "GET / HTTP/1.1\r\n"+
		"host: lower.test\r\n"+
		"HOST: upper.test\r\n"+
		"\r\n", true)

	req := request.New(server, testOptions())
	defer req.Close()

	for range 50 {
		host, ok := req.Header("Host")
		require.True(t, ok)
		require.Equal(t, "upper.test", host, "names are compared in sorted order")
	}
}

func TestAccessorsAreIdempotent(t *testing.T) {
	t.Parallel()

	server, client := connPair(t)
	send(t, client, "put /a.txt undefined\r\nExpect: 100-continue\r\n\r\n", false)

	conn := &countingConn{Conn: server}
	req := request.New(conn, testOptions())
	defer req.Close()

	headers, err := req.Headers()
	require.NoError(t, err)
	reads := conn.reads.Load()

	for range 3 {
		method, err := req.Method()
		require.NoError(t, err)
		require.Equal(t, request.MethodPut, method)

		path, err := req.Path()
		require.NoError(t, err)
		require.Equal(t, "/a.txt", path)

		proto, err := req.Proto()
		require.NoError(t, err)
		require.Equal(t, "undefined", proto)

		again, err := req.Headers()
		require.NoError(t, err)
		require.Equal(t, headers, again)
	}
	require.Equal(t, reads, conn.reads.Load(), "accessors must not read the socket again")
}

func TestBodyStartsAfterHeaders(t *testing.T) {
	t.Parallel()

	server, client := connPair(t)
	send(t, client, "PUT /a.txt HTTP/1.1\r\nHost: h\r\n\r\nhello\r\n\r\nworld", true)

	req := request.New(server, testOptions())
	defer req.Close()

	body, err := io.ReadAll(req.Body())
	require.NoError(t, err)
	require.Equal(t, "hello\r\n\r\nworld", string(body))

	host, ok := req.Header("Host")
	require.True(t, ok)
	require.Equal(t, "h", host)
}

func TestEmptyHeaderBlock(t *testing.T) {
	t.Parallel()

	server, client := connPair(t)
	send(t, client, "GET / HTTP/1.1\r\n\r\n", false)

	req := request.New(server, testOptions())
	defer req.Close()

	headers, err := req.Headers()
	require.NoError(t, err)
	require.Empty(t, headers)
}

func TestHeaderDeadlineBoundsStalledPeer(t *testing.T) {
	t.Parallel()

	server, client := connPair(t)
	send(t, client, "GET / HTTP/1.1\r\nHost: stalled\r\n", false)

	opts := testOptions()
	opts.HeaderDeadline = 200 * time.Millisecond
	req := request.New(server, opts)
	defer req.Close()

	start := time.Now()
	headers, err := req.Headers()
	require.ErrorIs(t, err, request.ErrHeaderDeadline)
	require.Nil(t, headers)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestNoRequestLine(t *testing.T) {
	t.Parallel()

	server, client := connPair(t)
	require.NoError(t, client.Close())

	req := request.New(server, testOptions())
	defer req.Close()

	_, err := req.Line()
	require.ErrorIs(t, err, request.ErrNoRequestLine)

	_, err = req.Headers()
	require.ErrorIs(t, err, request.ErrNoRequestLine)
}

func TestMalformedRequestLine(t *testing.T) {
	t.Parallel()

	server, client := connPair(t)
	send(t, client, "GARBAGE\r\n\r\n", true)

	req := request.New(server, testOptions())
	defer req.Close()

	_, err := req.Line()
	require.ErrorIs(t, err, request.ErrMalformedRequestLine)
}

func TestInvalidUTF8HeadersYieldNothing(t *testing.T) {
	t.Parallel()

	server, client := connPair(t)
	send(t, client, "GET / HTTP/1.1\r\nGood: yes\r\nBad: \xff\xfe\r\n\r\n", true)

	req := request.New(server, testOptions())
	defer req.Close()

	headers, err := req.Headers()
	require.ErrorIs(t, err, request.ErrInvalidHeaders)
	require.Nil(t, headers, "no partial header data")

	_, ok := req.Header("Good")
	require.False(t, ok)
}

func TestParseMethod(t *testing.T) {
	t.Parallel()

	cases := map[string]request.Method{
		"GET":     request.MethodGet,
		" get ":   request.MethodGet,
		"Put":     request.MethodPut,
		"DELETE":  request.MethodDelete,
		"PATCH":   request.MethodOther,
		"":        request.MethodOther,
		"OPTIONS": request.MethodOther,
	}
	for raw, want := range cases {
		require.Equalf(t, want, request.ParseMethod(raw), "method %q", raw)
	}
}

func TestTranscriptIsBounded(t *testing.T) {
	t.Parallel()

	server, client := connPair(t)
	send(t, client, "GET / HTTP/1.1\r\nHost: h\r\n\r\n", true)

	opts := testOptions()
	opts.TranscriptLimit = 10
	req := request.New(server, opts)

	_, err := req.Headers()
	require.NoError(t, err)

	payload := "HTTP/1.1 200 Ok\r\n\r\n" + strings.Repeat("x", 40)
	_, err = req.WriteString(payload)
	require.NoError(t, err)
	require.NoError(t, req.Close())

	got, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, payload, string(got), "peer receives everything")

	require.Len(t, req.Response(), 10)
	require.True(t, req.Truncated())

	transcript := req.Transcript()
	require.Contains(t, transcript, "< GET / HTTP/1.1")
	require.Contains(t, transcript, "< Host: h")
	require.Contains(t, transcript, "> HTTP/1.1 2")
	require.True(t, strings.HasSuffix(transcript, "..."))
}

func TestCloseDrainsAndShutsDown(t *testing.T) {
	t.Parallel()

	server, client := connPair(t)
	send(t, client, "DELETE /abc/x HTTP/1.1\r\n\r\nleftover body bytes", false)

	req := request.New(server, testOptions())
	_, err := req.Line()
	require.NoError(t, err)
	require.NoError(t, req.Close())
	require.NoError(t, req.Close(), "second close is a no-op")

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := client.Read(make([]byte, 16))
	require.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)
}

type step struct {
	data string
	err  error
}

type scriptedReader struct {
	steps []step
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if len(r.steps) == 0 {
		return 0, io.EOF
	}
	s := r.steps[0]
	r.steps = r.steps[1:]
	return copy(p, s.data), s.err
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestPump(t *testing.T) {
	t.Parallel()

	t.Run("retries interrupted reads", func(t *testing.T) {
		src := &scriptedReader{steps: []step{
			{data: "ab"},
			{err: syscall.EINTR},
			{data: "cd"},
		}}
		var dst strings.Builder
		interrupts := 0
		n, err := request.Pump(&dst, src, make([]byte, 4), func(error) { interrupts++ })
		require.NoError(t, err)
		require.EqualValues(t, 4, n)
		require.Equal(t, "abcd", dst.String())
		require.Equal(t, 1, interrupts)
	})

	t.Run("timeout ends the transfer", func(t *testing.T) {
		src := &scriptedReader{steps: []step{
			{data: "ab"},
			{err: timeoutError{}},
			{data: "never"},
		}}
		var dst strings.Builder
		_, err := request.Pump(&dst, src, make([]byte, 1), nil)
		require.NoError(t, err)
		require.Equal(t, "ab", dst.String())
	})

	t.Run("hard errors abort", func(t *testing.T) {
		boom := errors.New("connection reset")
		src := &scriptedReader{steps: []step{{data: "a"}, {err: boom}}}
		var dst strings.Builder
		_, err := request.Pump(&dst, src, nil, nil)
		require.ErrorIs(t, err, boom)
	})
}
