// Package testutils holds helpers shared by the relay's package tests.
package testutils

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/nfrund/chatrelay/internal/config"
	"github.com/nfrund/chatrelay/internal/logging"
	"github.com/nfrund/chatrelay/internal/message"
	"github.com/stretchr/testify/require"
)

// ReadTimeout bounds every blocking read a test client performs.
const ReadTimeout = 2 * time.Second

// ConfigForTests returns a valid config that listens on an ephemeral
// loopback port and keeps its history in a per-test temp directory. Values
// from a .env.test file at the project root, if present, are applied first.
func ConfigForTests(t *testing.T) *config.Config {
	t.Helper()

	if root, ok := projectRoot(); ok {
		if env, err := godotenv.Read(filepath.Join(root, ".env.test")); err == nil {
			for key, value := range env {
				t.Setenv(key, value)
			}
		}
	}

	t.Setenv("CHAT_ADDR", "127.0.0.1:0")
	t.Setenv("CHAT_HISTORY_PATH", filepath.Join(t.TempDir(), "messages.json"))
	t.Setenv("LOG_FORMAT", "text")
	if os.Getenv("LOG_LEVEL") == "" {
		t.Setenv("LOG_LEVEL", "error")
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	logging.NewWithWriter(io.Discard, cfg.LogFormat, cfg.LogLevel)
	return cfg
}

func projectRoot() (string, bool) {
	path, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		if _, err := os.Stat(filepath.Join(path, "go.mod")); err == nil {
			return path, true
		}
		if path == filepath.Dir(path) {
			return "", false
		}
		path = filepath.Dir(path)
	}
}

// LineClient is a raw TCP chat client for tests: it writes lines and reads
// newline-terminated JSON frames.
type LineClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to addr and, when username is non-empty, sends it as the
// handshake line. The connection is closed when the test ends.
func Dial(t *testing.T, addr, username string) *LineClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, ReadTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &LineClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
	if username != "" {
		c.Send(username)
	}
	return c
}

// Conn exposes the underlying connection.
func (c *LineClient) Conn() net.Conn { return c.conn }

// LocalAddr is the address the server sees for this client.
func (c *LineClient) LocalAddr() string { return c.conn.LocalAddr().String() }

// Send writes line followed by a newline.
func (c *LineClient) Send(line string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(c.t, err)
}

// Next reads and decodes the next frame, failing the test on timeout.
func (c *LineClient) Next() message.Message {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(ReadTimeout)))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(c.t, err, "waiting for a frame")

	m, err := message.Decode(line)
	require.NoError(c.t, err, "frame %q", line)
	return m
}

// NextN reads n frames.
func (c *LineClient) NextN(n int) []message.Message {
	c.t.Helper()
	out := make([]message.Message, 0, n)
	for range n {
		out = append(out, c.Next())
	}
	return out
}

// ExpectSilence fails the test if a frame arrives within d.
func (c *LineClient) ExpectSilence(d time.Duration) {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	line, err := c.reader.ReadBytes('\n')
	if err == nil {
		c.t.Fatalf("expected no frame, got %q", line)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		c.t.Fatalf("expected a read timeout, got %v", err)
	}
}

// ExpectClosed fails the test unless the server closes the connection
// within ReadTimeout. Frames still in flight are discarded.
func (c *LineClient) ExpectClosed() {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(ReadTimeout)))
	for {
		if _, err := c.reader.ReadBytes('\n'); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.t.Fatalf("connection was not closed by the server")
			}
			return
		}
	}
}

// Close hangs up.
func (c *LineClient) Close() error { return c.conn.Close() }
