// Package client is a line-mode chat client for the relay. It speaks the
// same wire format as the server and hands every received message to a
// Renderer.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/nfrund/chatrelay/internal/message"
)

// ErrMultiline is returned by Send for text containing a line break; the
// wire has no way to carry one inside a message.
var ErrMultiline = errors.New("message must be a single line")

// Conn is an open connection to a relay.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	wmu    sync.Mutex
	logger *slog.Logger
}

// Dial connects to addr and sends username as the handshake line.
func Dial(ctx context.Context, addr, username string) (*Conn, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("username is required")
	}
	if strings.ContainsAny(username, "\r\n") {
		return nil, ErrMultiline
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Conn{
		conn:   nc,
		reader: bufio.NewReader(nc),
		logger: slog.Default().With("component", "client", "addr", addr),
	}
	if err := c.writeLine(username); err != nil {
		nc.Close()
		return nil, fmt.Errorf("send username: %w", err)
	}
	return c, nil
}

// Send posts one chat line. Blank text is ignored, as the server would drop
// it anyway. Text that parses as a JSON object is read by the relay as an
// encoded message, so only its content field is relayed.
func (c *Conn) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if strings.ContainsAny(text, "\r\n") {
		return ErrMultiline
	}
	return c.writeLine(text)
}

func (c *Conn) writeLine(s string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := io.WriteString(c.conn, s+"\n")
	return err
}

// Receive returns the next message from the relay. Lines that do not decode
// are skipped. It returns io.EOF once the relay closes the connection.
func (c *Conn) Receive() (message.Message, error) {
	for {
		line, err := c.reader.ReadBytes('\n')
		if len(line) > 0 {
			m, derr := message.Decode(line)
			if derr == nil {
				return m, nil
			}
			c.logger.Debug("Skipping undecodable frame", "error", derr)
		}
		if err != nil {
			return message.Message{}, err
		}
	}
}

// Run pushes every received message into r until the relay hangs up, ctx is
// canceled, or the connection fails. A clean hang-up returns nil.
func (c *Conn) Run(ctx context.Context, r Renderer) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	for {
		m, err := c.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.Push(m)
	}
}

// Close hangs up.
func (c *Conn) Close() error {
	return c.conn.Close()
}
