package client

import (
	"fmt"
	"io"
	"sync"

	"github.com/nfrund/chatrelay/internal/message"
)

// Renderer is whatever displays the conversation.
type Renderer interface {
	Push(m message.Message)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(m message.Message)

// Push calls f.
func (f RendererFunc) Push(m message.Message) { f(m) }

// TextRenderer writes one line per message.
type TextRenderer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTextRenderer renders to w.
func NewTextRenderer(w io.Writer) *TextRenderer {
	return &TextRenderer{w: w}
}

// Push writes m as "HH:MM:SS username content", with system notices marked.
func (t *TextRenderer) Push(m message.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.w, Format(m))
}

// Format renders a single message the way TextRenderer prints it.
func Format(m message.Message) string {
	if m.IsSystem() {
		return fmt.Sprintf("%s *** %s", m.Timestamp, m.Content)
	}
	return fmt.Sprintf("%s %s: %s", m.Timestamp, m.Username, m.Content)
}

// Log is a scrollable message log for a fixed-height view. It follows the
// newest message while the view is at the bottom and stays put once the
// user scrolls up.
type Log struct {
	mu     sync.Mutex
	msgs   []message.Message
	offset int
	height int
}

// NewLog creates a log for a view height rows tall.
func NewLog(height int) *Log {
	return &Log{height: max(height, 1)}
}

// Push appends m.
func (l *Log) Push(m message.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	following := l.atBottom()
	l.msgs = append(l.msgs, m)
	if following {
		l.offset = max(0, len(l.msgs)-l.height)
	}
}

func (l *Log) atBottom() bool {
	return l.offset+l.height >= len(l.msgs)
}

// Resize changes the view height, keeping the bottom pinned if it was.
func (l *Log) Resize(height int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	following := l.atBottom()
	l.height = max(height, 1)
	if following {
		l.offset = max(0, len(l.msgs)-l.height)
	}
}

// ScrollUp moves the view one message toward the oldest.
func (l *Log) ScrollUp() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.offset > 0 {
		l.offset--
	}
}

// ScrollDown moves the view one message toward the newest.
func (l *Log) ScrollDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.offset < len(l.msgs)-1 {
		l.offset++
	}
}

// Offset is the index of the first visible message.
func (l *Log) Offset() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offset
}

// Visible returns a copy of the messages currently in view.
func (l *Log) Visible() []message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	end := min(l.offset+l.height, len(l.msgs))
	out := make([]message.Message, end-l.offset)
	copy(out, l.msgs[l.offset:end])
	return out
}

// Len is the number of messages pushed so far.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}
