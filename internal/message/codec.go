package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrMalformed is returned (wrapped in a *MalformedError) when a frame is not a
// valid encoding of a Message.
var ErrMalformed = errors.New("malformed message")

// MalformedError carries the offending frame alongside the decode failure.
type MalformedError struct {
	Line string
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed message %q: %v", e.Line, e.Err)
}

// Unwrap exposes both ErrMalformed and the underlying cause to errors.Is/As.
func (e *MalformedError) Unwrap() []error {
	return []error{ErrMalformed, e.Err}
}

// wireMessage mirrors Message with pointer fields so absent keys can be told
// apart from empty strings.
type wireMessage struct {
	Username  *string `json:"username" validate:"required"`
	Content   *string `json:"content" validate:"required"`
	Timestamp *string `json:"timestamp" validate:"required"`
	Kind      *Kind   `json:"message_type" validate:"required,oneof=UserMessage SystemMessage"`
}

var validate = validator.New()

// Encode returns the single-line encoding of m. The result never contains a
// newline; json escapes any in the content. HTML characters are left as is.
func Encode(m Message) ([]byte, error) {
	return marshal(m, "")
}

// MustEncode is Encode for callers that hold a Message built by this package,
// whose encoding cannot fail.
func MustEncode(m Message) []byte {
	b, err := Encode(m)
	if err != nil {
		panic(fmt.Sprintf("message: encode: %v", err))
	}
	return b
}

// Decode parses one encoded frame. Any deviation from the schema (unknown or
// missing keys, unknown kind, bad timestamp, trailing data, or a system
// message not authored by SystemUsername) yields a *MalformedError.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimRight(line, "\r\n")
	fail := func(err error) (Message, error) {
		return Message{}, &MalformedError{Line: string(line), Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()

	var w wireMessage
	if err := dec.Decode(&w); err != nil {
		return fail(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fail(errors.New("trailing data after message"))
	}
	if err := validate.Struct(w); err != nil {
		return fail(err)
	}
	if _, err := time.Parse(TimeLayout, *w.Timestamp); err != nil {
		return fail(fmt.Errorf("timestamp: %w", err))
	}
	if *w.Kind == SystemMessage && *w.Username != SystemUsername {
		return fail(fmt.Errorf("system message authored by %q", *w.Username))
	}

	return Message{
		Username:  *w.Username,
		Content:   *w.Content,
		Timestamp: *w.Timestamp,
		Kind:      *w.Kind,
	}, nil
}

// EncodeAll renders a sequence as the indented JSON array used for the
// persisted history file.
func EncodeAll(msgs []Message) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	return marshal(msgs, "  ")
}

func marshal(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", indent)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// DecodeAll parses a persisted JSON array, validating each element the same
// way Decode does.
func DecodeAll(data []byte) ([]Message, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(raw))
	for i, r := range raw {
		m, err := Decode(r)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
