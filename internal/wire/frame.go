package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/wireproto/capnweb/internal/rpcerr"
)

// MessageTag is the batch-message discriminant: one of push, pull, resolve,
// reject. Only push and pull are ever sent by a client; resolve and reject
// are produced by the server, but ParseMessage still recognizes them so
// answers round-trip through the same codec the tests exercise.
type MessageTag string

const (
	TagPush    MessageTag = "push"
	TagPull    MessageTag = "pull"
	TagResolve MessageTag = "resolve"
	TagReject  MessageTag = "reject"
)

// Message is one decoded line of a batch frame.
type Message struct {
	Tag      MessageTag
	Expr     Expr   // push
	ResultID int    // pull / resolve / reject
	Value    json.RawMessage
	Err      *rpcerr.Error
}

// ParseMessage decodes a single NDJSON line into a batch message. It never
// panics on malformed input; every failure comes back as a plain error with
// a short description.
func ParseMessage(line []byte) (Message, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Message{}, fmt.Errorf("not a JSON array: %w", err)
	}
	if len(raw) == 0 {
		return Message{}, fmt.Errorf("empty message")
	}
	var tag string
	if err := json.Unmarshal(raw[0], &tag); err != nil {
		return Message{}, fmt.Errorf("message tag must be a string: %w", err)
	}

	switch MessageTag(tag) {
	case TagPush:
		if len(raw) != 2 {
			return Message{}, fmt.Errorf(`"push" needs exactly 2 elements, got %d`, len(raw))
		}
		expr, err := ParseExpr(raw[1])
		if err != nil {
			return Message{}, fmt.Errorf("invalid push expression: %w", err)
		}
		return Message{Tag: TagPush, Expr: expr}, nil

	case TagPull:
		if len(raw) != 2 {
			return Message{}, fmt.Errorf(`"pull" needs exactly 2 elements, got %d`, len(raw))
		}
		id, err := parseUint(raw[1], "pull result_id")
		if err != nil {
			return Message{}, err
		}
		return Message{Tag: TagPull, ResultID: id}, nil

	case TagResolve:
		if len(raw) != 3 {
			return Message{}, fmt.Errorf(`"resolve" needs exactly 3 elements, got %d`, len(raw))
		}
		id, err := parseUint(raw[1], "resolve result_id")
		if err != nil {
			return Message{}, err
		}
		return Message{Tag: TagResolve, ResultID: id, Value: raw[2]}, nil

	case TagReject:
		if len(raw) != 3 {
			return Message{}, fmt.Errorf(`"reject" needs exactly 3 elements, got %d`, len(raw))
		}
		id, err := parseUint(raw[1], "reject result_id")
		if err != nil {
			return Message{}, err
		}
		var rerr rpcerr.Error
		if err := json.Unmarshal(raw[2], &rerr); err != nil {
			return Message{}, fmt.Errorf("invalid reject error object: %w", err)
		}
		return Message{Tag: TagReject, ResultID: id, Err: &rerr}, nil

	default:
		return Message{}, fmt.Errorf("unrecognized message tag %q", tag)
	}
}

// ScanBatch reads a batch body line by line, tolerating CRLF and blank
// lines, and invokes handle for each decoded message in order. It stops and
// returns the first error encountered, either from reading or from
// handle — mirroring the intake loop's need to abort on the first
// protocol violation.
func ScanBatch(r io.Reader, maxBytes int, handle func(Message) error) error {
	scanner := bufio.NewScanner(r)
	if maxBytes > 0 {
		scanner.Buffer(make([]byte, 0, 64*1024), maxBytes)
	}
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimRight(scanner.Text(), "\r"))
		if line == "" {
			continue
		}
		msg, err := ParseMessage([]byte(line))
		if err != nil {
			return err
		}
		if err := handle(msg); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Answer is one resolve/reject line of a batch response.
type Answer struct {
	ResultID int
	Value    interface{}
	Err      *rpcerr.Error
}

func (a Answer) MarshalJSON() ([]byte, error) {
	if a.Err != nil {
		return json.Marshal([]interface{}{TagReject, a.ResultID, a.Err})
	}
	return json.Marshal([]interface{}{TagResolve, a.ResultID, a.Value})
}

// EncodeAnswers writes the newline-delimited response frame: one answer per
// line, in the order given, followed by a single trailing newline.
func EncodeAnswers(w io.Writer, answers []Answer) error {
	for _, a := range answers {
		b, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	return nil
}
