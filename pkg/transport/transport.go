// Package transport carries requests and replies over a message channel and
// runs the gateway that feeds deliveries into the gate.
//
// Subjects:
//
//	run.req.<policy>   inbound requests, message id = request fingerprint
//	run.res.<run_id>   reply with the result or a structured error
//	run.ack.<run_id>   confirmation from the requester that the reply arrived
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/magicrune/pkg/gate"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

const (
	DefaultRequestSubject = "run.req.default"
	DefaultRequestFilter  = "run.req.>"
	DefaultReplyBase      = "run.res"
	DefaultAckBase        = "run.ack"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

// Delivery is one received request message.
type Delivery interface {
	Data() []byte
	// MsgID is the deduplication id set by the publisher, or "".
	MsgID() string
	Subject() string
	NumDelivered() uint64
	// DoubleAck acknowledges the message and waits for the server to confirm.
	DoubleAck(ctx context.Context) error
	// Nak asks for redelivery.
	Nak(ctx context.Context) error
}

// Handler is called once per delivery. It must not block for the duration of
// the run.
type Handler func(ctx context.Context, d Delivery)

// PubAck reports the outcome of a publish.
type PubAck struct {
	Stream    string
	Sequence  uint64
	Duplicate bool
}

// Transport is a message channel with deduplicated request intake.
type Transport interface {
	// Consume delivers requests to handler until ctx is done.
	Consume(ctx context.Context, handler Handler) error
	// Publish sends data to subject. A non-empty msgID is deduplicated within
	// the transport's window when subject belongs to a stream.
	Publish(ctx context.Context, subject, msgID string, data []byte) (PubAck, error)
	// Subscribe registers fn for messages on subject, which may contain
	// NATS wildcards.
	Subscribe(subject string, fn func(subject string, data []byte)) (unsubscribe func() error, err error)
	Close() error
}

// ReplySubject is the subject a result for runID is published on.
func ReplySubject(base, runID string) string { return base + "." + runID }

// AckSubject is the subject a requester confirms receipt on.
func AckSubject(base, runID string) string { return base + "." + runID }

// Reply is the wire form of a reply: a result or an error, never both.
type Reply struct {
	Result *spell.Result
	Error  *gate.Error
}

type errorReply struct {
	Error *gate.Error `json:"error"`
}

// MarshalJSON writes the bare result document, or {"error": {...}}.
func (r Reply) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(errorReply{Error: r.Error})
	}
	if r.Result == nil {
		return nil, errors.New("transport: empty reply")
	}
	return json.Marshal(r.Result)
}

// DecodeReply parses a reply. Results are schema-validated.
func DecodeReply(data []byte) (*Reply, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("transport: decode reply: %w", err)
	}
	if raw, ok := probe["error"]; ok {
		var e gate.Error
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("transport: decode error reply: %w", err)
		}
		return &Reply{Error: &e}, nil
	}
	res, err := spell.DecodeResult(data)
	if err != nil {
		return nil, err
	}
	return &Reply{Result: res}, nil
}

// subjectMatches reports whether subject matches a NATS pattern where "*"
// matches one token and a trailing ">" matches one or more.
func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
