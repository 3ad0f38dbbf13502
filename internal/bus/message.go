package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownKind is returned when decoding a message whose kind is not in the closed set.
var ErrUnknownKind = errors.New("unknown message kind")

// Kind identifies a message type. The set is closed.
type Kind string

const (
	KindFileLocked           Kind = "file_locked"
	KindFileUnlocked         Kind = "file_unlocked"
	KindFileConflict         Kind = "file_conflict"
	KindConflictNotification Kind = "conflict_notification"
	KindDiscovery            Kind = "discovery"
	KindErrorReport          Kind = "error_report"
	KindTaskUpdate           Kind = "task_update"
	KindStatus               Kind = "status"
)

// Valid returns true for kinds in the closed set.
func (k Kind) Valid() bool {
	_, ok := decoders[k]
	return ok
}

// Payload is the typed body of a message. Each payload type maps to exactly one Kind.
type Payload interface {
	Kind() Kind
}

// FileLocked announces that Holder acquired Path.
type FileLocked struct {
	Path    string `json:"path"`
	Holder  string `json:"holder"`
	Version int    `json:"version"`
}

// FileUnlocked announces that Holder released Path.
type FileUnlocked struct {
	Path   string `json:"path"`
	Holder string `json:"holder"`
}

// FileConflict tells a requester that Path is held by Holder.
type FileConflict struct {
	Path   string `json:"path"`
	Holder string `json:"holder"`
}

// ConflictNotification tells a holder that Requester wanted Path.
type ConflictNotification struct {
	Path      string `json:"path"`
	Requester string `json:"requester"`
}

// Discovery shares something a worker learned.
type Discovery struct {
	Topic  string `json:"topic"`
	Detail string `json:"detail"`
}

// ErrorReport shares a failure.
type ErrorReport struct {
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error"`
}

// TaskUpdate reports a work item status change.
type TaskUpdate struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Status is a free-form worker heartbeat.
type Status struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

func (FileLocked) Kind() Kind           { return KindFileLocked }
func (FileUnlocked) Kind() Kind         { return KindFileUnlocked }
func (FileConflict) Kind() Kind         { return KindFileConflict }
func (ConflictNotification) Kind() Kind { return KindConflictNotification }
func (Discovery) Kind() Kind            { return KindDiscovery }
func (ErrorReport) Kind() Kind          { return KindErrorReport }
func (TaskUpdate) Kind() Kind           { return KindTaskUpdate }
func (Status) Kind() Kind               { return KindStatus }

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

var decoders = map[Kind]func(json.RawMessage) (Payload, error){
	KindFileLocked:           decodeAs[FileLocked],
	KindFileUnlocked:         decodeAs[FileUnlocked],
	KindFileConflict:         decodeAs[FileConflict],
	KindConflictNotification: decodeAs[ConflictNotification],
	KindDiscovery:            decodeAs[Discovery],
	KindErrorReport:          decodeAs[ErrorReport],
	KindTaskUpdate:           decodeAs[TaskUpdate],
	KindStatus:               decodeAs[Status],
}

// Broadcast is the empty recipient.
const Broadcast = ""

// Message is one bus envelope.
type Message struct {
	// From is the sending worker id, or SystemSender for bus-originated messages.
	From string
	// To is the recipient worker id, or Broadcast.
	To string
	// Payload carries the kind-specific body.
	Payload Payload
	// Timestamp is set by Send when zero.
	Timestamp time.Time
}

// Kind returns the payload's kind.
func (m Message) Kind() Kind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

type wireMessage struct {
	From      string          `json:"from"`
	To        *string         `json:"to"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalJSON encodes {from, to, kind, payload, timestamp}; to is null for broadcasts.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, errors.New("message has no payload")
	}
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.Kind(), err)
	}
	w := wireMessage{From: m.From, Kind: m.Kind(), Payload: payload, Timestamp: m.Timestamp}
	if m.To != Broadcast {
		to := m.To
		w.To = &to
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a message, returning ErrUnknownKind for kinds outside the closed set.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decode, ok := decoders[w.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind)
	}
	p, err := decode(w.Payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", w.Kind, err)
	}
	m.From = w.From
	m.To = Broadcast
	if w.To != nil {
		m.To = *w.To
	}
	m.Payload = p
	m.Timestamp = w.Timestamp
	return nil
}
