// Package bus is the coordination bus shared by every runner in a session:
// FIFO inboxes, advisory file locks, and the shared-context store. One mutex
// guards all three; every operation is synchronous.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ShayCichocki/squad/internal/logging"
)

// SystemSender is the From of messages originated by the bus itself.
const SystemSender = "bus"

// ErrUnknownRecipient is returned when sending to a worker that never registered.
var ErrUnknownRecipient = errors.New("unknown recipient")

const (
	messagesDir   = "messages"
	globalLogName = "all_messages.jsonl"
	subscriberBuf = 64
)

type inbox struct {
	queue  []Message
	notify chan struct{}
	log    *os.File
}

// Bus coordinates workers within a session.
type Bus struct {
	mu sync.Mutex

	root    string
	persist bool
	logger  *slog.Logger

	inboxes map[string]*inbox
	order   []string
	global  *os.File

	locks    map[string]string
	versions map[string]int

	shared     *SharedState
	sharedPath string

	subscribers map[int]chan Message
	nextSub     int
}

// Option configures a Bus.
type Option func(*Bus)

// WithPersistence controls whether messages are appended to JSONL logs.
func WithPersistence(persist bool) Option {
	return func(b *Bus) { b.persist = persist }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = logging.OrNop(l) }
}

// New creates a bus rooted at the session directory. An existing
// shared_state.json under root is loaded.
func New(root string, opts ...Option) (*Bus, error) {
	b := &Bus{
		root:        root,
		persist:     true,
		logger:      logging.Nop(),
		inboxes:     make(map[string]*inbox),
		locks:       make(map[string]string),
		versions:    make(map[string]int),
		shared:      newSharedState(),
		sharedPath:  filepath.Join(root, sharedStateFile),
		subscribers: make(map[int]chan Message),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create bus root: %w", err)
	}
	if b.persist {
		if err := os.MkdirAll(filepath.Join(root, messagesDir), 0755); err != nil {
			return nil, fmt.Errorf("create messages dir: %w", err)
		}
		f, err := openAppend(filepath.Join(root, messagesDir, globalLogName))
		if err != nil {
			return nil, err
		}
		b.global = f
	}
	if err := b.loadShared(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// Root returns the session directory.
func (b *Bus) Root() string {
	return b.root
}

// Close releases log files and closes subscriber channels.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, ib := range b.inboxes {
		if ib.log != nil {
			errs = append(errs, ib.log.Close())
			ib.log = nil
		}
	}
	if b.global != nil {
		errs = append(errs, b.global.Close())
		b.global = nil
	}
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	return errors.Join(errs...)
}

// Register creates an inbox for the worker and opens its log. Idempotent.
func (b *Bus) Register(workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inboxes[workerID]; ok {
		return nil
	}
	ib := &inbox{notify: make(chan struct{}, 1)}
	if b.persist {
		f, err := openAppend(filepath.Join(b.root, messagesDir, workerID+"_inbox.jsonl"))
		if err != nil {
			return err
		}
		ib.log = f
	}
	b.inboxes[workerID] = ib
	b.order = append(b.order, workerID)
	b.logger.Debug("inbox registered", "worker", workerID)
	return nil
}

// Registered returns worker ids in registration order.
func (b *Bus) Registered() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

// Send delivers msg. A Broadcast goes to every registered inbox except the
// sender's; otherwise the named inbox must exist.
func (b *Bus) Send(msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendLocked(msg)
}

func (b *Bus) sendLocked(msg Message) error {
	if msg.Payload == nil {
		return errors.New("message has no payload")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	var recipients []string
	if msg.To == Broadcast {
		for _, id := range b.order {
			if id != msg.From {
				recipients = append(recipients, id)
			}
		}
	} else {
		if _, ok := b.inboxes[msg.To]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRecipient, msg.To)
		}
		recipients = []string{msg.To}
	}

	var line []byte
	if b.persist {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		line = append(data, '\n')
		if b.global != nil {
			if _, err := b.global.Write(line); err != nil {
				b.logger.Warn("global message log write failed", "error", err)
			}
		}
	}

	for _, id := range recipients {
		ib := b.inboxes[id]
		if ib.log != nil {
			if _, err := ib.log.Write(line); err != nil {
				b.logger.Warn("inbox log write failed", "worker", id, "error", err)
			}
		}
		ib.queue = append(ib.queue, msg)
		select {
		case ib.notify <- struct{}{}:
		default:
		}
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
	b.logger.Debug("message sent", "from", msg.From, "to", msg.To, "kind", msg.Kind(), "recipients", len(recipients))
	return nil
}

// Receive drains the worker's inbox and returns every message queued, in
// send order. When the inbox is empty it waits up to timeout for the first
// message; a zero timeout returns immediately.
func (b *Bus) Receive(ctx context.Context, workerID string, timeout time.Duration) ([]Message, error) {
	b.mu.Lock()
	ib, ok := b.inboxes[workerID]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, workerID)
	}
	if msgs := drain(ib); len(msgs) > 0 {
		b.mu.Unlock()
		return msgs, nil
	}
	b.mu.Unlock()

	if timeout <= 0 {
		return nil, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ib.notify:
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return drain(ib), nil
}

// Peek returns the queued messages without removing them.
func (b *Bus) Peek(workerID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ib, ok := b.inboxes[workerID]
	if !ok {
		return nil
	}
	return append([]Message(nil), ib.queue...)
}

func drain(ib *inbox) []Message {
	if len(ib.queue) == 0 {
		return nil
	}
	msgs := ib.queue
	ib.queue = nil
	// Clear a stale wakeup so the next Receive waits for a fresh message.
	select {
	case <-ib.notify:
	default:
	}
	return msgs
}

// Subscribe returns a channel observing every message sent after the call,
// and a function that ends the subscription. Slow subscribers drop messages.
func (b *Bus) Subscribe() (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan Message, subscriberBuf)
	b.subscribers[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			close(c)
			delete(b.subscribers, id)
		}
	}
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
