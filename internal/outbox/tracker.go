package outbox

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpweb/internal/backend"
	"github.com/matheus3301/wpweb/internal/bus"
	"github.com/matheus3301/wpweb/internal/metrics"
	"github.com/matheus3301/wpweb/internal/model"
	"github.com/matheus3301/wpweb/internal/store"
)

// State of an optimistic send.
type State string

const (
	StateSending State = "sending"
	StateSent    State = "sent"
	StateFailed  State = "failed"
)

// Recorder persists send attempts.
type Recorder interface {
	RecordSending(ctx context.Context, clientMsgID, chatID, content, attachment string) error
	RecordSent(ctx context.Context, clientMsgID string) error
	RecordFailed(ctx context.Context, clientMsgID, reason string) error
	MarkInterrupted(ctx context.Context) (int64, error)
	OutboxByStatus(ctx context.Context, status string, limit int) ([]store.OutboxEntry, error)
}

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 50

// Entry is one send attempt.
type Entry struct {
	ClientMsgID string    `json:"client_msg_id"`
	ChatID      string    `json:"chat_id"`
	Content     string    `json:"content"`
	Attachment  string    `json:"attachment,omitempty"`
	State       State     `json:"state"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func entryFromRow(r store.OutboxEntry) Entry {
	return Entry{
		ClientMsgID: r.ClientMsgID,
		ChatID:      r.ChatID,
		Content:     r.Content,
		Attachment:  r.Attachment,
		State:       State(r.Status),
		Error:       r.ErrorMessage,
		CreatedAt:   time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:   time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

// SendEvent is the payload of message.sending, message.send_ack and
// message.send_failed bus events.
type SendEvent struct {
	ClientMsgID string `json:"client_msg_id"`
	ChatID      string `json:"chat_id"`
	Error       string `json:"error,omitempty"`
}

// Tracker follows optimistic sends by client message id from sending to
// sent or failed.
type Tracker struct {
	mu     sync.Mutex
	sends  map[string]Entry
	rec    Recorder
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a tracker. rec may be nil to keep state in memory only.
func NewTracker(rec Recorder, b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		sends:  make(map[string]Entry),
		rec:    rec,
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

// Recover fails attempts a previous daemon left unfinished.
func (t *Tracker) Recover(ctx context.Context) {
	if t.rec == nil {
		return
	}
	n, err := t.rec.MarkInterrupted(ctx)
	if err != nil {
		t.logger.Warn("failed to recover send log", zap.Error(err))
		return
	}
	if n > 0 {
		t.logger.Info("marked interrupted sends as failed", zap.Int64("count", n))
	}
}

// Begin records that msg is being sent.
func (t *Tracker) Begin(ctx context.Context, msg model.Message, attachment string) {
	now := t.now().UTC()
	t.mu.Lock()
	t.sends[msg.ID] = Entry{
		ClientMsgID: msg.ID,
		ChatID:      msg.ChatID,
		Content:     msg.Content,
		Attachment:  attachment,
		State:       StateSending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.mu.Unlock()

	if t.rec != nil {
		if err := t.rec.RecordSending(ctx, msg.ID, msg.ChatID, msg.Content, attachment); err != nil {
			t.logger.Warn("failed to log send", zap.Error(err), zap.String("client_msg_id", msg.ID))
		}
	}
	t.bus.Emit(bus.KindMessageSending, SendEvent{ClientMsgID: msg.ID, ChatID: msg.ChatID})
}

// Ack records that the backend stored the message.
func (t *Tracker) Ack(ctx context.Context, msg model.Message) {
	if !t.settle(msg.ID, StateSent, "") {
		return
	}
	if t.rec != nil {
		if err := t.rec.RecordSent(ctx, msg.ID); err != nil {
			t.logger.Warn("failed to log send ack", zap.Error(err), zap.String("client_msg_id", msg.ID))
		}
	}
	metrics.MessagesSent.WithLabelValues(string(StateSent)).Inc()
	t.logger.Info("message sent", zap.String("client_msg_id", msg.ID), zap.String("chat_id", msg.ChatID))
	t.bus.Emit(bus.KindMessageSendAck, SendEvent{ClientMsgID: msg.ID, ChatID: msg.ChatID})
}

// Fail records that the send failed with err.
func (t *Tracker) Fail(ctx context.Context, msg model.Message, err error) {
	reason := backend.UserMessage(err)
	if !t.settle(msg.ID, StateFailed, reason) {
		return
	}
	if t.rec != nil {
		if rerr := t.rec.RecordFailed(ctx, msg.ID, reason); rerr != nil {
			t.logger.Warn("failed to log send failure", zap.Error(rerr), zap.String("client_msg_id", msg.ID))
		}
	}
	metrics.MessagesSent.WithLabelValues(string(StateFailed)).Inc()
	t.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", msg.ID))
	t.bus.Emit(bus.KindMessageSendFailed, SendEvent{ClientMsgID: msg.ID, ChatID: msg.ChatID, Error: reason})
}

// settle moves id out of sending. It reports false when id was not sending.
func (t *Tracker) settle(id string, to State, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sends[id]
	if !ok || e.State != StateSending {
		return false
	}
	e.State = to
	e.Error = reason
	e.UpdatedAt = t.now().UTC()
	t.sends[id] = e
	return true
}

// State returns the state of id.
func (t *Tracker) State(id string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sends[id]
	return e.State, ok
}

// List returns up to limit sends in state, oldest first. With a recorder the
// persisted log is read, so attempts of earlier runs are included. Sends this
// run still tracks are reported in their in-memory state, which is current
// even when writing the log failed.
func (t *Tracker) List(ctx context.Context, state State, limit int) ([]Entry, error) {
	switch state {
	case StateSending, StateSent, StateFailed:
	default:
		return nil, &backend.ValidationError{Field: "state", Reason: "must be sending, sent or failed"}
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var out []Entry
	seen := make(map[string]bool)
	if t.rec != nil {
		rows, err := t.rec.OutboxByStatus(ctx, string(state), limit)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			seen[r.ClientMsgID] = true
			if live, ok := t.State(r.ClientMsgID); ok && live != state {
				continue
			}
			out = append(out, entryFromRow(r))
		}
	}

	t.mu.Lock()
	for id, e := range t.sends {
		if e.State == state && !seen[id] {
			out = append(out, e)
		}
	}
	t.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Entry) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reset forgets every tracked send.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends = make(map[string]Entry)
}
