package store

// Send log statuses.
const (
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry is one message send attempt.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ChatID       string
	Content      string
	Attachment   string
	Status       string
	ErrorMessage string
	CreatedAt    int64
	UpdatedAt    int64
}
