package store

import (
	"context"
	"time"
)

// RecordSending logs a new send attempt.
func (db *DB) RecordSending(ctx context.Context, clientMsgID, chatID, content, attachment string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox (client_msg_id, chat_id, content, attachment, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'sending', ?, ?)
		ON CONFLICT(client_msg_id) DO UPDATE SET
			status = 'sending',
			error_message = '',
			updated_at = excluded.updated_at`,
		clientMsgID, chatID, content, attachment, now, now)
	return err
}

// RecordSent marks an attempt as confirmed by the backend.
func (db *DB) RecordSent(ctx context.Context, clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'sent', error_message = '', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// RecordFailed marks an attempt as failed with a short reason.
func (db *DB) RecordFailed(ctx context.Context, clientMsgID, reason string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, reason, now, clientMsgID)
	return err
}

// OutboxByStatus lists attempts with the given status, oldest first.
func (db *DB) OutboxByStatus(ctx context.Context, status string, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, client_msg_id, chat_id, content, attachment, status, error_message, created_at, updated_at
		FROM outbox WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ChatID, &e.Content, &e.Attachment, &e.Status, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkInterrupted fails attempts left in 'sending' by a previous run.
func (db *DB) MarkInterrupted(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'failed', error_message = 'interrupted', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
