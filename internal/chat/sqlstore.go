package chat

import (
	"context"
	"database/sql"
	"time"
)

// SQLStore is a Store backed by the messages table. The queries use
// $n placeholders and BIGINT unix-nanosecond timestamps so the same statements
// run on PostgreSQL (lib/pq) and SQLite (go-sqlite3).
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a message store using the given database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Insert writes m to the messages table.
func (s *SQLStore) Insert(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO messages (id, sender_id, receiver_id, content, created_at, is_read)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.SenderID,
		m.ReceiverID,
		m.Content,
		m.Timestamp.UnixNano(),
		m.IsRead,
	)
	if err != nil {
		return &StorageError{Op: "insert message", Err: err}
	}
	return nil
}

// QueryConversation returns the full history between userA and userB.
func (s *SQLStore) QueryConversation(ctx context.Context, userA, userB string) ([]Message, error) {
	const query = `
		SELECT id, sender_id, receiver_id, content, created_at, is_read
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, userA, userB)
	if err != nil {
		return nil, &StorageError{Op: "query conversation", Err: err}
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var (
			m         Message
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &createdAt, &m.IsRead); err != nil {
			return nil, &StorageError{Op: "scan message", Err: err}
		}
		m.Timestamp = time.Unix(0, createdAt).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "query conversation", Err: err}
	}
	return messages, nil
}

// MarkRead flags unread messages from senderID to receiverID as read.
func (s *SQLStore) MarkRead(ctx context.Context, receiverID, senderID string) (int64, error) {
	const query = `
		UPDATE messages
		SET is_read = $1
		WHERE sender_id = $2 AND receiver_id = $3 AND is_read = $4`

	res, err := s.db.ExecContext(ctx, query, true, senderID, receiverID, false)
	if err != nil {
		return 0, &StorageError{Op: "mark read", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &StorageError{Op: "mark read", Err: err}
	}
	return n, nil
}
