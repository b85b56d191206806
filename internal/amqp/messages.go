package amqp

import (
	"encoding/json"
	"time"
)

// ExpenseCreatedMessage announces a newly persisted expense. It carries only
// identifiers; the ledger worker fetches the full row from the database so
// the queue never holds stale copies of expense data.
type ExpenseCreatedMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// NewExpenseCreatedMessage creates a message for an expense ID and owner.
func NewExpenseCreatedMessage(id, userID string, version int64) *ExpenseCreatedMessage {
	return &ExpenseCreatedMessage{
		ID:        id,
		UserID:    userID,
		Version:   version,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes.
func (m *ExpenseCreatedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ExpenseCreatedMessageFromJSON creates a message from JSON bytes.
func ExpenseCreatedMessageFromJSON(data []byte) (*ExpenseCreatedMessage, error) {
	var msg ExpenseCreatedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
