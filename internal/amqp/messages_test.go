package amqp

import (
	"testing"
	"time"
)

func TestExpenseCreatedMessageRoundTrip(t *testing.T) {
	msg := NewExpenseCreatedMessage("exp-1", "user-1", 1)
	if msg.Timestamp.IsZero() || time.Since(msg.Timestamp) > time.Minute {
		t.Fatalf("unexpected timestamp: %v", msg.Timestamp)
	}

	data, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	decoded, err := ExpenseCreatedMessageFromJSON(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.ID != "exp-1" || decoded.UserID != "user-1" || decoded.Version != 1 {
		t.Fatalf("unexpected decoded message: %+v", decoded)
	}
}

func TestExpenseCreatedMessageFromJSONRejectsGarbage(t *testing.T) {
	if _, err := ExpenseCreatedMessageFromJSON([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
