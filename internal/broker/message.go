package broker

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ContentType is the content type of an encoded task message.
const ContentType = "application/json"

// TaskMessage is the body of every message on the task queue.
type TaskMessage struct {
	TaskID string `json:"task_id"`
}

// EncodeTaskMessage returns the wire form of a message for the given task.
func EncodeTaskMessage(id uuid.UUID) ([]byte, error) {
	return json.Marshal(TaskMessage{TaskID: id.String()})
}

// DecodeTaskMessage extracts the task id from a delivery body.
// Any body that is not a JSON object with a parseable task_id yields ErrMalformedDelivery.
func DecodeTaskMessage(body []byte) (uuid.UUID, error) {
	var msg TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrMalformedDelivery, err)
	}

	if msg.TaskID == "" {
		return uuid.Nil, fmt.Errorf("%w: missing task_id", ErrMalformedDelivery)
	}

	id, err := uuid.Parse(msg.TaskID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid task_id %q: %v", ErrMalformedDelivery, msg.TaskID, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: nil task_id", ErrMalformedDelivery)
	}

	return id, nil
}
