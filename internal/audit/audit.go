package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is one dispatched command, as published on the audit topic.
type Event struct {
	ID           string    `json:"id"`
	ConnectionID int       `json:"connection_id"`
	Command      string    `json:"command"`
	Raw          string    `json:"raw"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Encode encodes an Event to JSON.
func Encode(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode decodes JSON to an Event.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Publisher is the slice of the queue producer the recorder needs.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Recorder publishes audit events for dispatched commands. Record runs on
// the event loop thread, so the producer must be async: the publish call
// only enqueues.
type Recorder struct {
	producer Publisher
}

// NewRecorder creates a recorder over producer.
func NewRecorder(producer Publisher) *Recorder {
	return &Recorder{producer: producer}
}

// Record implements the command registry's Auditor. The event is keyed by
// command name so one command's events land on one partition.
func (r *Recorder) Record(connectionID int, cmd, raw string) {
	e := &Event{
		ID:           uuid.New().String(),
		ConnectionID: connectionID,
		Command:      cmd,
		Raw:          strings.TrimRight(raw, "\r\n"),
		ReceivedAt:   time.Now(),
	}

	data, err := Encode(e)
	if err != nil {
		fmt.Printf("Failed to encode audit event: %v\n", err)
		return
	}

	if err := r.producer.Publish(context.Background(), cmd, data); err != nil {
		fmt.Printf("Failed to publish audit event: %v\n", err)
	}
}
