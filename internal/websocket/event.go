// Package websocket streams task and catalog events to browser clients.
package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shepherd-project/evolver/internal/catalog"
	"github.com/shepherd-project/evolver/internal/tasks"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	EventTypeHeartbeat    EventType = "heartbeat"
	EventTypeTaskState    EventType = "task_state"
	EventTypeCatalogState EventType = "catalog_state"
)

// Event represents a WebSocket event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`

	// Task events
	TaskID       string `json:"taskId,omitempty"`
	Op           string `json:"op,omitempty"`
	State        string `json:"state,omitempty"`
	Running      bool   `json:"running,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	// Heartbeat
	Connections int `json:"connections,omitempty"`

	Data interface{} `json:"data,omitempty"`
}

// NewEvent creates a new event with current timestamp
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// String returns the JSON string representation
func (e *Event) String() string {
	data, err := e.ToJSON()
	if err != nil {
		return fmt.Sprintf(`{"type":"error","message":%q}`, err.Error())
	}
	return string(data)
}

// NewHeartbeatEvent creates a heartbeat event
func NewHeartbeatEvent(connections int) *Event {
	event := NewEvent(EventTypeHeartbeat)
	event.Connections = connections
	return event
}

// NewTaskEvent reports a state change of a queued task. Results are not
// included; clients poll the task for them.
func NewTaskEvent(st tasks.Status) *Event {
	event := NewEvent(EventTypeTaskState)
	event.TaskID = string(st.ID)
	event.Op = st.Op
	event.State = string(st.State)
	event.Running = st.Running
	event.Attempts = st.Attempts
	if st.Error != nil {
		event.ErrorCode = string(st.Error.Code)
		event.ErrorMessage = st.Error.Message
	}
	return event
}

// NewCatalogEvent carries a catalog snapshot.
func NewCatalogEvent(st catalog.Status) *Event {
	event := NewEvent(EventTypeCatalogState)
	event.State = st.State.String()
	if st.Error != "" {
		event.ErrorMessage = st.Error
	}
	event.Data = st
	return event
}
