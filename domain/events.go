package domain

import "encoding/json"

// EventType tags a mutation event.
type EventType string

const (
	TaskCreated EventType = "taskCreated"
	TaskUpdated EventType = "taskUpdated"
	TaskDeleted EventType = "taskDeleted"
)

// Event describes a committed mutation. Created and Updated carry the full
// task, Deleted only the identifier.
type Event struct {
	Type   EventType `json:"type"`
	Task   *Task     `json:"task,omitempty"`
	TaskID string    `json:"taskId"`
	// Room scopes delivery; empty means every session.
	Room string `json:"room,omitempty"`
}

func Created(t Task) Event { return Event{Type: TaskCreated, Task: &t, TaskID: t.ID} }
func Updated(t Task) Event { return Event{Type: TaskUpdated, Task: &t, TaskID: t.ID} }
func Deleted(id string) Event {
	return Event{Type: TaskDeleted, TaskID: id}
}

// Message types of the real-time channel that are not mutation events.
const (
	MessageWelcome = "welcome"
	MessageJoin    = "join"
	MessageLeave   = "leave"
	MessageJoined  = "joined"
	MessageLeft    = "left"
	MessagePing    = "ping"
	MessagePong    = "pong"
	MessageError   = "error"
)

// Message is the envelope of every frame on the real-time channel.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Welcome is the payload of the first message a session receives.
type Welcome struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// Payload returns the data an event carries on the wire: the task for
// created and updated, the bare id for deleted.
func (e Event) Payload() any {
	if e.Type == TaskDeleted {
		return e.TaskID
	}
	return e.Task
}

// EventFromMessage decodes a task message. ok is false for other types.
func EventFromMessage(m Message) (ev Event, ok bool, err error) {
	switch EventType(m.Type) {
	case TaskCreated, TaskUpdated:
		var t Task
		if err := json.Unmarshal(m.Data, &t); err != nil {
			return Event{}, true, err
		}
		return Event{Type: EventType(m.Type), Task: &t, TaskID: t.ID}, true, nil
	case TaskDeleted:
		var id string
		if err := json.Unmarshal(m.Data, &id); err != nil {
			return Event{}, true, err
		}
		return Deleted(id), true, nil
	}
	return Event{}, false, nil
}
