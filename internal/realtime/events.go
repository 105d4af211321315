// Package realtime implements per-import pub/sub rooms over websockets.
package realtime

import (
	"encoding/json"

	"github.com/cuongbtq/stl-import/internal/registry"
)

// Client to server events
const (
	EventJoinRoom  = "join-import-room"
	EventLeaveRoom = "leave-import-room"
)

// Server to client events
const (
	EventStatusUpdate = "import-status-update"
	EventCompleted    = "import-completed"
	EventFailed       = "import-failed"
)

// Message is the wire envelope in both directions
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// StatusUpdate is sent on every transition
type StatusUpdate struct {
	ImportID string          `json:"importId"`
	Status   registry.Status `json:"status"`
	Job      *registry.Job   `json:"job"`
}

// Completed is sent once the import reached completed
type Completed struct {
	ImportID string        `json:"importId"`
	Job      *registry.Job `json:"job"`
}

// Failed is sent once the import reached failed
type Failed struct {
	ImportID string        `json:"importId"`
	Error    string        `json:"error"`
	Job      *registry.Job `json:"job"`
}

// Event is a decoded server to client message
type Event struct {
	Name     string
	ImportID string
	Status   registry.Status
	Error    string
	Job      *registry.Job
}

func decodeEvent(raw []byte) (Event, error) {
	var msg struct {
		Event string `json:"event"`
		Data  struct {
			ImportID string          `json:"importId"`
			Status   registry.Status `json:"status"`
			Error    string          `json:"error"`
			Job      *registry.Job   `json:"job"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, err
	}

	ev := Event{
		Name:     msg.Event,
		ImportID: msg.Data.ImportID,
		Status:   msg.Data.Status,
		Error:    msg.Data.Error,
		Job:      msg.Data.Job,
	}
	if ev.Status == "" && ev.Job != nil {
		ev.Status = ev.Job.Status
	}
	return ev, nil
}
