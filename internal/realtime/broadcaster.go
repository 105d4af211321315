package realtime

import "github.com/cuongbtq/stl-import/internal/registry"

var _ registry.Broadcaster = (*Hub)(nil)

// StatusUpdated publishes import-status-update to the job's room
func (h *Hub) StatusUpdated(job *registry.Job) {
	h.Publish(job.ID, Message{
		Event: EventStatusUpdate,
		Data:  StatusUpdate{ImportID: job.ID, Status: job.Status, Job: job},
	})
}

// Completed publishes import-completed to the job's room
func (h *Hub) Completed(job *registry.Job) {
	h.Publish(job.ID, Message{
		Event: EventCompleted,
		Data:  Completed{ImportID: job.ID, Job: job},
	})
}

// Failed publishes import-failed to the job's room
func (h *Hub) Failed(job *registry.Job) {
	h.Publish(job.ID, Message{
		Event: EventFailed,
		Data:  Failed{ImportID: job.ID, Error: job.Error, Job: job},
	})
}
