package domain

import amqp "github.com/rabbitmq/amqp091-go"

// JobMessage asks a worker to run the fetch/decode pipeline for one import
type JobMessage struct {
	ImportID    string `json:"import_id"`
	DeliveryTag uint64 `json:"-"`

	// Acknowledger is set for RabbitMQ deliveries, nil for in-process dispatch
	Acknowledger amqp.Acknowledger `json:"-"`
}

// Ack acknowledges the delivery, if any
func (m *JobMessage) Ack() error {
	if m.Acknowledger == nil {
		return nil
	}
	return m.Acknowledger.Ack(m.DeliveryTag, false)
}

// Nack rejects the delivery, if any
func (m *JobMessage) Nack(requeue bool) error {
	if m.Acknowledger == nil {
		return nil
	}
	return m.Acknowledger.Nack(m.DeliveryTag, false, requeue)
}
