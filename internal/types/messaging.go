package types

import "time"

// JobMessage is the queue envelope published by the enqueuer and consumed by
// the delivery workers. JSON tags use snake_case to keep the wire format
// language-neutral for any future non-Go consumer.
//
// The envelope intentionally carries only identifiers plus routing metadata;
// workers re-read the ScheduleJob from the ledger so that a stale message
// (redelivered after the job already reached a terminal state) is detected
// and discarded.
type JobMessage struct {
	IdempotencyKey string      `json:"idempotency_key"`
	JobID          string      `json:"job_id"`
	UserID         string      `json:"user_id"`
	MessageType    MessageType `json:"message_type"`

	// ScheduledSendTimeUTC is RFC3339 in UTC; used for queue-lag metrics.
	ScheduledSendTimeUTC time.Time `json:"scheduled_send_time_utc"`

	// Attempt carries the delivery attempt count across redeliveries.
	Attempt int `json:"attempt"`

	// TraceID correlates log lines across the enqueuer and workers.
	TraceID string `json:"trace_id"`
}
