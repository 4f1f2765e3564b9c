// Package types defines the shared domain model for the wellwisher pipeline:
// users, schedule jobs, queue envelopes, and the application error taxonomy.
// It has no dependencies on other internal packages so that every component
// can import it freely.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// MessageType is the closed set of recurring-event message variants.
// New types are added here and registered with a Composer in
// internal/messages; nothing else in the pipeline switches on the value.
type MessageType string

const (
	MessageBirthday    MessageType = "birthday"
	MessageAnniversary MessageType = "anniversary"
)

// Valid reports whether the message type is a known variant.
func (m MessageType) Valid() bool {
	switch m {
	case MessageBirthday, MessageAnniversary:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a ScheduleJob.
//
// Transitions are monotonic:
//
//	pending -> queued -> (sent | retrying -> failed)
//
// with one sanctioned rollback, queued -> pending, used when a publish is
// known to have failed before the broker accepted the message, or when the
// recovery sweeper resets a row stuck past the SLA.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobQueued   JobStatus = "queued"
	JobSent     JobStatus = "sent"
	JobRetrying JobStatus = "retrying"
	JobFailed   JobStatus = "failed"
)

// Terminal reports whether the status is an end state. Terminal jobs are
// never re-claimed by the enqueuer or reset by the sweeper.
func (s JobStatus) Terminal() bool {
	return s == JobSent || s == JobFailed
}

// User is a read-only projection of the user record owned by the CRUD layer.
// The pipeline never writes users; it only scans active ones.
type User struct {
	ID          string
	DisplayName string

	// EventType selects which recurring message this user's event produces.
	EventType MessageType

	// Event date in the user's local calendar. EventYear is optional (zero
	// when the user did not supply it) and only used for message copy such
	// as "turns 30 today".
	EventMonth time.Month
	EventDay   int
	EventYear  int

	// Timezone is an IANA zone name, e.g. "America/New_York".
	Timezone string

	// Address is the delivery contact (email, phone, chat handle -- opaque
	// to the pipeline, interpreted by the downstream delivery API).
	Address string

	// Deleted marks a soft-deleted user. Soft-deleted users are never
	// scanned and any still-pending jobs for them are cancelled.
	Deleted bool
}

// ScheduleJob is one row of the schedule ledger: a single (user, message
// type, occurrence date) delivery obligation with a UTC due time.
type ScheduleJob struct {
	ID             string
	UserID         string
	MessageType    MessageType
	OccurrenceDate LocalDate

	// IdempotencyKey is the deterministic hash of (UserID, MessageType,
	// OccurrenceDate). A unique index on this column is what makes the
	// daily scan and the sweeper safe to re-run and to replicate.
	IdempotencyKey string

	// ScheduledSendTimeUTC is authoritative and always UTC; the local wall
	// clock time it was derived from is never persisted.
	ScheduledSendTimeUTC time.Time

	Status       JobStatus
	AttemptCount int
	LastError    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LocalDate is a calendar date with no time-of-day and no zone attached.
// It represents the occurrence date in the user's local calendar.
type LocalDate struct {
	Year  int
	Month time.Month
	Day   int
}

// NewLocalDate constructs a LocalDate.
func NewLocalDate(year int, month time.Month, day int) LocalDate {
	return LocalDate{Year: year, Month: month, Day: day}
}

// String renders the date as YYYY-MM-DD, the form persisted in the ledger
// and embedded in idempotency keys.
func (d LocalDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// ParseLocalDate parses a YYYY-MM-DD string.
func ParseLocalDate(s string) (LocalDate, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return LocalDate{}, fmt.Errorf("types: invalid local date %q: %w", s, err)
	}
	return LocalDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// IsLeapYear reports whether the date's year is a leap year.
func (d LocalDate) IsLeapYear() bool {
	y := d.Year
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

// IdempotencyKey derives the deterministic key for a (user, message type,
// occurrence date) triple. The key is stable across replicas and restarts;
// the ledger's unique constraint on it turns duplicate materialization
// attempts into no-ops.
func IdempotencyKey(userID string, mt MessageType, date LocalDate) string {
	h := sha256.Sum256([]byte(userID + "|" + string(mt) + "|" + date.String()))
	return hex.EncodeToString(h[:])
}
