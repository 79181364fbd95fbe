package domain

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	Scheduled Status = "scheduled"
	Sending   Status = "sending"
	Retry     Status = "retry"
	Sent      Status = "sent"
	Cancelled Status = "cancelled"
)

// Claimable lists the statuses a due job may be claimed from.
var Claimable = []Status{Scheduled, Retry}

// Visible lists the statuses returned by default job listings.
var Visible = []Status{Scheduled, Sending, Retry, Sent}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == Sent || s == Cancelled
}

func (s Status) Valid() bool {
	switch s {
	case Scheduled, Sending, Retry, Sent, Cancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	Scheduled: {Sending, Cancelled},
	Retry:     {Sending, Cancelled},
	Sending:   {Sent, Retry},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is a message queued for delivery to a channel at SendAt.
type Job struct {
	ID        uuid.UUID
	TenantID  string
	ChannelID string
	Text      string

	SendAt     time.Time
	Status     Status
	RetryCount int

	SentAt            *time.Time
	ProviderMessageID *string
	Permalink         *string

	// ClaimedAt is set when the job enters sending.
	ClaimedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Delivery is the confirmation recorded when a job is sent.
type Delivery struct {
	MessageID string
	Permalink *string
	SentAt    time.Time
}
