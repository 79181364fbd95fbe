// Package ledger records delivery receipts outside the job table.
//
// A receipt is written right after the provider confirms a post and before the
// job row is marked sent. When a worker dies between the two writes the job is
// left in sending, and the receipt tells the reconciler the message went out.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Receipt struct {
	MessageID string
	ChannelID string
	SentAt    time.Time
}

type Ledger interface {
	Record(ctx context.Context, jobID uuid.UUID, r Receipt) error
	Lookup(ctx context.Context, jobID uuid.UUID) (Receipt, bool, error)
}
