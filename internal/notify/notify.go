// Package notify delivers overdue and availability notices to users.
// Delivery is fire-and-forget and at-most-once: a failed notice is reported
// to the caller, never retried.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindOverdue   Kind = "OVERDUE"
	KindAvailable Kind = "AVAILABLE"
)

// Message is the payload of one notice. LoanID and DueAt are set for
// overdue notices only.
type Message struct {
	Kind   Kind       `json:"kind"`
	UserID uuid.UUID  `json:"user_id"`
	BookID uuid.UUID  `json:"book_id"`
	LoanID *uuid.UUID `json:"loan_id,omitempty"`
	DueAt  *time.Time `json:"due_at,omitempty"`
	Title  string     `json:"title,omitempty"`
	At     time.Time  `json:"at"`
}

// Notifier sends a message to a user. Implementations must not block
// indefinitely; callers bound them with ctx.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, msg Message) error

func (f Func) Notify(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
