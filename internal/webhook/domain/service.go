package domain

import "context"

// Outcome is how an acknowledged webhook was handled.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	// OutcomeDropped marks an event that could not be correlated to local state.
	// It is acknowledged so the platform stops retrying.
	OutcomeDropped Outcome = "dropped"
)

type Result struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
}

// Dispatcher verifies, records and routes platform webhooks. A nil error means
// the event may be acknowledged.
type Dispatcher interface {
	Ingest(ctx context.Context, payload []byte, signatureHeader string) (Result, error)
}

// Verifier authenticates a delivery and decodes it into an Event.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (Event, error)
}
