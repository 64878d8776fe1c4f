package domain

import "time"

// WebhookStatus is the processing state of an inbound provider notification.
type WebhookStatus string

const (
	WebhookReceived   WebhookStatus = "received"
	WebhookProcessing WebhookStatus = "processing"
	WebhookProcessed  WebhookStatus = "processed"
	WebhookFailed     WebhookStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s WebhookStatus) Terminal() bool {
	return s == WebhookProcessed || s == WebhookFailed
}

// WebhookEvent is one inbound provider notification, unique per
// (Provider, ProviderEventID).
type WebhookEvent struct {
	ID              int64
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
	Status          WebhookStatus
	ErrorKind       string
	ErrorMessage    string
	ClaimedBy       string
	LeaseExpiresAt  *time.Time
	Attempts        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ProcessedAt     *time.Time
}
