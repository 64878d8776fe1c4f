package domain

import "time"

// AuditEventType names a lifecycle event recorded for a document.
type AuditEventType string

const (
	AuditVaulted             AuditEventType = "vaulted"
	AuditBlockchainAnchored  AuditEventType = "blockchain_anchored"
	AuditBlockchainAnchorErr AuditEventType = "blockchain_anchor_failed"
	AuditVerified            AuditEventType = "verified"
	AuditViewed              AuditEventType = "viewed"
	AuditDownloaded          AuditEventType = "downloaded"
	AuditShared              AuditEventType = "shared"
)

// ActorSystem is the actor recorded for pipeline-driven entries.
const ActorSystem = "system"

// AuditLogEntry is an immutable record of something that happened to a
// document. Entries are only ever inserted.
type AuditLogEntry struct {
	ID         int64
	DocumentID string
	EventType  AuditEventType
	Actor      string
	Metadata   map[string]any
	CreatedAt  time.Time
}
