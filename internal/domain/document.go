package domain

import "time"

// SourceManualUpload marks documents uploaded directly rather than captured
// from a provider.
const SourceManualUpload = "manual_upload"

// Document is the metadata of a vaulted artifact. Fingerprint is the hex
// SHA-256 of exactly the bytes stored at StoragePath.
type Document struct {
	ID             string
	UserID         string
	StoragePath    string
	FileName       string
	Fingerprint    string
	SizeBytes      int64
	MimeType       string
	Source         string
	RetentionDays  int
	BlockchainTxID string
	CreatedAt      time.Time
}

// Anchored reports whether a ledger transaction has been recorded.
func (d Document) Anchored() bool {
	return d.BlockchainTxID != ""
}
