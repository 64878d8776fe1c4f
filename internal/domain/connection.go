package domain

import "time"

// OAuthConnection holds the credentials a user granted us for one provider.
type OAuthConnection struct {
	ID                int64
	UserID            string
	Provider          string
	ProviderAccountID string
	AccountName       string
	AccountEmail      string
	AccessToken       string
	RefreshToken      string
	ExpiresAt         time.Time
	// BaseURL is the provider API root for this account. DocuSign hands out
	// a different base_uri per account; the others use the catalog default.
	BaseURL        string
	NeedsReconnect bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExpiresWithin reports whether the access token expires before now+skew.
// A zero expiry is treated as already expired.
func (c OAuthConnection) ExpiresWithin(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}
