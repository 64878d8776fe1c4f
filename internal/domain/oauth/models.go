package oauth

import "time"

// ProviderConfig is the OAuth client registration for one e-signature provider.
type ProviderConfig struct {
	Name         string
	DisplayName  string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	APIBaseURL   string
	Scopes       []string
	UsePKCE      bool
	// WebhookSecret enables signature verification when non-empty.
	WebhookSecret string
}

// OAuthState is the single-use record created when a user starts connecting
// a provider. It is consumed by the callback.
type OAuthState struct {
	State        string    `json:"state"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	RedirectURI  string    `json:"redirect_uri"`
	CreatedAt    time.Time `json:"created_at"`
}

// TokenResponse is the normalized result of a code exchange or refresh grant.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}

// AccountInfo is the provider identity returned by the who-am-I call.
type AccountInfo struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	// BaseURL overrides the catalog API base for this account.
	BaseURL string `json:"base_url,omitempty"`
}
