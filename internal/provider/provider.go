// Package provider adapts each e-signature provider's webhook format and
// document API to one capability set.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	domainoauth "github.com/smallbiznis/signvault/internal/domain/oauth"
)

// SyntheticPrefix marks event ids derived from the raw body because the
// provider supplied none.
const SyntheticPrefix = "syn_"

// NormalizedEvent is the provider-neutral shape of a webhook.
type NormalizedEvent struct {
	ProviderEventID string
	EventType       string
	AccountID       string
	DocumentID      string
	Status          string
	Timestamp       time.Time
}

// Account addresses a provider account for API calls.
type Account struct {
	ID      string
	BaseURL string
}

// Party is a signer or recipient.
type Party struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// Metadata describes a completed document.
type Metadata struct {
	Name        string
	CompletedAt time.Time
	Parties     []Party
}

// Webhook is an inbound notification as received over HTTP.
type Webhook struct {
	Body   []byte
	Header http.Header
	Query  url.Values
}

// Adapter is implemented once per provider. New providers are added by
// implementing it and registering the result.
type Adapter interface {
	Name() string
	// ParseWebhook extracts the normalized event. It makes no network calls.
	ParseWebhook(body []byte) (NormalizedEvent, error)
	// IsCompletionEvent reports whether the document is fully executed.
	IsCompletionEvent(ev NormalizedEvent) bool
	DownloadDocument(ctx context.Context, accessToken string, acct Account, documentID string) ([]byte, error)
	GetMetadata(ctx context.Context, accessToken string, acct Account, documentID string) (Metadata, error)
	// FetchAccount calls the provider's who-am-I endpoint.
	FetchAccount(ctx context.Context, accessToken string) (domainoauth.AccountInfo, error)
	// VerifySignature checks the webhook against the shared secret.
	VerifySignature(w Webhook, secret string) error
}

// Acknowledger is implemented by providers that expect a specific
// response body on webhook delivery.
type Acknowledger interface {
	Acknowledgement() string
}

// SynthesizeEventID derives a stable id from the exact body.
func SynthesizeEventID(body []byte) string {
	sum := sha256.Sum256(body)
	return SyntheticPrefix + hex.EncodeToString(sum[:])
}

// Registry resolves adapters by provider name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Name())] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, domainoauth.ErrProviderNotFound)
	}
	return a, nil
}

// Names lists registered providers in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the adapter for a catalog entry.
func Build(cfg domainoauth.ProviderConfig, client *http.Client) (Adapter, error) {
	switch strings.ToLower(cfg.Name) {
	case DocuSignName:
		return NewDocuSign(cfg, client), nil
	case DropboxSignName:
		return NewDropboxSign(cfg, client), nil
	case PandaDocName:
		return NewPandaDoc(cfg, client), nil
	default:
		return nil, fmt.Errorf("no adapter for provider %q: %w", cfg.Name, domainoauth.ErrProviderNotFound)
	}
}
