// Package memory provides in-process repository implementations used in
// development mode and by service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/domain"
	"github.com/smallbiznis/signvault/internal/repository"
)

var (
	_ repository.ConnectionRepository = (*ConnectionRepo)(nil)
	_ repository.EventRepository      = (*EventRepo)(nil)
	_ repository.DocumentRepository   = (*DocumentRepo)(nil)
	_ repository.AuditRepository      = (*AuditRepo)(nil)
)

// ConnectionRepo is a map-backed ConnectionRepository.
type ConnectionRepo struct {
	mu     sync.Mutex
	clock  clock.Clock
	nextID int64
	rows   map[int64]domain.OAuthConnection
}

func NewConnectionRepo(c clock.Clock) *ConnectionRepo {
	if c == nil {
		c = clock.Real()
	}
	return &ConnectionRepo{clock: c, rows: make(map[int64]domain.OAuthConnection)}
}

func (r *ConnectionRepo) Upsert(_ context.Context, conn domain.OAuthConnection) (domain.OAuthConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for id, existing := range r.rows {
		if existing.UserID == conn.UserID && existing.Provider == conn.Provider {
			conn.ID = id
			conn.NeedsReconnect = false
			conn.CreatedAt = now
			conn.UpdatedAt = now
			r.rows[id] = conn
			return conn, nil
		}
	}
	r.nextID++
	conn.ID = r.nextID
	conn.NeedsReconnect = false
	conn.CreatedAt = now
	conn.UpdatedAt = now
	r.rows[conn.ID] = conn
	return conn, nil
}

func (r *ConnectionRepo) GetByID(_ context.Context, id int64) (domain.OAuthConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.rows[id]
	if !ok {
		return domain.OAuthConnection{}, fmt.Errorf("get connection %d: %w", id, domain.ErrNotFound)
	}
	return conn, nil
}

func (r *ConnectionRepo) GetActive(_ context.Context, userID, provider string) (domain.OAuthConnection, error) {
	return r.latest(func(c domain.OAuthConnection) bool {
		return c.UserID == userID && c.Provider == provider
	})
}

func (r *ConnectionRepo) GetByProviderAccount(_ context.Context, provider, accountID string) (domain.OAuthConnection, error) {
	return r.latest(func(c domain.OAuthConnection) bool {
		return c.Provider == provider && c.ProviderAccountID == accountID
	})
}

func (r *ConnectionRepo) latest(match func(domain.OAuthConnection) bool) (domain.OAuthConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		found domain.OAuthConnection
		ok    bool
	)
	for _, conn := range r.rows {
		if !match(conn) {
			continue
		}
		if !ok || conn.CreatedAt.After(found.CreatedAt) || (conn.CreatedAt.Equal(found.CreatedAt) && conn.ID > found.ID) {
			found, ok = conn, true
		}
	}
	if !ok {
		return domain.OAuthConnection{}, fmt.Errorf("get connection: %w", domain.ErrNotFound)
	}
	return found, nil
}

func (r *ConnectionRepo) UpdateTokens(_ context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("update tokens: %w", domain.ErrNotFound)
	}
	conn.AccessToken = accessToken
	conn.RefreshToken = refreshToken
	conn.ExpiresAt = expiresAt
	conn.UpdatedAt = r.clock.Now()
	r.rows[id] = conn
	return nil
}

func (r *ConnectionRepo) MarkNeedsReconnect(_ context.Context, id int64, needsReconnect bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("mark needs reconnect: %w", domain.ErrNotFound)
	}
	conn.NeedsReconnect = needsReconnect
	conn.UpdatedAt = r.clock.Now()
	r.rows[id] = conn
	return nil
}

func (r *ConnectionRepo) ListByUser(_ context.Context, userID string) ([]domain.OAuthConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var conns []domain.OAuthConnection
	for _, conn := range r.rows {
		if conn.UserID == userID {
			conns = append(conns, conn)
		}
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].Provider < conns[j].Provider })
	return conns, nil
}

func (r *ConnectionRepo) Delete(_ context.Context, userID, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, conn := range r.rows {
		if conn.UserID == userID && conn.Provider == provider {
			delete(r.rows, id)
			return nil
		}
	}
	return fmt.Errorf("delete connection: %w", domain.ErrNotFound)
}

// Count returns the number of stored connections.
func (r *ConnectionRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type eventKey struct {
	provider string
	eventID  string
}

// EventRepo is a map-backed EventRepository.
type EventRepo struct {
	mu    sync.Mutex
	rows  map[int64]domain.WebhookEvent
	byKey map[eventKey]int64
}

func NewEventRepo() *EventRepo {
	return &EventRepo{rows: make(map[int64]domain.WebhookEvent), byKey: make(map[eventKey]int64)}
}

func (r *EventRepo) InsertIfAbsent(_ context.Context, ev domain.WebhookEvent) (domain.WebhookEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := eventKey{provider: ev.Provider, eventID: ev.ProviderEventID}
	if id, ok := r.byKey[key]; ok {
		return r.rows[id], false, nil
	}
	ev.UpdatedAt = ev.CreatedAt
	r.rows[ev.ID] = ev
	r.byKey[key] = ev.ID
	return ev, true, nil
}

func (r *EventRepo) Get(_ context.Context, id int64) (domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.rows[id]
	if !ok {
		return domain.WebhookEvent{}, fmt.Errorf("get webhook event %d: %w", id, domain.ErrNotFound)
	}
	return ev, nil
}

func (r *EventRepo) Claim(_ context.Context, id int64, owner string, now, leaseUntil time.Time) (domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.rows[id]
	if !ok {
		return domain.WebhookEvent{}, fmt.Errorf("claim event %d: %w", id, domain.ErrEventNotClaimable)
	}
	leaseLapsed := ev.Status == domain.WebhookProcessing && ev.LeaseExpiresAt != nil && ev.LeaseExpiresAt.Before(now)
	if ev.Status != domain.WebhookReceived && !leaseLapsed {
		return domain.WebhookEvent{}, fmt.Errorf("claim event %d: %w", id, domain.ErrEventNotClaimable)
	}
	lease := leaseUntil
	ev.Status = domain.WebhookProcessing
	ev.ClaimedBy = owner
	ev.LeaseExpiresAt = &lease
	ev.Attempts++
	ev.UpdatedAt = now
	r.rows[id] = ev
	return ev, nil
}

func (r *EventRepo) Renew(_ context.Context, id int64, owner string, now, leaseUntil time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.rows[id]
	if !ok || ev.Status != domain.WebhookProcessing || ev.ClaimedBy != owner {
		return fmt.Errorf("renew event %d for %s: %w", id, owner, domain.ErrLeaseLost)
	}
	lease := leaseUntil
	ev.LeaseExpiresAt = &lease
	ev.UpdatedAt = now
	r.rows[id] = ev
	return nil
}

func (r *EventRepo) Finish(_ context.Context, id int64, owner string, status domain.WebhookStatus, errorKind, errorMessage string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.rows[id]
	if !ok {
		return false, fmt.Errorf("finish event %d: %w", id, domain.ErrNotFound)
	}
	if ev.Status.Terminal() {
		return false, nil
	}
	if owner != "" && (ev.Status != domain.WebhookProcessing || ev.ClaimedBy != owner) {
		return false, nil
	}
	processedAt := now
	ev.Status = status
	ev.ErrorKind = errorKind
	ev.ErrorMessage = errorMessage
	ev.LeaseExpiresAt = nil
	ev.UpdatedAt = now
	ev.ProcessedAt = &processedAt
	r.rows[id] = ev
	return true, nil
}

func (r *EventRepo) ListRecoverable(_ context.Context, staleBefore, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []domain.WebhookEvent
	for _, ev := range r.rows {
		switch {
		case ev.Status == domain.WebhookReceived && ev.CreatedAt.Before(staleBefore):
		case ev.Status == domain.WebhookProcessing && ev.LeaseExpiresAt != nil && ev.LeaseExpiresAt.Before(now):
		default:
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Count returns the number of stored events.
func (r *EventRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// DocumentRepo is a map-backed DocumentRepository.
type DocumentRepo struct {
	mu   sync.Mutex
	rows map[string]domain.Document
	// FailCreate makes Create return this error when set.
	FailCreate error
}

func NewDocumentRepo() *DocumentRepo {
	return &DocumentRepo{rows: make(map[string]domain.Document)}
}

func (r *DocumentRepo) Create(_ context.Context, doc domain.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailCreate != nil {
		return r.FailCreate
	}
	if _, ok := r.rows[doc.ID]; ok {
		return fmt.Errorf("insert document %s: duplicate id", doc.ID)
	}
	r.rows[doc.ID] = doc
	return nil
}

func (r *DocumentRepo) Get(_ context.Context, id string) (domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.rows[id]
	if !ok {
		return domain.Document{}, fmt.Errorf("get document %s: %w", id, domain.ErrNotFound)
	}
	return doc, nil
}

func (r *DocumentRepo) SetBlockchainTx(_ context.Context, id, txID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("set blockchain tx: %w", domain.ErrNotFound)
	}
	doc.BlockchainTxID = txID
	r.rows[id] = doc
	return nil
}

func (r *DocumentRepo) ListByUser(_ context.Context, userID string, limit int) ([]domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var docs []domain.Document
	for _, doc := range r.rows {
		if doc.UserID == userID {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.After(docs[j].CreatedAt) })
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// AuditRepo is an append-only slice-backed AuditRepository.
type AuditRepo struct {
	mu      sync.Mutex
	entries []domain.AuditLogEntry
}

func NewAuditRepo() *AuditRepo {
	return &AuditRepo{}
}

func (r *AuditRepo) Append(_ context.Context, entry domain.AuditLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *AuditRepo) ListByDocument(_ context.Context, documentID string) ([]domain.AuditLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuditLogEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].DocumentID == documentID {
			out = append(out, r.entries[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
