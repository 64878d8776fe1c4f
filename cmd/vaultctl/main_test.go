package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/adapter/blob"
	"github.com/smallbiznis/signvault/internal/adapter/queue"
	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/domain"
	"github.com/smallbiznis/signvault/internal/jwt"
	"github.com/smallbiznis/signvault/internal/repository/memory"
	"github.com/smallbiznis/signvault/internal/service/anchor"
	"github.com/smallbiznis/signvault/internal/service/audit"
	"github.com/smallbiznis/signvault/internal/service/events"
	"github.com/smallbiznis/signvault/internal/service/vault"
)

type stubLedger struct{}

func (stubLedger) Anchor(context.Context, []byte) (string, error) { return "0xabc", nil }

func (stubLedger) TransactionData(context.Context, string) ([]byte, error) {
	return nil, domain.ErrNotFound
}

type ctlHarness struct {
	deps   *deps
	events *memory.EventRepo
	queue  *queue.MemoryQueue
	clock  *clock.FakeClock
}

func newCtlHarness(t *testing.T) *ctlHarness {
	t.Helper()
	logger := zap.NewNop()
	clk := clock.Fake(time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	docs := memory.NewDocumentRepo()
	auditWriter := audit.NewWriter(memory.NewAuditRepo(), node, clk, logger)
	eventsRepo := memory.NewEventRepo()
	q := queue.NewMemoryQueue(8, zap.NewNop())
	key, err := jwt.NewKey([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	return &ctlHarness{
		deps: &deps{
			vault:   vault.NewWriter(blob.NewMemoryStore(), docs, auditWriter, vault.Options{Clock: clk, Logger: logger}),
			anchors: anchor.NewService(stubLedger{}, docs, auditWriter, logger),
			audit:   auditWriter,
			sweeper: events.NewSweeper(eventsRepo, q, clk, events.SweeperConfig{StaleAfter: time.Minute}, logger),
			tokens:  jwt.NewGenerator(key, "", time.Hour),
			clock:   clk,
			close:   func() {},
		},
		events: eventsRepo,
		queue:  q,
		clock:  clk,
	}
}

func TestDispatch_VerifyAnchorHistory(t *testing.T) {
	h := newCtlHarness(t)
	ctx := context.Background()
	doc, err := h.deps.vault.Vault(ctx, []byte("%PDF-1.4 nda"), "user-1", "nda.pdf", "docusign")
	require.NoError(t, err)

	var out bytes.Buffer
	h.clock.Advance(time.Second)
	require.NoError(t, dispatch(ctx, h.deps, []string{"anchor", doc.ID}, &out))
	require.Contains(t, out.String(), "0xabc")

	out.Reset()
	h.clock.Advance(time.Second)
	require.NoError(t, dispatch(ctx, h.deps, []string{"verify", "--actor", "ops@example.com", doc.ID}, &out))
	var result vault.Verification
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	require.True(t, result.Intact)

	out.Reset()
	require.NoError(t, dispatch(ctx, h.deps, []string{"history", doc.ID}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "verified\tops@example.com")
	require.Contains(t, lines[1], "blockchain_anchored\toperator")
	require.Contains(t, lines[2], "vaulted")
}

func TestDispatch_Sweep(t *testing.T) {
	h := newCtlHarness(t)
	ctx := context.Background()
	_, _, err := h.events.InsertIfAbsent(ctx, domain.WebhookEvent{
		ID: 7, Provider: "docusign", ProviderEventID: "env-1:envelope-completed",
		Status: domain.WebhookReceived, CreatedAt: h.clock.Now(),
	})
	require.NoError(t, err)
	h.clock.Advance(5 * time.Minute)

	var out bytes.Buffer
	require.NoError(t, dispatch(ctx, h.deps, []string{"sweep"}, &out))
	require.Equal(t, "re-enqueued 1 events\n", out.String())
	require.Equal(t, 1, h.queue.Len())
}

func TestDispatch_Token(t *testing.T) {
	h := newCtlHarness(t)
	var out bytes.Buffer
	require.NoError(t, dispatch(context.Background(), h.deps, []string{"token", "--user", "user-9", "--ttl", "10m"}, &out))

	claims, _, err := h.deps.tokens.Validate(strings.TrimSpace(out.String()), h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, "user-9", claims.Subject)
	require.Equal(t, h.clock.Now().Add(10*time.Minute).Unix(), claims.Expiry.Time().Unix())
}

func TestDispatch_Errors(t *testing.T) {
	h := newCtlHarness(t)
	ctx := context.Background()
	var out bytes.Buffer

	require.Error(t, dispatch(ctx, h.deps, nil, &out))
	require.ErrorContains(t, dispatch(ctx, h.deps, []string{"frobnicate"}, &out), "unknown command")
	require.ErrorContains(t, dispatch(ctx, h.deps, []string{"verify"}, &out), "document id")
	require.ErrorIs(t, dispatch(ctx, h.deps, []string{"verify", "missing"}, &out), domain.ErrNotFound)
	require.ErrorContains(t, dispatch(ctx, h.deps, []string{"token"}, &out), "--user")
}
