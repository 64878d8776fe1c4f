package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	domainoauth "github.com/smallbiznis/signvault/internal/domain/oauth"
)

const (
	PandaDocName      = "pandadoc"
	pandaDocCompleted = "document.completed"
)

// PandaDoc handles PandaDoc webhooks and the public v1 API.
type PandaDoc struct {
	cfg domainoauth.ProviderConfig
	api apiClient
}

var _ Adapter = (*PandaDoc)(nil)

func NewPandaDoc(cfg domainoauth.ProviderConfig, client *http.Client) *PandaDoc {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.pandadoc.com"
	}
	return &PandaDoc{cfg: cfg, api: newAPIClient(PandaDocName, client)}
}

func (p *PandaDoc) Name() string { return PandaDocName }

type pandaDocEvent struct {
	Event string `json:"event"`
	Data  struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Status        string `json:"status"`
		DateCompleted string `json:"date_completed"`
		DateModified  string `json:"date_modified"`
		CreatedBy     struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"created_by"`
	} `json:"data"`
}

// ParseWebhook accepts PandaDoc's array body, using its first event. There
// is no event id, so document id, event and status form the key.
func (p *PandaDoc) ParseWebhook(body []byte) (NormalizedEvent, error) {
	var events []pandaDocEvent
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var single pandaDocEvent
		if err := json.Unmarshal(body, &single); err != nil {
			return NormalizedEvent{}, parseErr(PandaDocName, "decode payload: %v", err)
		}
		events = append(events, single)
	} else if err := json.Unmarshal(body, &events); err != nil {
		return NormalizedEvent{}, parseErr(PandaDocName, "decode payload: %v", err)
	}
	if len(events) == 0 {
		return NormalizedEvent{}, parseErr(PandaDocName, "empty event list")
	}

	ev := events[0]
	if ev.Event == "" || ev.Data.ID == "" {
		return NormalizedEvent{}, parseErr(PandaDocName, "missing event or document id")
	}
	return NormalizedEvent{
		ProviderEventID: strings.Join([]string{ev.Data.ID, ev.Event, ev.Data.Status}, ":"),
		EventType:       ev.Event,
		AccountID:       ev.Data.CreatedBy.ID,
		DocumentID:      ev.Data.ID,
		Status:          ev.Data.Status,
		Timestamp:       parseTime(coalesce(ev.Data.DateCompleted, ev.Data.DateModified)),
	}, nil
}

func (p *PandaDoc) IsCompletionEvent(ev NormalizedEvent) bool {
	return ev.Status == pandaDocCompleted
}

func (p *PandaDoc) base(acct Account) string {
	return coalesce(acct.BaseURL, p.cfg.APIBaseURL)
}

func (p *PandaDoc) DownloadDocument(ctx context.Context, accessToken string, acct Account, documentID string) ([]byte, error) {
	u := joinURL(p.base(acct), fmt.Sprintf("/public/v1/documents/%s/download", url.PathEscape(documentID)))
	return p.api.get(ctx, "download document", u, accessToken, "application/pdf", maxDocumentBody)
}

func (p *PandaDoc) GetMetadata(ctx context.Context, accessToken string, acct Account, documentID string) (Metadata, error) {
	var details struct {
		Name          string `json:"name"`
		DateCompleted string `json:"date_completed"`
		Recipients    []struct {
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
			Email     string `json:"email"`
			Role      string `json:"role"`
		} `json:"recipients"`
	}
	u := joinURL(p.base(acct), fmt.Sprintf("/public/v1/documents/%s/details", url.PathEscape(documentID)))
	if err := p.api.getJSON(ctx, "get metadata", u, accessToken, &details); err != nil {
		return Metadata{}, err
	}

	meta := Metadata{CompletedAt: parseTime(details.DateCompleted)}
	if details.Name != "" {
		meta.Name = details.Name
		if !strings.HasSuffix(strings.ToLower(meta.Name), ".pdf") {
			meta.Name += ".pdf"
		}
	}
	for _, r := range details.Recipients {
		meta.Parties = append(meta.Parties, Party{
			Name:  strings.TrimSpace(r.FirstName + " " + r.LastName),
			Email: r.Email,
			Role:  r.Role,
		})
	}
	return meta, nil
}

// FetchAccount identifies the connecting member. Webhooks carry the same
// id as data.created_by.id.
func (p *PandaDoc) FetchAccount(ctx context.Context, accessToken string) (domainoauth.AccountInfo, error) {
	var raw map[string]any
	if err := p.api.getJSON(ctx, "fetch account", joinURL(p.cfg.APIBaseURL, "/public/v1/members/current/"), accessToken, &raw); err != nil {
		return domainoauth.AccountInfo{}, err
	}
	id := coalesce(stringValue(raw["user_id"]), stringValue(raw["membership_id"]))
	if id == "" {
		return domainoauth.AccountInfo{}, fmt.Errorf("pandadoc member response has no user_id")
	}
	name := strings.TrimSpace(stringValue(raw["first_name"]) + " " + stringValue(raw["last_name"]))
	return domainoauth.AccountInfo{
		AccountID: id,
		Name:      coalesce(name, stringValue(raw["workspace_name"])),
		Email:     stringValue(raw["email"]),
	}, nil
}

// VerifySignature checks the hex HMAC-SHA256 in the signature query parameter.
func (p *PandaDoc) VerifySignature(w Webhook, secret string) error {
	return verifyHex(PandaDocName, w.Query.Get("signature"), secret, w.Body)
}
