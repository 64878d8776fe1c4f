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
	DocuSignName            = "docusign"
	docuSignSignatureHeader = "X-DocuSign-Signature-1"
	docuSignCompleted       = "completed"
)

// DocuSign handles DocuSign Connect JSON (SIM) notifications and the
// eSignature REST API.
type DocuSign struct {
	cfg domainoauth.ProviderConfig
	api apiClient
}

var _ Adapter = (*DocuSign)(nil)

func NewDocuSign(cfg domainoauth.ProviderConfig, client *http.Client) *DocuSign {
	return &DocuSign{cfg: cfg, api: newAPIClient(DocuSignName, client)}
}

func (d *DocuSign) Name() string { return DocuSignName }

type docuSignConnectEvent struct {
	Event             string `json:"event"`
	GeneratedDateTime string `json:"generatedDateTime"`
	Data              struct {
		AccountID       string `json:"accountId"`
		EnvelopeID      string `json:"envelopeId"`
		EnvelopeSummary struct {
			Status            string `json:"status"`
			CompletedDateTime string `json:"completedDateTime"`
		} `json:"envelopeSummary"`
	} `json:"data"`
}

// ParseWebhook accepts the Connect JSON payload. DocuSign sends no event id;
// envelope id plus event name is stable across redeliveries.
func (d *DocuSign) ParseWebhook(body []byte) (NormalizedEvent, error) {
	var payload docuSignConnectEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		return NormalizedEvent{}, parseErr(DocuSignName, "decode payload: %v", err)
	}
	if payload.Event == "" || payload.Data.EnvelopeID == "" || payload.Data.AccountID == "" {
		return NormalizedEvent{}, parseErr(DocuSignName, "missing event, envelopeId or accountId")
	}

	status := payload.Data.EnvelopeSummary.Status
	if status == "" {
		status = strings.TrimPrefix(payload.Event, "envelope-")
	}
	return NormalizedEvent{
		ProviderEventID: payload.Data.EnvelopeID + ":" + payload.Event,
		EventType:       payload.Event,
		AccountID:       payload.Data.AccountID,
		DocumentID:      payload.Data.EnvelopeID,
		Status:          strings.ToLower(status),
		Timestamp:       parseTime(coalesce(payload.Data.EnvelopeSummary.CompletedDateTime, payload.GeneratedDateTime)),
	}, nil
}

func (d *DocuSign) IsCompletionEvent(ev NormalizedEvent) bool {
	return ev.Status == docuSignCompleted
}

func (d *DocuSign) baseURL(acct Account) string {
	return coalesce(acct.BaseURL, d.cfg.APIBaseURL)
}

func (d *DocuSign) envelopeURL(acct Account, envelopeID, suffix string) string {
	return joinURL(d.baseURL(acct), fmt.Sprintf("/restapi/v2.1/accounts/%s/envelopes/%s%s",
		url.PathEscape(acct.ID), url.PathEscape(envelopeID), suffix))
}

// DownloadDocument fetches the combined PDF of all envelope documents.
func (d *DocuSign) DownloadDocument(ctx context.Context, accessToken string, acct Account, documentID string) ([]byte, error) {
	return d.api.get(ctx, "download document", d.envelopeURL(acct, documentID, "/documents/combined"), accessToken, "application/pdf", maxDocumentBody)
}

func (d *DocuSign) GetMetadata(ctx context.Context, accessToken string, acct Account, documentID string) (Metadata, error) {
	var envelope struct {
		EmailSubject      string `json:"emailSubject"`
		CompletedDateTime string `json:"completedDateTime"`
		Recipients        struct {
			Signers []struct {
				Name  string `json:"name"`
				Email string `json:"email"`
			} `json:"signers"`
			CarbonCopies []struct {
				Name  string `json:"name"`
				Email string `json:"email"`
			} `json:"carbonCopies"`
		} `json:"recipients"`
	}
	if err := d.api.getJSON(ctx, "get metadata", d.envelopeURL(acct, documentID, "?include=recipients"), accessToken, &envelope); err != nil {
		return Metadata{}, err
	}

	meta := Metadata{CompletedAt: parseTime(envelope.CompletedDateTime)}
	if envelope.EmailSubject != "" {
		meta.Name = envelope.EmailSubject + ".pdf"
	}
	for _, s := range envelope.Recipients.Signers {
		meta.Parties = append(meta.Parties, Party{Name: s.Name, Email: s.Email, Role: "signer"})
	}
	for _, c := range envelope.Recipients.CarbonCopies {
		meta.Parties = append(meta.Parties, Party{Name: c.Name, Email: c.Email, Role: "cc"})
	}
	return meta, nil
}

// FetchAccount reads the OAuth userinfo endpoint and picks the default
// account, whose base_uri scopes every later API call.
func (d *DocuSign) FetchAccount(ctx context.Context, accessToken string) (domainoauth.AccountInfo, error) {
	var raw map[string]any
	if err := d.api.getJSON(ctx, "fetch account", d.cfg.UserInfoURL, accessToken, &raw); err != nil {
		return domainoauth.AccountInfo{}, err
	}
	accounts, _ := raw["accounts"].([]any)
	var chosen map[string]any
	for _, a := range accounts {
		acct, ok := a.(map[string]any)
		if !ok {
			continue
		}
		if chosen == nil {
			chosen = acct
		}
		if isDefault, _ := acct["is_default"].(bool); isDefault {
			chosen = acct
			break
		}
	}
	if chosen == nil {
		return domainoauth.AccountInfo{}, fmt.Errorf("docusign userinfo has no accounts")
	}
	return domainoauth.AccountInfo{
		AccountID: stringValue(chosen["account_id"]),
		Name:      coalesce(stringValue(chosen["account_name"]), stringValue(raw["name"])),
		Email:     stringValue(raw["email"]),
		BaseURL:   stringValue(chosen["base_uri"]),
	}, nil
}

// VerifySignature checks the base64 HMAC-SHA256 Connect signature header.
func (d *DocuSign) VerifySignature(w Webhook, secret string) error {
	return verifyBase64(DocuSignName, w.Header.Get(docuSignSignatureHeader), secret, w.Body)
}
