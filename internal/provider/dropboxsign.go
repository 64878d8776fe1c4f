package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	domainoauth "github.com/smallbiznis/signvault/internal/domain/oauth"
)

const (
	DropboxSignName      = "dropboxsign"
	dropboxSignAllSigned = "signature_request_all_signed"
	dropboxSignAck       = "Hello API Event Received"
)

// DropboxSign handles Dropbox Sign (HelloSign) callbacks and API v3.
type DropboxSign struct {
	cfg domainoauth.ProviderConfig
	api apiClient
}

var (
	_ Adapter      = (*DropboxSign)(nil)
	_ Acknowledger = (*DropboxSign)(nil)
)

func NewDropboxSign(cfg domainoauth.ProviderConfig, client *http.Client) *DropboxSign {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.hellosign.com"
	}
	return &DropboxSign{cfg: cfg, api: newAPIClient(DropboxSignName, client)}
}

func (d *DropboxSign) Name() string { return DropboxSignName }

// Acknowledgement is the body Dropbox Sign requires to consider a callback
// delivered.
func (d *DropboxSign) Acknowledgement() string { return dropboxSignAck }

type dropboxSignCallback struct {
	Event struct {
		EventTime     string `json:"event_time"`
		EventType     string `json:"event_type"`
		EventHash     string `json:"event_hash"`
		EventMetadata struct {
			ReportedForAccountID string `json:"reported_for_account_id"`
		} `json:"event_metadata"`
	} `json:"event"`
	SignatureRequest struct {
		SignatureRequestID string `json:"signature_request_id"`
		IsComplete         bool   `json:"is_complete"`
	} `json:"signature_request"`
}

func decodeDropboxSign(body []byte) (dropboxSignCallback, error) {
	var payload dropboxSignCallback
	if err := json.Unmarshal(body, &payload); err != nil {
		return payload, parseErr(DropboxSignName, "decode payload: %v", err)
	}
	return payload, nil
}

func (d *DropboxSign) ParseWebhook(body []byte) (NormalizedEvent, error) {
	payload, err := decodeDropboxSign(body)
	if err != nil {
		return NormalizedEvent{}, err
	}
	ev := payload.Event
	if ev.EventType == "" {
		return NormalizedEvent{}, parseErr(DropboxSignName, "missing event_type")
	}
	// callback_test carries no signature request.
	if payload.SignatureRequest.SignatureRequestID == "" && ev.EventType != "callback_test" {
		return NormalizedEvent{}, parseErr(DropboxSignName, "missing signature_request_id")
	}
	return NormalizedEvent{
		ProviderEventID: ev.EventHash,
		EventType:       ev.EventType,
		AccountID:       ev.EventMetadata.ReportedForAccountID,
		DocumentID:      payload.SignatureRequest.SignatureRequestID,
		Status:          ev.EventType,
		Timestamp:       parseTime(ev.EventTime),
	}, nil
}

func (d *DropboxSign) IsCompletionEvent(ev NormalizedEvent) bool {
	return ev.Status == dropboxSignAllSigned
}

func (d *DropboxSign) base(acct Account) string {
	return coalesce(acct.BaseURL, d.cfg.APIBaseURL)
}

func (d *DropboxSign) DownloadDocument(ctx context.Context, accessToken string, acct Account, documentID string) ([]byte, error) {
	u := joinURL(d.base(acct), fmt.Sprintf("/v3/signature_request/files/%s?file_type=pdf", url.PathEscape(documentID)))
	return d.api.get(ctx, "download document", u, accessToken, "application/pdf", maxDocumentBody)
}

func (d *DropboxSign) GetMetadata(ctx context.Context, accessToken string, acct Account, documentID string) (Metadata, error) {
	var resp struct {
		SignatureRequest struct {
			Title      string `json:"title"`
			Signatures []struct {
				SignerName  string `json:"signer_name"`
				SignerEmail string `json:"signer_email_address"`
				SignedAt    int64  `json:"signed_at"`
			} `json:"signatures"`
		} `json:"signature_request"`
	}
	u := joinURL(d.base(acct), "/v3/signature_request/"+url.PathEscape(documentID))
	if err := d.api.getJSON(ctx, "get metadata", u, accessToken, &resp); err != nil {
		return Metadata{}, err
	}

	var meta Metadata
	if resp.SignatureRequest.Title != "" {
		meta.Name = resp.SignatureRequest.Title + ".pdf"
	}
	var last int64
	for _, s := range resp.SignatureRequest.Signatures {
		meta.Parties = append(meta.Parties, Party{Name: s.SignerName, Email: s.SignerEmail, Role: "signer"})
		if s.SignedAt > last {
			last = s.SignedAt
		}
	}
	if last > 0 {
		meta.CompletedAt = unixUTC(last)
	}
	return meta, nil
}

func (d *DropboxSign) FetchAccount(ctx context.Context, accessToken string) (domainoauth.AccountInfo, error) {
	var resp struct {
		Account struct {
			AccountID    string `json:"account_id"`
			EmailAddress string `json:"email_address"`
		} `json:"account"`
	}
	if err := d.api.getJSON(ctx, "fetch account", joinURL(d.cfg.APIBaseURL, "/v3/account"), accessToken, &resp); err != nil {
		return domainoauth.AccountInfo{}, err
	}
	if resp.Account.AccountID == "" {
		return domainoauth.AccountInfo{}, fmt.Errorf("dropboxsign account response has no account_id")
	}
	return domainoauth.AccountInfo{
		AccountID: resp.Account.AccountID,
		Name:      resp.Account.EmailAddress,
		Email:     resp.Account.EmailAddress,
	}, nil
}

// VerifySignature recomputes event_hash as hex HMAC-SHA256 of
// event_time + event_type keyed by the API key.
func (d *DropboxSign) VerifySignature(w Webhook, secret string) error {
	payload, err := decodeDropboxSign(w.Body)
	if err != nil {
		return err
	}
	return verifyHex(DropboxSignName, payload.Event.EventHash, secret,
		[]byte(payload.Event.EventTime), []byte(payload.Event.EventType))
}
