package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/signvault/internal/domain"
)

const (
	maxJSONBody     = 1 << 20
	maxDocumentBody = 100 << 20
)

// apiClient performs authenticated provider calls and maps failures onto
// the shared error taxonomy.
type apiClient struct {
	provider string
	http     *http.Client
}

func newAPIClient(provider string, client *http.Client) apiClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return apiClient{provider: provider, http: client}
}

func (c apiClient) get(ctx context.Context, op, rawURL, accessToken, accept string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.ProviderError{Provider: c.provider, Op: op, Kind: domain.ErrTransientProvider, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &domain.ProviderError{Provider: c.provider, Op: op, StatusCode: resp.StatusCode, Kind: domain.ErrTransientProvider, Err: err}
	}
	if resp.StatusCode >= 300 {
		return nil, &domain.ProviderError{Provider: c.provider, Op: op, StatusCode: resp.StatusCode, Kind: kindForStatus(resp.StatusCode), Err: errors.New(snippet(body))}
	}
	if int64(len(body)) > limit {
		return nil, &domain.ProviderError{Provider: c.provider, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("response exceeds %d bytes", limit)}
	}
	return body, nil
}

func (c apiClient) getJSON(ctx context.Context, op, rawURL, accessToken string, out any) error {
	body, err := c.get(ctx, op, rawURL, accessToken, "application/json", maxJSONBody)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &domain.ProviderError{Provider: c.provider, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ErrAuth
	case status == http.StatusNotFound:
		return domain.ErrNotFound
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return domain.ErrTransientProvider
	default:
		return nil
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func parseErr(provider, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", provider, fmt.Sprintf(format, args...), domain.ErrParse)
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func coalesce(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func unixUTC(secs int64) time.Time {
	return time.Unix(secs, 0).UTC()
}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	if secs := int64Value(value); secs > 0 {
		return unixUTC(secs)
	}
	return time.Time{}
}
