package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultBaseURL = "https://api.airtable.com/v0"

// APIError is a non-2xx answer from the Airtable Web API.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("airtable: %s (%s, http %d)", e.Message, e.Type, e.Status)
	}
	return fmt.Sprintf("airtable: %s (http %d)", e.Message, e.Status)
}

// HTTPClient talks to the Airtable Web API with a personal access token.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// ClientOption configures optional aspects of the HTTP client.
type ClientOption func(*HTTPClient)

// WithBaseURL points the client at a different API root. Used by tests and
// proxy deployments.
func WithBaseURL(u string) ClientOption {
	return func(c *HTTPClient) { c.baseURL = u }
}

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) { c.http = hc }
}

// NewHTTPClient builds a Client backed by api.airtable.com.
func NewHTTPClient(token string, opts ...ClientOption) (*HTTPClient, error) {
	if token == "" {
		return nil, errors.New("airtable: token is required")
	}
	c := &HTTPClient{
		baseURL: defaultBaseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// do issues one API request and decodes the response into out. Non-2xx
// answers become *APIError; 404 additionally matches ErrNotFound.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("airtable: marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("airtable: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("airtable: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &APIError{Status: res.StatusCode, Message: res.Status}
		var envelope struct {
			Error json.RawMessage `json:"error"`
		}
		if err := json.NewDecoder(res.Body).Decode(&envelope); err == nil && len(envelope.Error) > 0 {
			// The API reports errors as either a bare string or an object.
			var detail struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(envelope.Error, &detail); err == nil && detail.Message != "" {
				apiErr.Type, apiErr.Message = detail.Type, detail.Message
			} else {
				var s string
				if err := json.Unmarshal(envelope.Error, &s); err == nil && s != "" {
					apiErr.Message = s
				}
			}
		}
		if res.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("airtable: decode response: %w", err)
	}
	return nil
}

// ListBases folds the offset-paginated meta/bases listing into one slice.
func (c *HTTPClient) ListBases(ctx context.Context) ([]Base, error) {
	var bases []Base
	offset := ""
	for {
		q := url.Values{}
		if offset != "" {
			q.Set("offset", offset)
		}
		var page struct {
			Bases  []Base `json:"bases"`
			Offset string `json:"offset"`
		}
		if err := c.do(ctx, http.MethodGet, "/meta/bases", q, nil, &page); err != nil {
			return nil, err
		}
		bases = append(bases, page.Bases...)
		if page.Offset == "" {
			return bases, nil
		}
		offset = page.Offset
	}
}

// ListTables returns the table schemas of one base.
func (c *HTTPClient) ListTables(ctx context.Context, baseID string) ([]Table, error) {
	if baseID == "" {
		return nil, errors.New("airtable: baseID is required")
	}
	var out struct {
		Tables []Table `json:"tables"`
	}
	path := fmt.Sprintf("/meta/bases/%s/tables", url.PathEscape(baseID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Tables, nil
}

// ListRecords lists rows of one table, following offset pagination until the
// backend is exhausted or maxRecords rows have been collected. maxRecords
// <= 0 means no cap.
func (c *HTTPClient) ListRecords(ctx context.Context, baseID, table string, maxRecords int) ([]Record, error) {
	if baseID == "" || table == "" {
		return nil, errors.New("airtable: baseID and table are required")
	}
	var records []Record
	path := fmt.Sprintf("/%s/%s", url.PathEscape(baseID), url.PathEscape(table))
	offset := ""
	for {
		q := url.Values{}
		if maxRecords > 0 {
			q.Set("maxRecords", fmt.Sprintf("%d", maxRecords))
		}
		if offset != "" {
			q.Set("offset", offset)
		}
		var page struct {
			Records []Record `json:"records"`
			Offset  string   `json:"offset"`
		}
		if err := c.do(ctx, http.MethodGet, path, q, nil, &page); err != nil {
			return nil, err
		}
		records = append(records, page.Records...)
		if page.Offset == "" || (maxRecords > 0 && len(records) >= maxRecords) {
			break
		}
		offset = page.Offset
	}
	if maxRecords > 0 && len(records) > maxRecords {
		records = records[:maxRecords]
	}
	return records, nil
}

// CreateRecord inserts one row and returns it as stored.
func (c *HTTPClient) CreateRecord(ctx context.Context, baseID, table string, fields map[string]any) (Record, error) {
	if baseID == "" || table == "" {
		return Record{}, errors.New("airtable: baseID and table are required")
	}
	path := fmt.Sprintf("/%s/%s", url.PathEscape(baseID), url.PathEscape(table))
	var rec Record
	err := c.do(ctx, http.MethodPost, path, nil, map[string]any{"fields": fields}, &rec)
	return rec, err
}

// UpdateRecord patches the named fields of one row, leaving others intact.
func (c *HTTPClient) UpdateRecord(ctx context.Context, baseID, table, recordID string, fields map[string]any) (Record, error) {
	if baseID == "" || table == "" || recordID == "" {
		return Record{}, errors.New("airtable: baseID, table and recordID are required")
	}
	path := fmt.Sprintf("/%s/%s/%s", url.PathEscape(baseID), url.PathEscape(table), url.PathEscape(recordID))
	var rec Record
	err := c.do(ctx, http.MethodPatch, path, nil, map[string]any{"fields": fields}, &rec)
	return rec, err
}

// DeleteRecord removes one row and returns the deleted record id.
func (c *HTTPClient) DeleteRecord(ctx context.Context, baseID, table, recordID string) (string, error) {
	if baseID == "" || table == "" || recordID == "" {
		return "", errors.New("airtable: baseID, table and recordID are required")
	}
	path := fmt.Sprintf("/%s/%s/%s", url.PathEscape(baseID), url.PathEscape(table), url.PathEscape(recordID))
	var out struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, &out); err != nil {
		return "", err
	}
	if !out.Deleted {
		return "", fmt.Errorf("airtable: delete of %s not confirmed", recordID)
	}
	return out.ID, nil
}
