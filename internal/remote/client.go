package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient implements Store against the LedgerHub HTTP API.
type HTTPClient struct {
	baseURL  string
	apiKey   string
	sourceID string
	client   *http.Client
}

// NewHTTPClient creates a LedgerHub client. sourceID identifies this
// installation in request headers so the service can attribute writes.
func NewHTTPClient(baseURL, apiKey, sourceID string) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		sourceID: sourceID,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// documentDTO is the wire shape of one document.
type documentDTO struct {
	ID           string         `json:"_id"`
	Fields       map[string]any `json:"fields"`
	LastModified string         `json:"last_modified,omitempty"`
}

func (d documentDTO) toDocument() Document {
	doc := Document{ID: d.ID, Fields: d.Fields}
	if d.LastModified != "" {
		if t, err := time.Parse(time.RFC3339Nano, d.LastModified); err == nil {
			doc.LastModified = t
		} else if t, err := time.Parse(time.RFC3339, d.LastModified); err == nil {
			doc.LastModified = t
		}
	}
	return doc
}

type findResponse struct {
	Documents []documentDTO `json:"documents"`
}

type insertResponse struct {
	ID string `json:"_id"`
}

// Find returns all documents in a collection matching the filter.
func (c *HTTPClient) Find(collection string, filter map[string]any) ([]Document, error) {
	endpoint := c.baseURL + "/api/v1/collections/" + url.PathEscape(collection) + "/query"
	body, err := json.Marshal(map[string]any{"filter": filter})
	if err != nil {
		return nil, &Error{Op: "find", Collection: collection, Err: err}
	}

	var out findResponse
	if err := c.do("POST", endpoint, body, &out, "find", collection); err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(out.Documents))
	for _, d := range out.Documents {
		docs = append(docs, d.toDocument())
	}
	return docs, nil
}

// FindOne returns the first matching document or ErrNoDocument.
func (c *HTTPClient) FindOne(collection string, filter map[string]any) (*Document, error) {
	docs, err := c.Find(collection, filter)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNoDocument
	}
	return &docs[0], nil
}

// Insert creates a document and returns its assigned identifier.
func (c *HTTPClient) Insert(collection string, fields map[string]any) (string, error) {
	endpoint := c.baseURL + "/api/v1/collections/" + url.PathEscape(collection)
	body, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return "", &Error{Op: "insert", Collection: collection, Err: err}
	}

	var out insertResponse
	if err := c.do("POST", endpoint, body, &out, "insert", collection); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &Error{Op: "insert", Collection: collection, Err: fmt.Errorf("service returned no document id")}
	}
	return out.ID, nil
}

// Update replaces a document's fields by identifier.
func (c *HTTPClient) Update(collection, id string, fields map[string]any) error {
	endpoint := c.baseURL + "/api/v1/collections/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
	body, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return &Error{Op: "update", Collection: collection, Err: err}
	}
	return c.do("PUT", endpoint, body, nil, "update", collection)
}

// Delete removes a document by identifier.
func (c *HTTPClient) Delete(collection, id string) error {
	endpoint := c.baseURL + "/api/v1/collections/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
	return c.do("DELETE", endpoint, nil, nil, "delete", collection)
}

// Health probes service availability.
func (c *HTTPClient) Health() error {
	return c.do("GET", c.baseURL+"/api/v1/health", nil, nil, "health", "")
}

func (c *HTTPClient) do(method, endpoint string, body []byte, out any, op, collection string) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, endpoint, reader)
	if err != nil {
		return &Error{Op: op, Collection: collection, Err: err}
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Op: op, Collection: collection, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{
			Op:         op,
			Collection: collection,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg))),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, Collection: collection, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", "driftsync-client/1.0")
	if c.sourceID != "" {
		req.Header.Set("X-Driftsync-Source-ID", c.sourceID)
	}
}
