// Package source fetches the list of items to monitor.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"urlsentry/internal/httpclient"
	"urlsentry/internal/model"
)

// MaxBodyBytes caps the remote list payload
const MaxBodyBytes = 10 << 20

// Fetcher returns the current item list from a source of truth
type Fetcher interface {
	Fetch(ctx context.Context) ([]model.Item, error)
}

// HTTPFetcher reads the list from a remote endpoint with GET
type HTTPFetcher struct {
	client   *http.Client
	endpoint string
}

// NewHTTPFetcher creates a fetcher for endpoint. A nil client uses httpclient.New().
func NewHTTPFetcher(client *http.Client, endpoint string) *HTTPFetcher {
	if client == nil {
		client = httpclient.New()
	}
	return &HTTPFetcher{client: client, endpoint: endpoint}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) ([]model.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return nil, &model.NetworkError{Op: "fetch", Kind: model.KindInvalidURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", httpclient.UserAgent())
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &model.NetworkError{Op: "fetch", Kind: httpclient.Classify(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &model.NetworkError{Op: "fetch", Kind: model.KindNetwork, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, &model.NetworkError{Op: "fetch", Kind: httpclient.Classify(err), Err: err}
	}
	if len(body) > MaxBodyBytes {
		return nil, &model.FormatError{Reason: fmt.Sprintf("payload exceeds %d bytes", MaxBodyBytes)}
	}
	return Parse(body)
}

type envelope struct {
	Status json.RawMessage `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// Parse accepts a bare array or a {status, data: []} envelope
func Parse(body []byte) ([]model.Item, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &model.FormatError{Reason: "empty payload"}
	}

	switch trimmed[0] {
	case '[':
		return parseArray(trimmed)
	case '{':
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, &model.FormatError{Reason: err.Error()}
		}
		data := bytes.TrimSpace(env.Data)
		if len(data) == 0 || data[0] != '[' {
			return nil, &model.FormatError{Reason: "envelope data is not an array"}
		}
		return parseArray(data)
	default:
		return nil, &model.FormatError{Reason: "payload is neither an array nor an envelope"}
	}
}

func parseArray(data []byte) ([]model.Item, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &model.FormatError{Reason: err.Error()}
	}
	items := make([]model.Item, 0, len(raw))
	for i, r := range raw {
		var it model.Item
		if err := json.Unmarshal(r, &it); err != nil {
			return nil, &model.FormatError{Reason: fmt.Sprintf("item %d: %v", i, err)}
		}
		items = append(items, it)
	}
	return items, nil
}

// Static serves a fixed list, typically the items declared in the YAML file
type Static []model.Item

func (s Static) Fetch(context.Context) ([]model.Item, error) {
	out := make([]model.Item, len(s))
	copy(out, s)
	return out, nil
}
