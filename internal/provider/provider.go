package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ssuji15/ciwatch/internal/transport"
)

// maxPages guards ListQuery against a provider that never stops returning next links.
const maxPages = 1000

// ParseError is a provider response that could not be decoded.
type ParseError struct {
	URL     string
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("parse %s: %s", e.URL, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// Client is a thin GitHub Actions API client for one repository.
type Client struct {
	caller  transport.Caller
	baseURL string
	owner   string
	name    string
}

func New(caller transport.Caller, baseURL, repo string) (*Client, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("repo must be owner/name, got %q", repo)
	}
	return &Client{
		caller:  caller,
		baseURL: strings.TrimRight(baseURL, "/"),
		owner:   owner,
		name:    name,
	}, nil
}

func (c *Client) Repo() string {
	return c.owner + "/" + c.name
}

func (c *Client) Org() string {
	return c.owner
}

func (c *Client) url(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

// ListQuery follows pagination from endpoint and returns the items found under
// key in every page, in page order. Top level arrays are accepted as-is.
func (c *Client) ListQuery(ctx context.Context, endpoint, key string) ([]json.RawMessage, error) {
	return c.list(ctx, endpoint, key, maxPages, false)
}

// list pages through endpoint. Cacheable pages may be answered from a response
// cache and must only be set for data that no longer changes.
func (c *Client) list(ctx context.Context, endpoint, key string, pages int, cacheable bool) ([]json.RawMessage, error) {
	var items []json.RawMessage
	next := c.url(endpoint)
	for page := 0; next != "" && page < pages; page++ {
		req := transport.Get(next)
		req.Cacheable = cacheable
		resp, err := c.caller.Call(ctx, req)
		if err != nil {
			return nil, err
		}
		pageItems, err := extract(next, resp.Body, key)
		if err != nil {
			return nil, err
		}
		items = append(items, pageItems...)
		next = resp.Next
	}
	return items, nil
}

func extract(url string, body []byte, key string) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, &ParseError{URL: url, Message: "invalid list", Cause: err}
		}
		return items, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, &ParseError{URL: url, Message: "invalid object", Cause: err}
	}
	raw, ok := obj[key]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &ParseError{URL: url, Message: fmt.Sprintf("field %q is not a list", key), Cause: err}
	}
	return items, nil
}

// Get fetches a single object and decodes it into out.
func (c *Client) Get(ctx context.Context, endpoint string, out any) error {
	u := c.url(endpoint)
	resp, err := c.caller.Call(ctx, transport.Request{Method: http.MethodGet, URL: u, Cacheable: true})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &ParseError{URL: u, Message: "invalid object", Cause: err}
	}
	return nil
}

func decodeAll[T any](items []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, raw := range items {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &ParseError{Message: "invalid item", Cause: err}
		}
		out = append(out, v)
	}
	return out, nil
}
