package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxErrorBody caps how much of an error response ends up in StatusError.Message.
const maxErrorBody = 512

var nextLink = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// HTTPCaller talks to the GitHub REST API.
type HTTPCaller struct {
	client *http.Client
	token  string
}

func NewHTTPCaller(token string) *HTTPCaller {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &HTTPCaller{
		client: &http.Client{Transport: otelhttp.NewTransport(tr)},
		token:  token,
	}
}

func (h *HTTPCaller) Call(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", req.URL, err)
	}
	hreq.Header.Set("Accept", "application/vnd.github+json")
	hreq.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if h.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", req.URL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(req.URL, resp, body)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Next:       parseNext(resp.Header.Get("Link")),
	}, nil
}

func statusError(url string, resp *http.Response, body []byte) *StatusError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	limited := resp.StatusCode == http.StatusTooManyRequests ||
		resp.Header.Get("X-RateLimit-Remaining") == "0" ||
		resp.Header.Get("Retry-After") != "" ||
		strings.Contains(strings.ToLower(msg), "rate limit")
	return &StatusError{
		URL:         url,
		StatusCode:  resp.StatusCode,
		Message:     msg,
		RateLimited: limited,
	}
}

func parseNext(link string) string {
	if link == "" {
		return ""
	}
	m := nextLink.FindStringSubmatch(link)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
