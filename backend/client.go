// Package backend is the typed gateway to the Invox REST API. Every request
// carries the stored bearer token; a 401 from any endpoint signs the client
// out.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"invox/storage"
	"invox/utils"
)

// maxErrorBody bounds how much of an error response is read
const maxErrorBody = 64 << 10

var (
	// ErrUnauthorized matches any 401 answer. By the time it is returned the
	// credential store has already been cleared.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnavailable wraps transport failures (backend down, DNS, TLS)
	ErrUnavailable = errors.New("backend unavailable")
)

// APIError is a non-2xx answer from the backend
type APIError struct {
	StatusCode int
	Detail     string
	Method     string
	Path       string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend %s %s (%d): %s", e.Method, e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("backend %s %s (%d)", e.Method, e.Path, e.StatusCode)
}

// Is makes errors.Is(err, ErrUnauthorized) true for 401 answers
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// UserMessage is the text to surface to the user for err: the backend's
// detail when there is one, the error text otherwise.
func UserMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Detail != "" {
			return apiErr.Detail
		}
		return http.StatusText(apiErr.StatusCode)
	}
	return utils.CleanDetail(err.Error())
}

// StatusCode returns the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Options configure a Gateway
type Options struct {
	// BaseURL is the versioned API root, e.g. http://127.0.0.1:8000/api/v1
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	// OnUnauthorized runs after the credential store has been cleared
	// because of a 401.
	OnUnauthorized func()
}

// Gateway dispatches requests to the backend
type Gateway struct {
	baseURL string
	http    *http.Client
	store   storage.CredentialStore

	mu             sync.RWMutex
	onUnauthorized func()
}

// New creates a gateway reading its token from store
func New(store storage.CredentialStore, opts Options) *Gateway {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Gateway{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		http:           client,
		store:          store,
		onUnauthorized: opts.OnUnauthorized,
	}
}

// SetUnauthorizedHandler replaces the hook run after a 401
func (g *Gateway) SetUnauthorizedHandler(fn func()) {
	g.mu.Lock()
	g.onUnauthorized = fn
	g.mu.Unlock()
}

// BaseURL returns the API root requests are sent to
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

func (g *Gateway) url(path string, query url.Values) string {
	u := g.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// send attaches the bearer token, performs the request and turns non-2xx
// answers into *APIError. The caller owns the returned body.
func (g *Gateway) send(req *http.Request) (*http.Response, error) {
	if token, ok := g.store.GetToken(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	log := utils.Log.WithFields(map[string]interface{}{"method": req.Method, "path": req.URL.Path})

	resp, err := g.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Warn("Backend request failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Detail:     parseDetail(body, resp.Header.Get("Content-Type")),
		Method:     req.Method,
		Path:       strings.TrimPrefix(req.URL.Path, pathPrefix(g.baseURL)),
	}

	if resp.StatusCode == http.StatusUnauthorized {
		log.Warn("Backend rejected credentials, signing out")
		g.invalidate()
	} else {
		log.Debug("Backend answered %d: %s", resp.StatusCode, apiErr.Detail)
	}
	return nil, apiErr
}

// invalidate clears the credential store before running the hook, so that
// whatever the hook navigates to never sees the stale token.
func (g *Gateway) invalidate() {
	if err := g.store.RemoveToken(); err != nil {
		utils.Log.Error("Failed to clear credentials after 401: %v", err)
	}
	g.mu.RLock()
	hook := g.onUnauthorized
	g.mu.RUnlock()
	if hook != nil {
		hook()
	}
}

func pathPrefix(base string) string {
	if u, err := url.Parse(base); err == nil {
		return u.Path
	}
	return ""
}

// doJSON sends in (if non-nil) as JSON and decodes the answer into out (if
// non-nil).
func (g *Gateway) doJSON(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.url(path, query), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// parseDetail extracts a human-readable message from an error body. FastAPI
// answers {"detail": "..."} or, for validation errors, {"detail": [{"msg":
// ...}]}; proxies in front of it answer HTML.
func parseDetail(body []byte, contentType string) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	if strings.Contains(contentType, "json") || trimmed[0] == '{' {
		var payload struct {
			Detail  json.RawMessage `json:"detail"`
			Error   string          `json:"error"`
			Message string          `json:"message"`
		}
		if err := json.Unmarshal(trimmed, &payload); err == nil {
			if msg := detailText(payload.Detail); msg != "" {
				return utils.CleanDetail(msg)
			}
			if payload.Message != "" {
				return utils.CleanDetail(payload.Message)
			}
			if payload.Error != "" {
				return utils.CleanDetail(payload.Error)
			}
		}
	}

	if strings.Contains(contentType, "html") || trimmed[0] == '<' {
		if title := htmlTitle(trimmed); title != "" {
			return utils.CleanDetail(title)
		}
	}
	return utils.CleanDetail(string(trimmed))
}

func detailText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []struct {
		Msg string        `json:"msg"`
		Loc []interface{} `json:"loc"`
	}
	if err := json.Unmarshal(raw, &items); err == nil {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			if len(it.Loc) > 0 {
				parts = append(parts, fmt.Sprintf("%v: %s", it.Loc[len(it.Loc)-1], it.Msg))
			} else {
				parts = append(parts, it.Msg)
			}
		}
		return strings.Join(parts, "; ")
	}
	return string(raw)
}

func htmlTitle(body []byte) string {
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			if string(name) == "title" {
				if z.Next() == html.TextToken {
					return strings.TrimSpace(string(z.Text()))
				}
				return ""
			}
		}
	}
}
