package pageedits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/liveedit/auth"
	"github.com/hazyhaar/liveedit/autosave"
	"github.com/hazyhaar/liveedit/safe"
)

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("pageedits: HTTP %d", e.Code)
	}
	return fmt.Sprintf("pageedits: HTTP %d: %s", e.Code, e.Msg)
}

// Client talks to a Server. It implements autosave.Persister and
// autosave.AuthGate.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sends the session token as a cookie on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default client (10 s timeout).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient targets the API mounted at baseURL, e.g. "http://host/api".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var (
	_ autosave.Persister = (*Client)(nil)
	_ autosave.AuthGate  = (*Client)(nil)
)

// SaveEdit posts e to /save-page-edit.
func (c *Client) SaveEdit(ctx context.Context, e autosave.Edit) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("pageedits: encode: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/save-page-edit", bytes.NewReader(body), nil)
}

// Authenticated asks /me. A 401 is a definite no; other failures are
// errors.
func (c *Client) Authenticated(ctx context.Context) (bool, error) {
	_, err := c.Me(ctx)
	if se, ok := err.(*StatusError); ok && se.Code == http.StatusUnauthorized {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Me is the signed-in identity.
type Me struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Me returns the identity behind the client's token.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var me Me
	err := c.do(ctx, http.MethodGet, "/me", nil, &me)
	return me, err
}

// Edits returns the stored edits of pageID keyed by element ID.
func (c *Client) Edits(ctx context.Context, pageID string) (map[string]Edit, error) {
	var out struct {
		Edits map[string]Edit `json:"edits"`
	}
	if err := c.do(ctx, http.MethodGet, "/get-page-edits/"+url.PathEscape(pageID), nil, &out); err != nil {
		return nil, err
	}
	return out.Edits, nil
}

// DeleteEdit removes one stored edit.
func (c *Client) DeleteEdit(ctx context.Context, pageID, elementID string) error {
	return c.do(ctx, http.MethodDelete,
		"/delete-page-edit/"+url.PathEscape(pageID)+"/"+url.PathEscape(elementID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body *bytes.Reader, out any) error {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.base+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.base+path, nil)
	}
	if err != nil {
		return fmt.Errorf("pageedits: request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: c.token})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pageedits: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := safe.LimitedReadAll(resp.Body, safe.MaxBody)
	if err != nil {
		return fmt.Errorf("pageedits: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		json.Unmarshal(data, &e)
		return &StatusError{Code: resp.StatusCode, Msg: e.Error}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("pageedits: decode response: %w", err)
		}
	}
	return nil
}
