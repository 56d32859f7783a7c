package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"zerotrace/internal/model"
)

type (
	// Client talks to the directory and envelope store over HTTP.
	Client struct {
		base *url.URL
		http *http.Client
	}
)

func NewClient(serverURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	return &Client{
		base: u,
		http: &http.Client{Timeout: timeout},
	}, nil
}

// endpoint builds base/seg1/seg2?query. Segments are escaped so keys and
// search strings travel as single path elements.
func (c *Client) endpoint(query url.Values, segments ...string) string {
	u := *c.base
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = strings.TrimSuffix(c.base.Path, "/") + "/" + strings.Join(segments, "/")
	u.RawPath = strings.TrimSuffix(c.base.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", model.ErrTransient, method, target, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return model.ErrAlreadyExists
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: status %d", model.ErrTransient, method, target, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s %s: unexpected status %d", method, target, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", model.ErrTransient, target, err)
	}
	return nil
}

// Register publishes a new user. model.ErrAlreadyExists if the username or
// key is taken.
func (c *Client) Register(ctx context.Context, user *model.User) error {
	return c.do(ctx, http.MethodPost, c.endpoint(nil, "register"), user, nil)
}

func (c *Client) LookupByUsername(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, http.MethodGet, c.endpoint(nil, "user", username), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) LookupByPublicKey(ctx context.Context, kemPublic string) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, http.MethodGet, c.endpoint(nil, "lookup", kemPublic), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) Search(ctx context.Context, query string) ([]*model.User, error) {
	var users []*model.User
	if err := c.do(ctx, http.MethodGet, c.endpoint(nil, "users", query), nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// SubmitEnvelope posts env and fills in the id and timestamp assigned by
// the server.
func (c *Client) SubmitEnvelope(ctx context.Context, env *model.Envelope) error {
	var stored model.Envelope
	if err := c.do(ctx, http.MethodPost, c.endpoint(nil, "send"), env, &stored); err != nil {
		return err
	}
	env.ID = stored.ID
	env.Timestamp = stored.Timestamp
	return nil
}

func (c *Client) FetchEnvelopesFor(ctx context.Context, kemPublic string, after float64) ([]*model.Envelope, error) {
	return c.fetch(ctx, after, "messages", kemPublic)
}

func (c *Client) FetchEnvelopesForDialog(ctx context.Context, dialogHash string, after float64) ([]*model.Envelope, error) {
	return c.fetch(ctx, after, "dialog", dialogHash)
}

func (c *Client) fetch(ctx context.Context, after float64, segments ...string) ([]*model.Envelope, error) {
	q := url.Values{"last": []string{strconv.FormatFloat(after, 'f', -1, 64)}}
	var envs []*model.Envelope
	if err := c.do(ctx, http.MethodGet, c.endpoint(q, segments...), nil, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

func (c *Client) ListDialogs(ctx context.Context, kemPublic string) ([]*model.DialogRef, error) {
	var refs []*model.DialogRef
	if err := c.do(ctx, http.MethodGet, c.endpoint(nil, "dialogs", kemPublic), nil, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}
