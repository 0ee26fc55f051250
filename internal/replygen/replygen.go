// Package replygen calls an external text-generation service for replies.
package replygen

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"

	logx "postpilot/pkg/logx"
)

// Request is the context handed to the generator.
type Request struct {
	Owner      string `json:"owner"`
	Platform   string `json:"platform"`
	Persona    string `json:"persona,omitempty"`
	AuthorName string `json:"authorName,omitempty"`
	Message    string `json:"message"`
	Kind       string `json:"kind,omitempty"`
	Model      string `json:"model,omitempty"`
}

type Config struct {
	URL      string
	Token    string
	Model    string
	Timeout  time.Duration
	RetryMax int
}

// Client posts Request as JSON to URL and reads {"text": "..."}.
type Client struct {
	url   string
	token string
	model string
	http  *retryablehttp.Client
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		return nil, errors.New("reply generator url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = cfg.Timeout
	c.RetryMax = cfg.RetryMax
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = logx.Leveled{L: log.OrNop().With(logx.Component("replygen"))}
	return &Client{url: u, token: cfg.Token, model: cfg.Model, http: c}, nil
}

func (c *Client) GenerateReply(ctx context.Context, req Request) (string, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	b, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "encode reply request")
	}
	hreq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(b))
	if err != nil {
		return "", errors.Wrap(err, "build reply request")
	}
	hreq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(hreq)
	if err != nil {
		return "", errors.Wrap(err, "reply generator")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Newf("reply generator: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", errors.Wrap(err, "decode reply")
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", errors.New("reply generator returned empty text")
	}
	return text, nil
}

// Static always answers with the same text. Used when no generator is
// configured.
type Static string

func (s Static) GenerateReply(context.Context, Request) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", errors.New("no reply generator configured")
	}
	return string(s), nil
}
