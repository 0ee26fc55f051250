// Package webhook publishes through an HTTP relay that owns the platform's
// wire protocol. The relay answers with {"remoteId": "..."}; status codes map
// onto publisher failure kinds.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"

	"postpilot/internal/jobs"
	"postpilot/internal/publisher"
	logx "postpilot/pkg/logx"
)

type Config struct {
	URL      string
	Timeout  time.Duration
	RetryMax int
}

type Adapter struct {
	base   string
	client *retryablehttp.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("webhook url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log = log.OrNop()

	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = cfg.Timeout
	c.RetryMax = cfg.RetryMax
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.Logger = logx.Leveled{L: log}
	c.CheckRetry = checkRetry
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Adapter{base: base, client: c, log: log}, nil
}

// checkRetry retries transport errors and 5xx (except 501). 4xx answers,
// including 429, go straight back to the poller which owns backoff.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented {
		return true, nil
	}
	return false, nil
}

type publishRequest struct {
	JobID          string        `json:"jobId"`
	Platform       jobs.Platform `json:"platform"`
	Owner          string        `json:"owner"`
	AccountID      string        `json:"accountId,omitempty"`
	ChannelID      string        `json:"channelId,omitempty"`
	Text           string        `json:"text,omitempty"`
	MediaRef       string        `json:"mediaRef,omitempty"`
	MediaType      string        `json:"mediaType,omitempty"`
	Media          []byte        `json:"media,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
}

type replyRequest struct {
	Platform  jobs.Platform `json:"platform"`
	Owner     string        `json:"owner"`
	AccountID string        `json:"accountId,omitempty"`
	TargetID  string        `json:"targetId"`
	Text      string        `json:"text"`
}

type response struct {
	RemoteID string `json:"remoteId"`
	Error    string `json:"error,omitempty"`
}

func (a *Adapter) Publish(ctx context.Context, creds publisher.Credentials, c publisher.Content) (publisher.Result, error) {
	body := publishRequest{
		JobID: c.JobID, Platform: creds.Platform, Owner: creds.Owner,
		AccountID: creds.AccountID, ChannelID: creds.ChannelID,
		Text: c.Text, MediaRef: c.MediaRef, MediaType: c.MediaType, Media: c.Media,
		IdempotencyKey: c.IdempotencyKey,
	}
	idem := c.IdempotencyKey
	if idem == "" {
		idem = c.JobID
	}
	return a.post(ctx, "/publish", creds.Token, idem, body)
}

func (a *Adapter) Reply(ctx context.Context, creds publisher.Credentials, targetID, text string) (publisher.Result, error) {
	body := replyRequest{Platform: creds.Platform, Owner: creds.Owner, AccountID: creds.AccountID, TargetID: targetID, Text: text}
	return a.post(ctx, "/reply", creds.Token, "reply-"+targetID, body)
}

func (a *Adapter) post(ctx context.Context, path, token, idem string, body any) (publisher.Result, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return publisher.Result{}, publisher.Wrap(publisher.KindContentRejected, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.base+path, bytes.NewReader(b))
	if err != nil {
		return publisher.Result{}, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return publisher.Result{}, errors.Wrapf(err, "POST %s", path)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out response
	_ = json.Unmarshal(raw, &out)
	msg := out.Error
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out.RemoteID == "" {
			return publisher.Result{}, publisher.Fail(publisher.KindUnknown, "relay returned no remoteId")
		}
		return publisher.Result{RemoteID: out.RemoteID}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return publisher.Result{}, publisher.Fail(publisher.KindAuthExpired, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return publisher.Result{}, publisher.RateLimited(msg, retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return publisher.Result{}, publisher.Fail(publisher.KindContentRejected, msg)
	case resp.StatusCode == http.StatusNotImplemented:
		return publisher.Result{}, publisher.Fail(publisher.KindPlatformUnsupported, msg)
	default:
		return publisher.Result{}, publisher.Fail(publisher.KindUnknown, msg)
	}
}

func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
