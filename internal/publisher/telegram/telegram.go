// Package telegram publishes posts to Telegram channels with telebot and,
// when ingestion is on, records messages sent to those chats as inbound
// events for the auto-reply pass.
package telegram

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"postpilot/internal/inbound"
	"postpilot/internal/jobs"
	"postpilot/internal/publisher"
	rtsup "postpilot/internal/runtime/supervisor"
	logx "postpilot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Ingest turns on long polling and inbound event capture.
	Ingest bool
	// Offline skips the getMe handshake (tests).
	Offline bool
}

// EventSink receives ingested messages.
type EventSink interface {
	Add(ctx context.Context, e *inbound.Event) error
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	sink EventSink

	mu     sync.RWMutex
	owners map[int64]string // chat id -> owner

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(cfg Config, sink EventSink, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	a := &Adapter{cfg: cfg, log: log.OrNop(), bot: b, sink: sink, owners: map[int64]string{}}
	if cfg.Ingest && sink != nil {
		a.bot.Handle(tele.OnText, a.onMessage)
		a.bot.Handle(tele.OnChannelPost, a.onMessage)
	}
	return a, nil
}

// SetOwners maps chat ids (as configured on accounts) to owners.
func (a *Adapter) SetOwners(list []publisher.Credentials) {
	m := make(map[int64]string, len(list))
	for _, c := range list {
		if c.Platform != jobs.Telegram {
			continue
		}
		if id, err := strconv.ParseInt(strings.TrimSpace(c.ChannelID), 10, 64); err == nil {
			m[id] = c.Owner
		}
	}
	a.mu.Lock()
	a.owners = m
	a.mu.Unlock()
}

func (a *Adapter) ownerOf(chatID int64) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	o, ok := a.owners[chatID]
	return o, ok
}

func (a *Adapter) onMessage(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	owner, ok := a.ownerOf(m.Chat.ID)
	if !ok {
		return nil
	}
	e := eventFromMessage(m, owner)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.sink.Add(ctx, e); err != nil {
		a.log.Warn("inbound event not stored", logx.String("owner", owner), logx.Err(err))
	}
	return nil
}

func eventFromMessage(m *tele.Message, owner string) *inbound.Event {
	e := &inbound.Event{
		ID:             "tg-" + strconv.FormatInt(m.Chat.ID, 10) + "-" + strconv.Itoa(m.ID),
		Owner:          owner,
		Platform:       jobs.Telegram,
		Kind:           inbound.KindMessage,
		RecipientID:    strconv.FormatInt(m.Chat.ID, 10),
		Text:           m.Text,
		TargetRemoteID: messageRef(m.Chat.ID, m.ID),
		ReceivedAt:     m.Time().UTC(),
	}
	switch {
	case m.SenderChat != nil:
		e.AuthorID = strconv.FormatInt(m.SenderChat.ID, 10)
		e.AuthorName = m.SenderChat.Title
	case m.Sender != nil:
		e.AuthorID = strconv.FormatInt(m.Sender.ID, 10)
		e.AuthorName = m.Sender.Username
	}
	if m.ReplyTo != nil {
		e.Kind = inbound.KindComment
	}
	return e
}

// Start runs the long-poll loop under a restart supervisor. No-op unless
// ingestion is enabled.
func (a *Adapter) Start(ctx context.Context) {
	if !a.cfg.Ingest || a.sink == nil {
		return
	}
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return
	}
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.Component("telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	a.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	a.sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
}

// Stop ends polling, waiting at most a short grace period.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// Supervisor exposes the poll loop supervisor (nil when not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Publish(ctx context.Context, creds publisher.Credentials, c publisher.Content) (publisher.Result, error) {
	chatID, err := parseChat(creds.ChannelID)
	if err != nil {
		return publisher.Result{}, publisher.Wrap(publisher.KindAuthExpired, err)
	}
	chat := &tele.Chat{ID: chatID}

	if len(c.Media) > 0 {
		msg, err := a.bot.Send(chat, mediaFor(c))
		if err != nil {
			return publisher.Result{}, classify(err)
		}
		return publisher.Result{RemoteID: messageRef(chatID, msg.ID)}, nil
	}

	var first *tele.Message
	for _, chunk := range splitText(c.Text, textLimit) {
		if err := ctx.Err(); err != nil {
			if first != nil {
				// Part of the post is already visible; do not retry it.
				return publisher.Result{RemoteID: messageRef(chatID, first.ID)}, nil
			}
			return publisher.Result{}, err
		}
		msg, err := a.bot.Send(chat, chunk)
		if err != nil {
			if first != nil {
				a.log.Warn("partial telegram post", logx.String("job", c.JobID), logx.Err(err))
				return publisher.Result{RemoteID: messageRef(chatID, first.ID)}, nil
			}
			return publisher.Result{}, classify(err)
		}
		if first == nil {
			first = msg
		}
	}
	if first == nil {
		return publisher.Result{}, publisher.Fail(publisher.KindContentRejected, "empty post")
	}
	return publisher.Result{RemoteID: messageRef(chatID, first.ID)}, nil
}

func (a *Adapter) Reply(ctx context.Context, creds publisher.Credentials, targetID, text string) (publisher.Result, error) {
	chatID, msgID, err := parseRef(targetID)
	if err != nil {
		return publisher.Result{}, publisher.Wrap(publisher.KindContentRejected, err)
	}
	chat := &tele.Chat{ID: chatID}
	msg, err := a.bot.Send(chat, text, &tele.SendOptions{
		ReplyTo: &tele.Message{ID: msgID, Chat: chat},
	})
	if err != nil {
		return publisher.Result{}, classify(err)
	}
	return publisher.Result{RemoteID: messageRef(chatID, msg.ID)}, nil
}

func mediaFor(c publisher.Content) tele.Sendable {
	file := tele.FromReader(bytes.NewReader(c.Media))
	switch {
	case strings.HasPrefix(c.MediaType, "image/"):
		return &tele.Photo{File: file, Caption: c.Text}
	case strings.HasPrefix(c.MediaType, "video/"):
		return &tele.Video{File: file, Caption: c.Text}
	default:
		return &tele.Document{File: file, Caption: c.Text, MIME: c.MediaType}
	}
}

// classify maps Bot API errors onto failure kinds.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &publisher.Failure{
			Kind:       publisher.KindRateLimited,
			Message:    flood.Error(),
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Err:        err,
		}
	}
	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else {
		code = codeFromText(err.Error())
	}
	switch code {
	case 401, 403:
		return publisher.Wrap(publisher.KindAuthExpired, err)
	case 429:
		return publisher.Wrap(publisher.KindRateLimited, err)
	case 400, 413:
		return publisher.Wrap(publisher.KindContentRejected, err)
	}
	return publisher.Wrap(publisher.KindUnknown, err)
}

// codeFromText pulls "(403)" style codes out of untyped telebot errors.
func codeFromText(s string) int {
	i := strings.LastIndex(s, "(")
	j := strings.LastIndex(s, ")")
	if i < 0 || j <= i+1 {
		return 0
	}
	n, err := strconv.Atoi(s[i+1 : j])
	if err != nil {
		return 0
	}
	return n
}

func messageRef(chatID int64, msgID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(msgID)
}

func parseRef(ref string) (int64, int, error) {
	chat, msg, ok := strings.Cut(ref, ":")
	if !ok {
		return 0, 0, errors.Newf("bad telegram message ref %q", ref)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "bad chat in %q", ref)
	}
	msgID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "bad message in %q", ref)
	}
	return chatID, msgID, nil
}

func parseChat(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.Newf("account has no usable channel id %q", s)
	}
	return id, nil
}

const textLimit = 4000

// splitText cuts long posts into message-sized chunks, preferring newline
// boundaries that leave chunks of at least a third of the limit.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		if strings.TrimSpace(s) == "" {
			return nil
		}
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
