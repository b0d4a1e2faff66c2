package chat

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mattiacorvi/overvox/internal/event"
	"github.com/mattiacorvi/overvox/internal/observability"
	"github.com/mattiacorvi/overvox/internal/reliability"
)

const (
	twitchDialTimeout  = 10 * time.Second
	twitchBackoffBase  = 2 * time.Second
	twitchBackoffCap   = 60 * time.Second
	twitchAuthFailText = "login authentication failed"
)

// noisyUserNotices are USERNOTICE subtypes the core drops outright:
// they announce platform events, not speakable viewer messages.
var noisyUserNotices = map[string]bool{
	"sub": true, "resub": true, "subgift": true, "submysterygift": true,
	"giftpaidupgrade": true, "anongiftpaidupgrade": true,
	"raid": true, "unraid": true, "ritual": true, "bitsbadgetier": true,
	"announcement": true,
}

type TwitchConfig struct {
	Nick    string
	OAuth   string
	Channel string
	Addr    string
}

// TwitchAdapter speaks the Twitch chat flavor of IRC over TLS with the
// tags capability and converts PRIVMSG/USERNOTICE/CLEARCHAT lines into
// unified chat events.
type TwitchAdapter struct {
	cfg     TwitchConfig
	handler func(event.ChatEvent)
	metrics *observability.Metrics
	log     *logrus.Entry

	// onAuthError lets the server surface a twitch_auth_error frame to
	// the overlay instead of silently retrying a dead token.
	onAuthError func(detail string)

	dial func(ctx context.Context, addr string) (net.Conn, error)
}

func NewTwitchAdapter(cfg TwitchConfig, handler func(event.ChatEvent), metrics *observability.Metrics) *TwitchAdapter {
	return &TwitchAdapter{
		cfg:     cfg,
		handler: handler,
		metrics: metrics,
		log:     logrus.WithField("component", "chat_twitch"),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: twitchDialTimeout}}
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

func (a *TwitchAdapter) SetAuthErrorHook(fn func(detail string)) { a.onAuthError = fn }

// Run connects and consumes chat until ctx ends, reconnecting with
// capped exponential backoff. An authentication failure stops the
// adapter; retrying a rejected token only spams the endpoint.
func (a *TwitchAdapter) Run(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == errAuthFailed {
			if a.onAuthError != nil {
				a.onAuthError("twitch login authentication failed")
			}
			return err
		}
		wait := reliability.ExponentialBackoff(attempt, twitchBackoffBase, twitchBackoffCap)
		a.log.WithError(err).WithField("retry_in", wait).Warn("chat connection lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

var errAuthFailed = fmt.Errorf("twitch auth failed")

func (a *TwitchAdapter) runOnce(ctx context.Context) error {
	conn, err := a.dial(ctx, a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("twitch dial: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	w := bufio.NewWriter(conn)
	lines := []string{
		"PASS oauth:" + strings.TrimPrefix(a.cfg.OAuth, "oauth:"),
		"NICK " + a.cfg.Nick,
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"JOIN #" + a.cfg.Channel,
	}
	for _, line := range lines {
		if _, err := w.WriteString(line + "\r\n"); err != nil {
			return fmt.Errorf("twitch handshake: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("twitch handshake: %w", err)
	}
	a.log.WithField("channel", a.cfg.Channel).Info("joined chat")

	r := bufio.NewReader(conn)
	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("twitch read: %w", err)
		}
		raw = strings.TrimRight(raw, "\r\n")
		if raw == "" {
			continue
		}
		if strings.HasPrefix(raw, "PING") {
			_, _ = w.WriteString("PONG" + strings.TrimPrefix(raw, "PING") + "\r\n")
			_ = w.Flush()
			continue
		}
		msg := parseIRCLine(raw)
		if isAuthFailure(msg) {
			return errAuthFailed
		}
		if ev, ok := twitchEvent(msg); ok {
			a.metrics.ChatEvents.WithLabelValues("twitch", string(ev.Kind)).Inc()
			a.handler(ev)
		}
	}
}

// ircMessage is one parsed line: IRCv3 tags, prefix nick, command,
// middle params and trailing text.
type ircMessage struct {
	tags     map[string]string
	nick     string
	command  string
	params   []string
	trailing string
}

func parseIRCLine(raw string) ircMessage {
	msg := ircMessage{tags: map[string]string{}}
	rest := raw

	if strings.HasPrefix(rest, "@") {
		tagPart, tail, ok := strings.Cut(rest[1:], " ")
		if !ok {
			return msg
		}
		for _, kv := range strings.Split(tagPart, ";") {
			k, v, _ := strings.Cut(kv, "=")
			msg.tags[k] = unescapeTag(v)
		}
		rest = tail
	}

	if strings.HasPrefix(rest, ":") {
		prefix, tail, ok := strings.Cut(rest[1:], " ")
		if !ok {
			return msg
		}
		msg.nick, _, _ = strings.Cut(prefix, "!")
		rest = tail
	}

	if body, trailing, ok := strings.Cut(rest, " :"); ok {
		msg.trailing = trailing
		rest = body
	}
	fields := strings.Fields(rest)
	if len(fields) > 0 {
		msg.command = fields[0]
		msg.params = fields[1:]
	}
	return msg
}

// unescapeTag reverses IRCv3 tag value escaping.
func unescapeTag(v string) string {
	r := strings.NewReplacer(`\:`, ";", `\s`, " ", `\\`, `\`, `\r`, "\r", `\n`, "\n")
	return r.Replace(v)
}

func isAuthFailure(msg ircMessage) bool {
	return msg.command == "NOTICE" &&
		strings.Contains(strings.ToLower(msg.trailing), twitchAuthFailText)
}

// twitchEvent maps a parsed line to a unified event, or drops it.
func twitchEvent(msg ircMessage) (event.ChatEvent, bool) {
	switch msg.command {
	case "PRIVMSG":
		user := msg.tags["display-name"]
		if user == "" {
			user = msg.nick
		}
		return event.ChatEvent{
			Kind:      event.KindChat,
			User:      user,
			Text:      msg.trailing,
			EventType: privmsgEventType(msg.tags),
			Tags:      msg.tags,
		}, true

	case "USERNOTICE":
		if noisyUserNotices[msg.tags["msg-id"]] {
			return event.ChatEvent{}, false
		}
		// Remaining subtypes with user-entered text speak as plain chat.
		if msg.trailing == "" {
			return event.ChatEvent{}, false
		}
		user := msg.tags["display-name"]
		if user == "" {
			user = msg.tags["login"]
		}
		return event.ChatEvent{
			Kind:      event.KindChat,
			User:      user,
			Text:      msg.trailing,
			EventType: event.TypeChat,
			Tags:      msg.tags,
		}, user != ""

	case "CLEARCHAT":
		// CLEARCHAT without a target clears the whole room; the core only
		// acts on per-user bans and timeouts.
		target := msg.trailing
		if target == "" {
			return event.ChatEvent{}, false
		}
		ev := event.ChatEvent{
			Kind:       event.KindModeration,
			TargetUser: target,
			Tags:       msg.tags,
		}
		if s := msg.tags["ban-duration"]; s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				ev.DurationSeconds = &secs
			}
		}
		return ev, true
	}
	return event.ChatEvent{}, false
}

// privmsgEventType derives the semantic type from message tags: a vip
// badge wins over a highlight, everything else is plain chat.
func privmsgEventType(tags map[string]string) string {
	for _, badge := range strings.Split(tags["badges"], ",") {
		if strings.HasPrefix(badge, "vip/") {
			return event.TypeVIP
		}
	}
	if tags["msg-id"] == "highlighted-message" {
		return event.TypeHighlight
	}
	return event.TypeChat
}
