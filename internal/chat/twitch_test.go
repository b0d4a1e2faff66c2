package chat

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mattiacorvi/overvox/internal/event"
	"github.com/mattiacorvi/overvox/internal/observability"
)

func TestParseIRCLinePrivmsg(t *testing.T) {
	raw := `@badges=vip/1,subscriber/12;display-name=StreamFan;emotes=25:0-4 :streamfan!streamfan@streamfan.tmi.twitch.tv PRIVMSG #somechannel :Kappa hello`
	msg := parseIRCLine(raw)

	if msg.command != "PRIVMSG" {
		t.Fatalf("command = %q, want PRIVMSG", msg.command)
	}
	if msg.nick != "streamfan" {
		t.Fatalf("nick = %q, want streamfan", msg.nick)
	}
	if msg.trailing != "Kappa hello" {
		t.Fatalf("trailing = %q", msg.trailing)
	}
	if msg.tags["display-name"] != "StreamFan" || msg.tags["emotes"] != "25:0-4" {
		t.Fatalf("tags = %v", msg.tags)
	}
	if len(msg.params) != 1 || msg.params[0] != "#somechannel" {
		t.Fatalf("params = %v", msg.params)
	}
}

func TestParseIRCLineTagEscapes(t *testing.T) {
	msg := parseIRCLine(`@system-msg=10\sraiders\sfrom\sSomeone :tmi.twitch.tv USERNOTICE #c`)
	if msg.tags["system-msg"] != "10 raiders from Someone" {
		t.Fatalf("tag unescape = %q", msg.tags["system-msg"])
	}
}

func TestTwitchEventPrivmsgTypes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", `@display-name=A :a!a@a PRIVMSG #c :hi`, event.TypeChat},
		{"vip", `@badges=vip/1;display-name=A :a!a@a PRIVMSG #c :hi`, event.TypeVIP},
		{"highlight", `@msg-id=highlighted-message;display-name=A :a!a@a PRIVMSG #c :hi`, event.TypeHighlight},
		{"vip badge beats highlight", `@badges=vip/1;msg-id=highlighted-message;display-name=A :a!a@a PRIVMSG #c :hi`, event.TypeVIP},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := twitchEvent(parseIRCLine(tc.raw))
			if !ok {
				t.Fatalf("twitchEvent() dropped message")
			}
			if ev.EventType != tc.want {
				t.Fatalf("EventType = %q, want %q", ev.EventType, tc.want)
			}
			if ev.Kind != event.KindChat || ev.User != "A" {
				t.Fatalf("event = %+v", ev)
			}
		})
	}
}

func TestTwitchEventDropsNoisyUsernotice(t *testing.T) {
	for _, subtype := range []string{"sub", "resub", "subgift", "raid", "announcement"} {
		raw := `@msg-id=` + subtype + `;display-name=A;login=a :tmi.twitch.tv USERNOTICE #c :some text`
		if _, ok := twitchEvent(parseIRCLine(raw)); ok {
			t.Fatalf("USERNOTICE %s not dropped", subtype)
		}
	}
}

func TestTwitchEventClearchatBan(t *testing.T) {
	ev, ok := twitchEvent(parseIRCLine(`:tmi.twitch.tv CLEARCHAT #c :troll`))
	if !ok || ev.Kind != event.KindModeration {
		t.Fatalf("event = %+v, %v, want moderation", ev, ok)
	}
	if ev.TargetUser != "troll" {
		t.Fatalf("TargetUser = %q", ev.TargetUser)
	}
	if ev.DurationSeconds != nil {
		t.Fatalf("DurationSeconds = %v, want nil for permanent ban", *ev.DurationSeconds)
	}
}

func TestTwitchEventClearchatTimeout(t *testing.T) {
	ev, ok := twitchEvent(parseIRCLine(`@ban-duration=600 :tmi.twitch.tv CLEARCHAT #c :troll`))
	if !ok || ev.DurationSeconds == nil || *ev.DurationSeconds != 600 {
		t.Fatalf("event = %+v, want 600s timeout", ev)
	}
}

func TestTwitchEventClearchatWholeRoomIgnored(t *testing.T) {
	if _, ok := twitchEvent(parseIRCLine(`:tmi.twitch.tv CLEARCHAT #c`)); ok {
		t.Fatalf("room-wide CLEARCHAT should be dropped")
	}
}

func TestTwitchRunOnceHandshakeAndDispatch(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	events := make(chan event.ChatEvent, 4)
	a := NewTwitchAdapter(
		TwitchConfig{Nick: "bot", OAuth: "oauth:tok", Channel: "somechannel", Addr: "unused"},
		func(ev event.ChatEvent) { events <- ev },
		observability.NewMetrics(fmt.Sprintf("overvox_test_irc_%d", time.Now().UnixNano())))
	a.dial = func(ctx context.Context, addr string) (net.Conn, error) { return clientEnd, nil }

	serverErr := make(chan error, 1)
	go func() {
		defer serverEnd.Close()
		r := bufio.NewReader(serverEnd)
		var handshake []string
		for i := 0; i < 4; i++ {
			line, err := r.ReadString('\n')
			if err != nil {
				serverErr <- err
				return
			}
			handshake = append(handshake, strings.TrimRight(line, "\r\n"))
		}
		joined := strings.Join(handshake, "|")
		if !strings.Contains(joined, "PASS oauth:tok") ||
			!strings.Contains(joined, "NICK bot") ||
			!strings.Contains(joined, "twitch.tv/tags") ||
			!strings.Contains(joined, "JOIN #somechannel") {
			serverErr <- fmt.Errorf("bad handshake %q", joined)
			return
		}

		if _, err := serverEnd.Write([]byte("PING :tmi.twitch.tv\r\n")); err != nil {
			serverErr <- err
			return
		}
		pong, err := r.ReadString('\n')
		if err != nil || !strings.HasPrefix(pong, "PONG") {
			serverErr <- fmt.Errorf("pong = %q, err %v", pong, err)
			return
		}

		msg := "@display-name=Viewer :viewer!v@v PRIVMSG #somechannel :hello\r\n"
		if _, err := serverEnd.Write([]byte(msg)); err != nil {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- a.runOnce(ctx) }()

	select {
	case ev := <-events:
		if ev.User != "Viewer" || ev.Text != "hello" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event dispatched")
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server script: %v", err)
	}
	if err := <-runDone; err == nil {
		t.Fatalf("runOnce() = nil error after peer close, want read error")
	}
}

func TestTwitchRunOnceAuthFailure(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	a := NewTwitchAdapter(
		TwitchConfig{Nick: "bot", OAuth: "bad", Channel: "c", Addr: "unused"},
		func(event.ChatEvent) {},
		observability.NewMetrics(fmt.Sprintf("overvox_test_ircauth_%d", time.Now().UnixNano())))
	a.dial = func(ctx context.Context, addr string) (net.Conn, error) { return clientEnd, nil }

	go func() {
		defer serverEnd.Close()
		r := bufio.NewReader(serverEnd)
		for i := 0; i < 4; i++ {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
		_, _ = serverEnd.Write([]byte(":tmi.twitch.tv NOTICE * :Login authentication failed\r\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.runOnce(ctx); err != errAuthFailed {
		t.Fatalf("runOnce() = %v, want errAuthFailed", err)
	}
}

func TestIsAuthFailure(t *testing.T) {
	msg := parseIRCLine(`:tmi.twitch.tv NOTICE * :Login authentication failed`)
	if !isAuthFailure(msg) {
		t.Fatalf("isAuthFailure() = false for failed login notice")
	}
	ok := parseIRCLine(`:tmi.twitch.tv NOTICE #c :Now hosting someone`)
	if isAuthFailure(ok) {
		t.Fatalf("isAuthFailure() = true for ordinary notice")
	}
}
