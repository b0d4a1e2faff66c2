package filter

import (
	"strconv"
	"strings"
	"time"

	"github.com/mattiacorvi/overvox/internal/config"
	"github.com/mattiacorvi/overvox/internal/ratelimit"
)

// Reject reasons, used for logging and metric labels only.
const (
	ReasonCommand     = "command"
	ReasonEmpty       = "empty"
	ReasonLength      = "length"
	ReasonUserBlocked = "user_blocked"
	ReasonRateLimited = "rate_limited"
	ReasonBlocklist   = "blocklist"
)

// Result is the outcome of running a message through the ingress filter.
type Result struct {
	Accept bool
	Text   string
	Reason string
}

// Filter applies the ingress policies in a fixed order: command prefix,
// emote stripping, length bounds, user allow/block, rate limit, substring
// blocklist.
type Filter struct {
	window *ratelimit.Window
}

func New(window *ratelimit.Window) *Filter {
	if window == nil {
		window = ratelimit.NewWindow(0)
	}
	return &Filter{window: window}
}

// Window exposes the shared rate window (the dispatcher records accepted
// messages into it).
func (f *Filter) Window() *ratelimit.Window { return f.window }

// Apply runs the configured policies against one message. tags carries
// source metadata; the Twitch adapter sets "emotes" to the IRC emote
// offsets string.
func (f *Filter) Apply(cfg config.MessageFiltering, user, rawText string, tags map[string]string) Result {
	text := rawText

	if cfg.EnableCommandFilter && cfg.CommandPrefix != "" &&
		strings.HasPrefix(strings.TrimSpace(text), cfg.CommandPrefix) {
		return Result{Reason: ReasonCommand}
	}

	if cfg.StripEmotes {
		if offsets := tags["emotes"]; offsets != "" {
			text = stripEmotes(text, offsets)
		}
	}
	text = Normalize(text)
	if text == "" {
		return Result{Reason: ReasonEmpty}
	}

	if cfg.MinMessageLength > 0 && len(text) < cfg.MinMessageLength {
		return Result{Reason: ReasonLength}
	}
	if cfg.MaxMessageLength > 0 && len(text) > cfg.MaxMessageLength {
		return Result{Reason: ReasonLength}
	}

	if !userAllowed(cfg.UserFilters, user) {
		return Result{Reason: ReasonUserBlocked}
	}

	if cfg.Rate.MaxMessages > 0 && cfg.Rate.WindowSeconds > 0 {
		window := time.Duration(cfg.Rate.WindowSeconds) * time.Second
		if f.window.IsSpam(user, cfg.Rate.MaxMessages, window) {
			return Result{Reason: ReasonRateLimited}
		}
	}

	lower := strings.ToLower(text)
	for _, blocked := range cfg.Blocklist {
		blocked = strings.ToLower(strings.TrimSpace(blocked))
		if blocked != "" && strings.Contains(lower, blocked) {
			return Result{Reason: ReasonBlocklist}
		}
	}

	return Result{Accept: true, Text: text}
}

// Normalize collapses all whitespace runs to single spaces and trims the
// ends. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// userAllowed evaluates the per-user rules. Any "allow" rule switches the
// list into allow-only mode; otherwise "block" rules reject their users.
// Matching is case-insensitive.
func userAllowed(rules []config.UserFilter, user string) bool {
	key := strings.ToLower(strings.TrimSpace(user))
	allowMode := false
	allowed := false
	for _, r := range rules {
		ruleUser := strings.ToLower(strings.TrimSpace(r.User))
		switch r.Action {
		case "allow":
			allowMode = true
			if ruleUser == key {
				allowed = true
			}
		case "block":
			if ruleUser == key {
				return false
			}
		}
	}
	if allowMode {
		return allowed
	}
	return true
}

// stripEmotes removes the substrings named by a Twitch-style emote offset
// tag ("id:start-end,start-end/id:start-end"). Offsets index runes of the
// original message.
func stripEmotes(text, offsets string) string {
	runes := []rune(text)
	keep := make([]bool, len(runes))
	for i := range keep {
		keep[i] = true
	}
	for _, group := range strings.Split(offsets, "/") {
		_, ranges, ok := strings.Cut(group, ":")
		if !ok {
			continue
		}
		for _, rng := range strings.Split(ranges, ",") {
			startStr, endStr, ok := strings.Cut(rng, "-")
			if !ok {
				continue
			}
			start, err1 := strconv.Atoi(startStr)
			end, err2 := strconv.Atoi(endStr)
			if err1 != nil || err2 != nil || start < 0 || end < start {
				continue
			}
			for i := start; i <= end && i < len(runes); i++ {
				keep[i] = false
			}
		}
	}
	var b strings.Builder
	for i, r := range runes {
		if keep[i] {
			b.WriteRune(r)
		}
	}
	return b.String()
}
