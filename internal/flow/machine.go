// Package flow runs the short guided conversations: collecting an email and
// wallet after joining the waitlist, and asking for a reel link.
package flow

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"omnimap/internal/domain"
	"omnimap/internal/media"
)

type State string

const (
	None             State = ""
	AwaitingEmail    State = "awaiting_email"
	AwaitingWallet   State = "awaiting_wallet"
	AwaitingReelsURL State = "awaiting_reels_url"
)

// Callback data carried by the flow's inline buttons.
const (
	CallbackSkip   = "flow_skip"
	CallbackCancel = "flow_cancel"
)

var (
	emailPattern  = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	walletPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

func ValidEmail(s string) bool { return emailPattern.MatchString(strings.TrimSpace(s)) }
func ValidWallet(s string) bool { return walletPattern.MatchString(strings.TrimSpace(s)) }

// ReelURL returns the first token of text that points at a supported
// short-video source.
func ReelURL(text string) (string, bool) {
	for _, tok := range strings.Fields(text) {
		if _, _, ok := media.Identify(tok); ok {
			return tok, true
		}
	}
	return "", false
}

// Waitlist persists the values a flow collects.
type Waitlist interface {
	SetEmail(ctx context.Context, userID int64, email string) bool
	SetWallet(ctx context.Context, userID int64, wallet string) bool
}

// EnqueueReel queues a reel for processing and reports success.
type EnqueueReel func(ctx context.Context, chatID, userID int64, url string) bool

type Reply struct {
	Text    string
	Buttons [][]domain.Button
}

type Config struct {
	Store    Store
	Waitlist Waitlist
	Enqueue  EnqueueReel
	Logger   *slog.Logger
}

type Machine struct {
	store    Store
	waitlist Waitlist
	enqueue  EnqueueReel
	logger   *slog.Logger
}

func NewMachine(cfg Config) *Machine {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Machine{store: cfg.Store, waitlist: cfg.Waitlist, enqueue: cfg.Enqueue, logger: cfg.Logger}
}

const (
	promptEmail  = "📧 What's your email? We'll only use it to tell you when OmniMap opens up."
	promptWallet = "👛 Optionally, share a Solana wallet address for early-access perks."
	promptReels  = "🎬 Send me an Instagram reel or TikTok link and I'll map the places in it."

	retryEmail  = "🤔 That doesn't look like an email address. Try again, or tap Skip."
	retryWallet = "🤔 That doesn't look like a Solana address (32–44 base58 characters). Try again, or tap Skip."
	retryReels  = "🤔 I couldn't find a reel or TikTok video link in that. Paste the link, or tap Cancel."

	msgCancelled = "👌 Cancelled."
	msgAllSet    = "✅ You're all set! We'll be in touch."
)

func skipCancelButtons() [][]domain.Button {
	return [][]domain.Button{{
		{Text: "⏭ Skip", Data: CallbackSkip},
		{Text: "✖️ Cancel", Data: CallbackCancel},
	}}
}

func cancelButton() [][]domain.Button {
	return [][]domain.Button{{{Text: "✖️ Cancel", Data: CallbackCancel}}}
}

func prompt(s State) Reply {
	switch s {
	case AwaitingEmail:
		return Reply{Text: promptEmail, Buttons: skipCancelButtons()}
	case AwaitingWallet:
		return Reply{Text: promptWallet, Buttons: skipCancelButtons()}
	case AwaitingReelsURL:
		return Reply{Text: promptReels, Buttons: cancelButton()}
	default:
		return Reply{}
	}
}

// Begin replaces any active flow for userID with s and returns its prompt.
func (m *Machine) Begin(ctx context.Context, userID int64, s State) (Reply, error) {
	if err := m.store.Set(ctx, userID, s); err != nil {
		return Reply{}, err
	}
	m.logger.Debug("flow started", "user", userID, "state", s)
	return prompt(s), nil
}

// Current returns the active state, None on lookup failure.
func (m *Machine) Current(ctx context.Context, userID int64) State {
	s, err := m.store.Get(ctx, userID)
	if err != nil {
		m.logger.Warn("flow lookup failed", "user", userID, "err", err)
		return None
	}
	return s
}

// Cancel clears any active flow.
func (m *Machine) Cancel(ctx context.Context, userID int64) Reply {
	m.clear(ctx, userID)
	return Reply{Text: msgCancelled}
}

func (m *Machine) clear(ctx context.Context, userID int64) {
	if err := m.store.Clear(ctx, userID); err != nil {
		m.logger.Warn("flow clear failed", "user", userID, "err", err)
	}
}

func (m *Machine) advance(ctx context.Context, userID int64, next State) {
	if err := m.store.Set(ctx, userID, next); err != nil {
		m.logger.Warn("flow advance failed", "user", userID, "state", next, "err", err)
	}
}

// Handle feeds free text to the user's active flow. handled is false when
// no flow is active or text is a command; the caller then treats the
// message as unbound.
func (m *Machine) Handle(ctx context.Context, userID, chatID int64, text string) (reply Reply, handled bool) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "/") {
		return Reply{}, false
	}
	state := m.Current(ctx, userID)
	if state == None {
		return Reply{}, false
	}

	word := strings.ToLower(text)
	if word == "cancel" {
		return m.Cancel(ctx, userID), true
	}
	skip := word == "skip"

	switch state {
	case AwaitingEmail:
		if skip {
			m.advance(ctx, userID, AwaitingWallet)
			return prompt(AwaitingWallet), true
		}
		if !ValidEmail(text) {
			return Reply{Text: retryEmail, Buttons: skipCancelButtons()}, true
		}
		if m.waitlist == nil || !m.waitlist.SetEmail(ctx, userID, text) {
			return Reply{Text: "⚠️ I couldn't save your email just now. Please send it again.", Buttons: skipCancelButtons()}, true
		}
		m.advance(ctx, userID, AwaitingWallet)
		p := prompt(AwaitingWallet)
		p.Text = "✅ Email saved.\n\n" + p.Text
		return p, true

	case AwaitingWallet:
		if skip {
			m.clear(ctx, userID)
			return Reply{Text: msgAllSet}, true
		}
		if !ValidWallet(text) {
			return Reply{Text: retryWallet, Buttons: skipCancelButtons()}, true
		}
		if m.waitlist == nil || !m.waitlist.SetWallet(ctx, userID, text) {
			return Reply{Text: "⚠️ I couldn't save your wallet just now. Please send it again.", Buttons: skipCancelButtons()}, true
		}
		m.clear(ctx, userID)
		return Reply{Text: "✅ Wallet saved. You're all set! We'll be in touch."}, true

	case AwaitingReelsURL:
		if skip {
			m.clear(ctx, userID)
			return Reply{Text: msgCancelled}, true
		}
		link, ok := ReelURL(text)
		if !ok {
			return Reply{Text: retryReels, Buttons: cancelButton()}, true
		}
		if m.enqueue == nil || !m.enqueue(ctx, chatID, userID, link) {
			return Reply{Text: "⚠️ I couldn't queue that reel. Please try again in a moment.", Buttons: cancelButton()}, true
		}
		m.clear(ctx, userID)
		return Reply{Text: "⏳ Got it! I'm watching the reel now and will send the places shortly."}, true

	default:
		m.logger.Warn("unknown flow state, clearing", "user", userID, "state", state)
		m.clear(ctx, userID)
		return Reply{}, false
	}
}
