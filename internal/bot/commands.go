package bot

import (
	"strings"

	"omnimap/internal/domain"
)

// Callback data for the inline keyboard on /start.
const (
	CallbackReelsStart   = "reels_start"
	CallbackWaitlistJoin = "waitlist_join"
	CallbackPing         = "ping"
)

const welcomeText = `🗺️ OmniMap Agent

Extract places from content and turn them into useful map links.

Send me an Instagram reel or TikTok link, or tap a button below.`

const helpText = `📚 Available commands:

/start - Get started with the bot
/help - Show this help message
/reels [link] - Turn a reel or TikTok into map links
/extract <text or link> - Find places in any text or link
/waitlist - Join the early-access waitlist
/email - Add or change your waitlist email
/wallet - Add or change your Solana wallet
/status - Waitlist stats
/hello - Say hi through the background worker
/cancel - Cancel the current step`

const pongText = "🏓 Pong! The bot is working perfectly!"

func startKeyboard() [][]domain.Button {
	return [][]domain.Button{
		{{Text: "🎬 Reels → Maps", Data: CallbackReelsStart}},
		{{Text: "📝 Join waitlist", Data: CallbackWaitlistJoin}},
		{{Text: "🏓 Ping me!", Data: CallbackPing}},
	}
}

// ParseCommand splits "/name@bot args" into a lower-case name and the
// remaining text. ok is false for non-command text.
func ParseCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text, " ")
	head = strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}
