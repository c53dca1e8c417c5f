// Package bot turns inbound chat messages into replies and jobs.
// Precedence: command, then button callback, then active flow, then
// unbound text.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"omnimap/internal/domain"
	"omnimap/internal/extract"
	"omnimap/internal/flow"
	"omnimap/internal/jobs"
	"omnimap/internal/metrics"
	"omnimap/internal/waitlist"
)

type Config struct {
	Bus      domain.MessageBus
	Flow     *flow.Machine
	Waitlist *waitlist.Service
	Queue    *jobs.Queue
	// Verbose logs every update and its handling time.
	Verbose bool
	Logger  *slog.Logger
}

type Dispatcher struct {
	bus      domain.MessageBus
	flow     *flow.Machine
	waitlist *waitlist.Service
	queue    *jobs.Queue
	verbose  bool
	logger   *slog.Logger
}

func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		bus:      cfg.Bus,
		flow:     cfg.Flow,
		waitlist: cfg.Waitlist,
		queue:    cfg.Queue,
		verbose:  cfg.Verbose,
		logger:   cfg.Logger,
	}
}

// Run consumes the bus until ctx ends or the bus closes. Messages are
// handled one at a time so a user's flow input is applied in order.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started")
	inbound := d.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return nil
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound channel closed, dispatcher stopping")
				return nil
			}
			d.process(ctx, msg)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, msg domain.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher panic", "chat", msg.ChatID, "panic", r)
		}
	}()
	start := time.Now()
	if d.verbose {
		d.logger.Info("incoming update",
			"channel", msg.Channel,
			"chat", msg.ChatID,
			"sender", msg.SenderID,
			"username", msg.Username,
			"command", msg.Command,
			"callback", msg.Callback,
			"content", msg.Content,
		)
	}
	for _, out := range d.Handle(ctx, msg) {
		d.bus.SendOutbound(out)
	}
	if d.verbose {
		d.logger.Info("handled update", "chat", msg.ChatID, "duration", time.Since(start))
	}
}

// Handle returns the replies for msg without sending them.
func (d *Dispatcher) Handle(ctx context.Context, msg domain.InboundMessage) []domain.OutboundMessage {
	metrics.MessagesTotal.Inc()
	r := responder{msg: msg}

	switch {
	case msg.IsCommand():
		metrics.CommandsTotal.Inc()
		d.handleCommand(ctx, &r, msg.Command, msg.Args)
	case msg.Callback != "":
		d.handleCallback(ctx, &r, msg.Callback)
	default:
		if name, args, ok := ParseCommand(msg.Content); ok {
			metrics.CommandsTotal.Inc()
			d.handleCommand(ctx, &r, name, args)
			break
		}
		if reply, handled := d.flow.Handle(ctx, msg.SenderID, msg.ChatID, msg.Content); handled {
			r.flow(reply)
			break
		}
		d.handleUnbound(ctx, &r, msg.Content)
	}
	return r.out
}

type responder struct {
	msg domain.InboundMessage
	out []domain.OutboundMessage
}

func (r *responder) text(s string) {
	r.out = append(r.out, domain.OutboundMessage{Channel: r.msg.Channel, ChatID: r.msg.ChatID, Content: s, Format: "text"})
}

func (r *responder) buttons(s string, rows [][]domain.Button) {
	r.out = append(r.out, domain.OutboundMessage{Channel: r.msg.Channel, ChatID: r.msg.ChatID, Content: s, Format: "text", Buttons: rows})
}

func (r *responder) flow(reply flow.Reply) {
	if reply.Text == "" {
		return
	}
	r.buttons(reply.Text, reply.Buttons)
}

func (d *Dispatcher) sessionID(msg domain.InboundMessage) string {
	return fmt.Sprintf("%s:%d", msg.Channel, msg.ChatID)
}

func (d *Dispatcher) handleCommand(ctx context.Context, r *responder, name, args string) {
	msg := r.msg
	switch name {
	case "start":
		r.buttons(welcomeText, startKeyboard())
	case "help":
		r.text(helpText)
	case "waitlist":
		d.joinWaitlist(ctx, r, "telegram_command")
	case "email":
		d.beginMemberFlow(ctx, r, flow.AwaitingEmail)
	case "wallet":
		d.beginMemberFlow(ctx, r, flow.AwaitingWallet)
	case "reels":
		if args == "" {
			d.begin(ctx, r, flow.AwaitingReelsURL)
			return
		}
		link, ok := flow.ReelURL(args)
		if !ok {
			r.text("🤔 That doesn't look like an Instagram reel or TikTok video link.")
			return
		}
		d.enqueueReel(ctx, r, link)
	case "extract":
		if args == "" {
			r.text("Usage: /extract <text or link>")
			return
		}
		d.enqueueExtract(ctx, r, args)
	case "cancel":
		r.flow(d.flow.Cancel(ctx, msg.SenderID))
	case "status":
		r.text(fmt.Sprintf("📊 %d people on the waitlist.", d.waitlist.Count(ctx)))
	case "hello":
		if d.queue.CreateJob(ctx, jobs.TypeHello, msg.ChatID, nil, jobs.WithSession(d.sessionID(msg))) == nil {
			r.text(queueFailedText)
		}
	default:
		r.text("🤷 Unknown command. Try /help.")
	}
}

func (d *Dispatcher) handleCallback(ctx context.Context, r *responder, data string) {
	msg := r.msg
	switch data {
	case CallbackPing:
		r.text(pongText)
	case CallbackReelsStart:
		d.begin(ctx, r, flow.AwaitingReelsURL)
	case CallbackWaitlistJoin:
		d.joinWaitlist(ctx, r, "telegram_button")
	case flow.CallbackSkip:
		if reply, handled := d.flow.Handle(ctx, msg.SenderID, msg.ChatID, "skip"); handled {
			r.flow(reply)
		} else {
			r.text("Nothing to skip right now.")
		}
	case flow.CallbackCancel:
		r.flow(d.flow.Cancel(ctx, msg.SenderID))
	default:
		d.logger.Warn("unknown callback", "data", data, "chat", msg.ChatID)
		r.text("Unknown action")
	}
}

const queueFailedText = "⚠️ I couldn't queue that right now. Please try again in a moment."

func (d *Dispatcher) begin(ctx context.Context, r *responder, s flow.State) {
	reply, err := d.flow.Begin(ctx, r.msg.SenderID, s)
	if err != nil {
		d.logger.Error("failed to start flow", "state", s, "err", err)
		r.text("⚠️ Something went wrong. Please try again.")
		return
	}
	r.flow(reply)
}

func (d *Dispatcher) beginMemberFlow(ctx context.Context, r *responder, s flow.State) {
	if !d.waitlist.IsMember(ctx, r.msg.SenderID) {
		r.text("📝 Join the waitlist first with /waitlist.")
		return
	}
	d.begin(ctx, r, s)
}

func (d *Dispatcher) joinWaitlist(ctx context.Context, r *responder, source string) {
	msg := r.msg
	res := d.waitlist.Join(ctx, waitlist.User{
		ID:        msg.SenderID,
		Username:  msg.Username,
		FirstName: msg.FirstName,
		LastName:  msg.LastName,
	}, source)
	switch {
	case !res.OK:
		r.text("⚠️ I couldn't add you to the waitlist right now. Please try again later.")
	case res.Already:
		r.text("✅ You're already on the waitlist! Use /email or /wallet to update your details.")
	default:
		r.text("🎉 You're on the waitlist!")
		d.begin(ctx, r, flow.AwaitingEmail)
	}
}

// ReelEnqueuer adapts the queue to the flow machine's enqueue hook.
func ReelEnqueuer(q *jobs.Queue) flow.EnqueueReel {
	return func(ctx context.Context, chatID, userID int64, link string) bool {
		return q.CreateJob(ctx, jobs.TypeReelsToMaps, chatID, jobs.ReelsPayload{URL: link, UserID: userID}) != nil
	}
}

func (d *Dispatcher) enqueueReel(ctx context.Context, r *responder, link string) {
	if !ReelEnqueuer(d.queue)(ctx, r.msg.ChatID, r.msg.SenderID, link) {
		r.text(queueFailedText)
		return
	}
	r.text("⏳ Got it! I'm watching the reel now and will send the places shortly.")
}

func (d *Dispatcher) enqueueExtract(ctx context.Context, r *responder, text string) {
	payload := jobs.ExtractPayload{Text: text, UserID: r.msg.SenderID, Username: r.msg.Username}
	if link := extract.FirstURL(text); link != "" {
		payload.Text = link
		payload.Caption = strings.Join(strings.Fields(strings.Replace(text, link, "", 1)), " ")
	}
	if d.queue.CreateJob(ctx, jobs.TypeExtract, r.msg.ChatID, payload) == nil {
		r.text(queueFailedText)
		return
	}
	r.text("🔎 Looking for places… I'll reply when I'm done.")
}

// handleUnbound treats text outside any flow: links go to extraction,
// anything else is echoed back through a background job.
func (d *Dispatcher) handleUnbound(ctx context.Context, r *responder, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if extract.FirstURL(text) != "" {
		d.enqueueExtract(ctx, r, text)
		return
	}
	if d.queue.CreateJob(ctx, jobs.TypeEcho, r.msg.ChatID, jobs.MessagePayload{Message: text}) == nil {
		r.text(queueFailedText)
	}
}
