package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"omnimap/internal/bot"
	"omnimap/internal/domain"
)

// CLIChatID is the chat and user id the terminal session uses.
const CLIChatID int64 = 1

// CLI is a terminal channel for trying the bot without Telegram. Lines
// starting with ":" press an inline button by its callback data.
type CLI struct {
	bus    domain.MessageBus
	logger *slog.Logger
	in     io.Reader
	out    io.Writer
	mu     sync.Mutex
}

type CLIConfig struct {
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{logger: cfg.Logger, in: cfg.In, out: cfg.Out}
}

func (c *CLI) Name() string { return "cli" }

// Start reads stdin until EOF, /quit, or ctx cancellation.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus
	bus.OnOutbound(c.Name(), func(msg domain.OutboundMessage) {
		c.print(msg.Content, msg.Buttons)
	})

	c.write("OmniMap CLI. Try /start. Type /quit to exit.\nYou> ")

	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				c.write("You> ")
				continue
			case line == "/quit" || line == "/exit" || line == "/q":
				c.logger.Info("user requested quit")
				return nil
			}
			c.bus.Publish(c.inbound(line))
		}
	}
}

func (c *CLI) inbound(line string) domain.InboundMessage {
	msg := domain.InboundMessage{
		Channel:   c.Name(),
		ChatID:    CLIChatID,
		SenderID:  CLIChatID,
		Username:  "cli",
		Timestamp: time.Now(),
	}
	if data, ok := strings.CutPrefix(line, ":"); ok {
		msg.Callback = strings.TrimSpace(data)
		return msg
	}
	msg.Content = line
	if name, args, ok := bot.ParseCommand(line); ok {
		msg.Command, msg.Args = name, args
	}
	return msg
}

func (c *CLI) Stop() error { return nil }

func (c *CLI) Send(_ context.Context, _ int64, content string) error {
	c.print(content, nil)
	return nil
}

// Notify prints a job outcome, letting a local worker reply in the terminal.
func (c *CLI) Notify(_ context.Context, _ int64, text string) error {
	c.print(text, nil)
	return nil
}

func (c *CLI) print(content string, buttons [][]domain.Button) {
	var b strings.Builder
	b.WriteString("\n--- OmniMap ---\n")
	b.WriteString(content)
	b.WriteString("\n")
	for _, row := range buttons {
		for _, btn := range row {
			fmt.Fprintf(&b, "  [%s] :%s\n", btn.Text, btn.Data)
		}
	}
	b.WriteString("---------------\nYou> ")
	c.write(b.String())
}

func (c *CLI) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, s)
}
