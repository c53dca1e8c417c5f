package domain

import "time"

type InboundMessage struct {
	Channel   string
	ChatID    int64
	SenderID  int64
	Username  string
	FirstName string
	LastName  string
	Content   string
	Command   string // set when the message is a /command, without the slash
	Args      string // text after the command
	Callback  string // inline button data, mutually exclusive with Content
	Timestamp time.Time
}

// IsCommand reports whether the message is a slash command.
func (m InboundMessage) IsCommand() bool { return m.Command != "" }

// Button is an inline keyboard button carrying callback data.
type Button struct {
	Text string
	Data string
}

type OutboundMessage struct {
	Channel string
	ChatID  int64
	Content string
	Format  string     // text | markdown
	Buttons [][]Button // optional inline keyboard rows
}
