package models

import "time"

// Message represents an individual entry of a widget transcript. It contains the text, the participant
// that produced it, and whether the text should be inserted as markup instead of plain text. A message is
// never modified after it has been appended to a transcript.
type Message struct {
	ID               string
	Text             string
	Sender           Sender
	RenderedAsMarkup bool
	Timestamp        time.Time
}

// Sender represents the participant that produced a message.
type Sender string

const (
	// SenderUser represents a message typed by the visitor of the host page.
	SenderUser Sender = "user"
	// SenderBot represents a reply from the backend, or a message generated by the widget itself such as
	// the greeting or the apology shown after a failed exchange.
	SenderBot Sender = "bot"
)

// ParseSender converts s into a Sender. Anything other than "user" is treated as a bot message.
func ParseSender(s string) Sender {
	if Sender(s) == SenderUser {
		return SenderUser
	}
	return SenderBot
}
