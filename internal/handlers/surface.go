package handlers

import (
	"html/template"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/chat-widget/internal/models"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	ID     string
	Sender string
	Text   string
	Markup template.HTML

	IsMarkup bool
}

// SSE event types for real-time updates.
const (
	messageSSEType = "message"
	typingSSEType  = "typing"
	panelSSEType   = "panel"
)

// sseSurface renders the changes of one controller and pushes them to the page of its instance.
type sseSurface struct {
	srv       *sse.Server
	topic     string
	templates *template.Template

	logger *slog.Logger
}

func newMessage(msg models.Message) message {
	m := message{
		ID:       msg.ID,
		Sender:   string(msg.Sender),
		Text:     msg.Text,
		IsMarkup: msg.RenderedAsMarkup,
	}
	if msg.RenderedAsMarkup {
		// Markup either comes from the host page, which is trusted, or from the reply renderer, which
		// sanitizes it.
		m.Markup = template.HTML(msg.Text)
	}
	return m
}

func (s sseSurface) AppendMessage(msg models.Message) {
	var sb strings.Builder
	if err := s.templates.ExecuteTemplate(&sb, "message", newMessage(msg)); err != nil {
		s.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	s.publish(messageSSEType, sb.String())
}

func (s sseSurface) SetBusy(busy bool) {
	data := "hide"
	if busy {
		data = "show"
	}
	s.publish(typingSSEType, data)
}

func (s sseSurface) SetPanelOpen(open bool) {
	data := "closed"
	if open {
		data = "open"
	}
	s.publish(panelSSEType, data)
}

func (s sseSurface) publish(typ string, data string) {
	msg := sse.Message{
		Type: sse.Type(typ),
	}
	msg.AppendData(data)
	if err := s.srv.Publish(&msg, s.topic); err != nil {
		s.logger.Error("Failed to publish event",
			slog.String("type", typ),
			slog.String(errLoggerKey, err.Error()))
	}
}
