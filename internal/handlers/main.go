package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	chatwidget "github.com/MegaGrindStone/chat-widget"
	"github.com/MegaGrindStone/chat-widget/internal/conversation"
	"github.com/MegaGrindStone/chat-widget/internal/models"
	"github.com/MegaGrindStone/chat-widget/internal/widget"
	"github.com/tmaxmax/go-sse"
)

// DiagnosticsStore keeps the detail of failed exchanges for developers, and lists the most recent ones.
type DiagnosticsStore interface {
	AddDiagnostic(ctx context.Context, d models.Diagnostic) error
	Diagnostics(ctx context.Context, limit int) ([]models.Diagnostic, error)
}

// Options tunes how widget instances are created.
type Options struct {
	// Defaults holds the presentation used when the script tag leaves an attribute out.
	Defaults widget.Config
	// Apology replaces the message shown after a failed exchange.
	Apology string
	// StrictStyles rejects the mount of a widget carrying a style override that is not a custom property,
	// instead of dropping the override.
	StrictStyles bool
	// LockWhileBusy refuses new messages while an exchange is pending, like a disabled input would.
	LockWhileBusy bool
	// Renderer, if set, renders bot replies into markup.
	Renderer conversation.Renderer
}

// Main serves the widget: it mounts one conversation controller per page load, relays the visitor's
// actions to it, and streams the resulting changes back to the page through server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	transport   conversation.Transport
	diagnostics DiagnosticsStore
	registry    *conversation.Registry

	opts Options

	logger *slog.Logger
}

const (
	errLoggerKey = "error"

	// maxMessageLength is the maximum number of characters of a visitor message.
	maxMessageLength = 1000
)

// NewMain creates a new Main instance relaying every exchange to transport. It parses the widget templates
// from the embedded filesystem and configures the SSE server so that each page only receives the events
// of its own widget instance.
func NewMain(
	transport conversation.Transport,
	diagnostics DiagnosticsStore,
	registry *conversation.Registry,
	opts Options,
	logger *slog.Logger,
) (Main, error) {
	tmpl, err := template.ParseFS(
		chatwidget.TemplateFS,
		"templates/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				instanceID := s.Req.URL.Query().Get("instance_id")
				if instanceID == "" {
					return sse.Subscription{}, false
				}
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, instanceTopic(instanceID)},
				}, true
			},
		},
		templates:   tmpl,
		transport:   transport,
		diagnostics: diagnostics,
		registry:    registry,
		opts:        opts,
		logger:      logger.With(slog.String("module", "handlers")),
	}, nil
}

func instanceTopic(instanceID string) string {
	return fmt.Sprintf("instance-%s", instanceID)
}

// Shutdown unmounts every widget instance, cancelling their pending exchanges, then terminates the SSE
// server. It broadcasts a close event to all connected pages and waits up to 5 seconds for connections
// to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	m.registry.Shutdown()

	e := &sse.Message{Type: sse.Type("closeWidget")}
	// An event without data is dropped by browsers.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
