package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/MegaGrindStone/chat-widget/internal/conversation"
	"github.com/MegaGrindStone/chat-widget/internal/models"
	"github.com/MegaGrindStone/chat-widget/internal/widget"
	"github.com/google/uuid"
)

type widgetData struct {
	InstanceID  string
	Config      widget.Config
	Styles      template.CSS
	Placeholder string
	MaxLength   int
}

type panelState struct {
	Open bool `json:"open"`
}

// mountAttributes lists the script tag attributes forwarded by the loader as form fields.
var mountAttributes = []string{
	widget.AttrFallbackURL,
	widget.AttrTelegramURL,
	widget.AttrCSSURL,
	widget.AttrTitle,
	widget.AttrGreeting,
	widget.AttrPlaceholder,
	widget.AttrStyles,
}

// HandleMount creates the widget instance of a page load. The loader posts the data attributes of its script
// tag as form fields, and an optional instance_id. The handler answers with the widget markup, to be
// inserted into the host page.
//
// A missing or malformed required attribute answers 400 and no instance is created. An instance_id that
// already owns a controller answers 409: a page cannot install the widget twice.
func (m Main) HandleMount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	attrs := make(map[string]string, len(mountAttributes))
	for _, name := range mountAttributes {
		if v := r.FormValue(name); v != "" {
			attrs[name] = v
		}
	}

	cfg, err := widget.ParseAttributes(attrs, m.opts.Defaults, m.opts.StrictStyles, m.logger)
	if err != nil {
		m.logger.Error("Invalid widget configuration", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	instanceID := r.FormValue("instance_id")
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	opts := []conversation.Option{
		conversation.WithInstanceID(instanceID),
		conversation.WithLogger(m.logger),
		conversation.WithApology(m.opts.Apology),
		conversation.WithGreeting(cfg.Greeting),
	}
	if m.opts.Renderer != nil {
		opts = append(opts, conversation.WithRenderer(m.opts.Renderer))
	}
	if m.diagnostics != nil {
		opts = append(opts, conversation.WithDiagnostics(m.diagnostics))
	}

	surface := sseSurface{
		srv:       m.sseSrv,
		topic:     instanceTopic(instanceID),
		templates: m.templates,
		logger:    m.logger.With(slog.String("instanceID", instanceID)),
	}
	ctrl := conversation.New(m.transport, surface, opts...)

	placeholder := cfg.Placeholder
	if placeholder == "" {
		placeholder = "Type your message..."
	}

	// Rendered before mounting, so a failed render leaves no instance behind.
	var buf bytes.Buffer
	err = m.templates.ExecuteTemplate(&buf, "widget", widgetData{
		InstanceID:  instanceID,
		Config:      cfg,
		Styles:      cfg.StyleDeclarations(),
		Placeholder: placeholder,
		MaxLength:   maxMessageLength,
	})
	if err != nil {
		m.logger.Error("Failed to render widget", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.registry.Mount(instanceID, ctrl); err != nil {
		m.logger.Warn("Widget already mounted", slog.String("instanceID", instanceID))
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	m.logger.Info("Widget mounted", slog.String("instanceID", instanceID))

	if _, err := buf.WriteTo(w); err != nil {
		m.logger.Error("Failed to write widget", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleUnmount removes the instance of a page that went away, cancelling its pending exchange.
func (m Main) HandleUnmount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	instanceID := r.FormValue("instance_id")
	if err := m.registry.Unmount(instanceID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	m.logger.Info("Widget unmounted", slog.String("instanceID", instanceID))
	w.WriteHeader(http.StatusNoContent)
}

// HandleEvents streams the events of one instance to its page. The instance is kept from being swept while
// the stream is open.
func (m Main) HandleEvents(w http.ResponseWriter, r *http.Request) {
	instanceID := r.FormValue("instance_id")
	if instanceID == "" {
		http.Error(w, "Instance ID is required", http.StatusBadRequest)
		return
	}

	detach, err := m.registry.Attach(instanceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer detach()

	m.sseSrv.ServeHTTP(w, r)
}

// HandleStart appends the greeting, the first time the visitor starts the chat.
func (m Main) HandleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctrl, ok := m.controller(w, r)
	if !ok {
		return
	}
	ctrl.Start()
	w.WriteHeader(http.StatusNoContent)
}

// HandleMessages submits the visitor's message. The message is trimmed and must hold between 1 and 1000
// characters. The transcript changes are delivered through the event stream, not in the response.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctrl, ok := m.controller(w, r)
	if !ok {
		return
	}

	msg := strings.TrimSpace(r.FormValue("message"))
	if msg == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}
	if utf8.RuneCountInString(msg) > maxMessageLength {
		http.Error(w, "Message is too long", http.StatusBadRequest)
		return
	}

	if m.opts.LockWhileBusy && ctrl.Busy() {
		http.Error(w, "A reply is still pending", http.StatusConflict)
		return
	}

	if err := ctrl.Submit(msg); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, conversation.ErrEmptyMessage):
			status = http.StatusBadRequest
		case errors.Is(err, conversation.ErrShutdown):
			status = http.StatusGone
		}
		m.logger.Error("Failed to submit message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), status)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandlePanel reads (GET) or changes (POST, action=show|hide|toggle) the visibility of the panel, and
// answers with the resulting state.
func (m Main) HandlePanel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctrl, ok := m.controller(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost {
		switch r.FormValue("action") {
		case "show":
			ctrl.OpenPanel()
		case "hide":
			ctrl.ClosePanel()
		case "toggle":
			ctrl.TogglePanel()
		default:
			http.Error(w, "Unknown action", http.StatusBadRequest)
			return
		}
	}

	m.writeJSON(w, panelState{Open: ctrl.PanelOpen()})
}

// HandleAppend appends a message on behalf of the host page. With markup=true the text is inserted as
// markup, without sanitization.
func (m Main) HandleAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctrl, ok := m.controller(w, r)
	if !ok {
		return
	}

	text := r.FormValue("text")
	if text == "" {
		http.Error(w, "Text is required", http.StatusBadRequest)
		return
	}
	markup, _ := strconv.ParseBool(r.FormValue("markup"))

	ctrl.Append(text, models.ParseSender(r.FormValue("sender")), markup)
	w.WriteHeader(http.StatusNoContent)
}

// HandleTranscript renders the whole transcript, followed by the typing indicator while an exchange is
// pending. It lets a page resynchronize after its event stream reconnected, since events published while the
// stream was down are not replayed.
func (m Main) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctrl, ok := m.controller(w, r)
	if !ok {
		return
	}

	msgs, busy := ctrl.Snapshot()

	var buf bytes.Buffer
	for _, msg := range msgs {
		if err := m.templates.ExecuteTemplate(&buf, "message", newMessage(msg)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if busy {
		if err := m.templates.ExecuteTemplate(&buf, "typing", nil); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if _, err := buf.WriteTo(w); err != nil {
		m.logger.Error("Failed to write transcript", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleDiagnostics lists the most recent failed exchanges. The limit query parameter defaults to 50.
func (m Main) HandleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if m.diagnostics == nil {
		http.Error(w, "Diagnostics are disabled", http.StatusNotFound)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	diags, err := m.diagnostics.Diagnostics(r.Context(), limit)
	if err != nil {
		m.logger.Error("Failed to get diagnostics", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if diags == nil {
		diags = []models.Diagnostic{}
	}

	m.writeJSON(w, diags)
}

// controller looks up the instance named by the instance_id parameter, answering 400 or 404 itself when
// there is none.
func (m Main) controller(w http.ResponseWriter, r *http.Request) (*conversation.Controller, bool) {
	instanceID := r.FormValue("instance_id")
	if instanceID == "" {
		http.Error(w, "Instance ID is required", http.StatusBadRequest)
		return nil, false
	}

	ctrl, err := m.registry.Get(instanceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return ctrl, true
}

func (m Main) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}
