// Package conversation holds the message-exchange controller of a widget instance: the transcript, the
// lifecycle of the exchange with the backend, and the typing indicator.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-widget/internal/models"
	"github.com/google/uuid"
)

// Transport performs one request/reply exchange with the backend per Send call.
type Transport interface {
	Send(text string) Handle
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(text string) Handle

// Send calls f(text).
func (f TransportFunc) Send(text string) Handle {
	return f(text)
}

// Handle is an outstanding exchange. Cancel must be idempotent and a no-op once the exchange settled.
type Handle interface {
	Cancel()
	Done() <-chan struct{}
	Outcome() models.Outcome
}

// Surface renders the state of a controller. Calls are made in the order the controller processes events,
// while the controller is locked, so implementations must not call back into the controller.
type Surface interface {
	AppendMessage(msg models.Message)
	SetBusy(busy bool)
	SetPanelOpen(open bool)
}

// Renderer turns a bot reply into markup. When a controller has no renderer, replies are plain text.
type Renderer interface {
	Render(text string) (string, error)
}

// Diagnostics receives the detail of failed exchanges.
type Diagnostics interface {
	AddDiagnostic(ctx context.Context, d models.Diagnostic) error
}

// Controller is the single authority over a transcript. At most one exchange is pending at a time: a new
// submission cancels the pending one, and the settlement of a superseded exchange is discarded by comparing
// its request id with the current one.
type Controller struct {
	mu sync.Mutex

	transport Transport
	surface   Surface

	renderer    Renderer
	diagnostics Diagnostics

	instanceID string
	apology    string
	greeting   string

	transcript []models.Message

	// lastID is the last minted request id, current is the id of the pending exchange, or 0 when idle.
	lastID  uint64
	current uint64
	handle  Handle

	busy     bool
	open     bool
	greeted  bool
	shutdown bool

	logger *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// Default texts of the messages generated by the controller itself.
const (
	DefaultApology  = "Sorry, something went wrong. Please try again later."
	DefaultGreeting = "Great! Ask away, I'm ready to help."
)

var (
	// ErrEmptyMessage is returned by Submit when the text is blank.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrShutdown is returned by Submit after the controller has been shut down.
	ErrShutdown = errors.New("controller is shut down")
)

const errLoggerKey = "error"

// WithRenderer renders bot replies with r. A reply that fails to render is shown as plain text.
func WithRenderer(r Renderer) Option {
	return func(c *Controller) {
		c.renderer = r
	}
}

// WithDiagnostics reports the detail of every failed exchange to d.
func WithDiagnostics(d Diagnostics) Option {
	return func(c *Controller) {
		c.diagnostics = d
	}
}

// WithLogger sets the logger of the controller.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithApology replaces the message shown after a failed exchange.
func WithApology(text string) Option {
	return func(c *Controller) {
		if text != "" {
			c.apology = text
		}
	}
}

// WithGreeting replaces the message shown when the chat is started.
func WithGreeting(text string) Option {
	return func(c *Controller) {
		if text != "" {
			c.greeting = text
		}
	}
}

// WithInstanceID tags logs and diagnostics with the id of the widget instance owning the controller.
func WithInstanceID(id string) Option {
	return func(c *Controller) {
		c.instanceID = id
	}
}

// New creates an idle Controller with an empty transcript and a closed panel.
func New(transport Transport, surface Surface, opts ...Option) *Controller {
	c := &Controller{
		transport: transport,
		surface:   surface,
		apology:   DefaultApology,
		greeting:  DefaultGreeting,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("module", "conversation"))
	if c.instanceID != "" {
		c.logger = c.logger.With(slog.String("instanceID", c.instanceID))
	}
	return c
}

// Submit appends the user's text to the transcript and starts an exchange with it, cancelling the pending
// exchange if there is one. The text is trimmed first; blank text is rejected with ErrEmptyMessage without
// touching the transcript or the transport.
func (c *Controller) Submit(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return ErrShutdown
	}

	c.appendLocked(text, models.SenderUser, false)

	if c.handle != nil {
		c.logger.Debug("Superseding pending exchange", slog.Uint64("requestID", c.current))
		c.handle.Cancel()
	}

	c.lastID++
	id := c.lastID
	c.current = id
	c.setBusyLocked(true)

	h := c.transport.Send(text)
	c.handle = h

	go c.await(id, h)

	return nil
}

func (c *Controller) await(id uint64, h Handle) {
	<-h.Done()
	if d, ok := c.settle(id, h.Outcome()); ok {
		c.report(d)
	}
}

// settle applies the outcome of exchange id. It returns the diagnostic of a failed exchange, which the
// caller stores once the controller is unlocked.
func (c *Controller) settle(id uint64, o models.Outcome) (models.Diagnostic, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id != c.current {
		c.logger.Debug("Discarding stale completion",
			slog.Uint64("requestID", id),
			slog.Uint64("currentID", c.current))
		return models.Diagnostic{}, false
	}
	if o.Cancelled() {
		c.logger.Debug("Exchange cancelled", slog.Uint64("requestID", id))
		return models.Diagnostic{}, false
	}

	c.current = 0
	c.handle = nil
	c.setBusyLocked(false)

	if o.Err != nil {
		c.logger.Error("Exchange failed",
			slog.Uint64("requestID", id),
			slog.String(errLoggerKey, o.Err.Error()))
		c.appendLocked(c.apology, models.SenderBot, false)
		return c.diagnostic(id, o.Err), c.diagnostics != nil
	}

	c.appendReplyLocked(o.Reply)
	return models.Diagnostic{}, false
}

func (c *Controller) appendReplyLocked(reply string) {
	if c.renderer == nil {
		c.appendLocked(reply, models.SenderBot, false)
		return
	}

	rendered, err := c.renderer.Render(reply)
	if err != nil {
		c.logger.Warn("Failed to render reply, showing it as text", slog.String(errLoggerKey, err.Error()))
		c.appendLocked(reply, models.SenderBot, false)
		return
	}
	c.appendLocked(rendered, models.SenderBot, true)
}

func (c *Controller) diagnostic(id uint64, err error) models.Diagnostic {
	d := models.Diagnostic{
		ID:         uuid.New().String(),
		InstanceID: c.instanceID,
		RequestID:  id,
		Kind:       models.FailureNetwork,
		Detail:     err.Error(),
		Timestamp:  time.Now(),
	}
	var f *models.Failure
	if errors.As(err, &f) {
		d.Kind = f.Kind
		d.Status = f.Status
	}
	return d
}

// report stores d without holding the controller, so a slow store never delays the next event.
func (c *Controller) report(d models.Diagnostic) {
	if err := c.diagnostics.AddDiagnostic(context.Background(), d); err != nil {
		c.logger.Error("Failed to store diagnostic", slog.String(errLoggerKey, err.Error()))
	}
}

func (c *Controller) appendLocked(text string, sender models.Sender, markup bool) {
	msg := models.Message{
		ID:               uuid.New().String(),
		Text:             text,
		Sender:           sender,
		RenderedAsMarkup: markup,
		Timestamp:        time.Now(),
	}
	c.transcript = append(c.transcript, msg)
	c.surface.AppendMessage(msg)
}

// setBusyLocked only forwards changes, so the surface never holds more than one indicator.
func (c *Controller) setBusyLocked(busy bool) {
	if c.busy == busy {
		return
	}
	c.busy = busy
	c.surface.SetBusy(busy)
}

// Start appends the greeting the first time it is called. Later calls do nothing.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.greeted || c.shutdown {
		return
	}
	c.greeted = true
	c.appendLocked(c.greeting, models.SenderBot, false)
}

// Append adds a message to the transcript on behalf of the host page. When markup is true the text is
// inserted as is: the host is trusted and the markup is not sanitized.
func (c *Controller) Append(text string, sender models.Sender, markup bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.appendLocked(text, sender, markup)
}

// OpenPanel shows the panel.
func (c *Controller) OpenPanel() {
	c.setPanel(func(bool) bool { return true })
}

// ClosePanel hides the panel.
func (c *Controller) ClosePanel() {
	c.setPanel(func(bool) bool { return false })
}

// TogglePanel flips the visibility of the panel.
func (c *Controller) TogglePanel() {
	c.setPanel(func(open bool) bool { return !open })
}

func (c *Controller) setPanel(next func(open bool) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.open = next(c.open)
	c.surface.SetPanelOpen(c.open)
}

// PanelOpen reports whether the panel is visible.
func (c *Controller) PanelOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.open
}

// Busy reports whether an exchange is pending, which is also whether the typing indicator is shown.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.busy
}

// RequestID returns the id of the pending exchange, or 0 when the controller is idle.
func (c *Controller) RequestID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// Transcript returns a copy of the messages appended so far, in order.
func (c *Controller) Transcript() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := make([]models.Message, len(c.transcript))
	copy(msgs, c.transcript)
	return msgs
}

// Snapshot returns a copy of the transcript together with whether an exchange is pending, both read at the
// same point between events.
func (c *Controller) Snapshot() ([]models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := make([]models.Message, len(c.transcript))
	copy(msgs, c.transcript)
	return msgs, c.busy
}

// Shutdown cancels the pending exchange, if any, and refuses further submissions. The settlement of the
// cancelled exchange is discarded.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return
	}
	c.shutdown = true

	if c.handle != nil {
		c.handle.Cancel()
		c.handle = nil
	}
	c.current = 0
	c.setBusyLocked(false)
}
