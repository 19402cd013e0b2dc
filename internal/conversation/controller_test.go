package conversation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-widget/internal/conversation"
	"github.com/MegaGrindStone/chat-widget/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHandle struct {
	once    sync.Once
	done    chan struct{}
	outcome models.Outcome

	mu        sync.Mutex
	cancelled int
}

type mockTransport struct {
	mu      sync.Mutex
	sent    []string
	handles []*mockHandle
}

type surfaceEvent struct {
	kind string
	msg  models.Message
	flag bool
}

type mockSurface struct {
	mu     sync.Mutex
	events []surfaceEvent
	// busyViolations counts SetBusy calls that did not change the indicator.
	busyViolations int
	busy           bool
}

type mockDiagnostics struct {
	mu    sync.Mutex
	diags []models.Diagnostic

	// block, if set, holds every AddDiagnostic call until it is closed.
	block chan struct{}
}

type mockRenderer struct {
	err error
}

const settleTimeout = 2 * time.Second

func TestSubmitReply(t *testing.T) {
	tr := &mockTransport{}
	sf := &mockSurface{}
	ctrl := conversation.New(tr, sf)

	require.NoError(t, ctrl.Submit("hello"))
	assert.True(t, ctrl.Busy())
	assert.Equal(t, uint64(1), ctrl.RequestID())
	assert.Equal(t, []string{"hello"}, tr.sentTexts())

	tr.handle(0).settle(models.Outcome{Reply: "hi"})

	waitIdle(t, ctrl)
	assertTranscript(t, ctrl, []string{"user:hello", "bot:hi"})
	assert.False(t, sf.isBusy())
	assert.Zero(t, sf.violations())
}

func TestSubmitFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind models.FailureKind
	}{
		{
			name:     "Network error",
			err:      models.NewFailure(models.FailureNetwork, errors.New("connection refused")),
			wantKind: models.FailureNetwork,
		},
		{
			name:     "Bad status",
			err:      models.NewStatusFailure(502, errors.New("bad gateway")),
			wantKind: models.FailureBadStatus,
		},
		{
			name:     "Malformed reply",
			err:      models.NewFailure(models.FailureMalformedReply, errors.New("not json")),
			wantKind: models.FailureMalformedReply,
		},
		{
			name:     "Empty reply",
			err:      models.NewFailure(models.FailureEmptyReply, errors.New("reply is empty")),
			wantKind: models.FailureEmptyReply,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &mockTransport{}
			sf := &mockSurface{}
			diags := &mockDiagnostics{}
			ctrl := conversation.New(tr, sf,
				conversation.WithDiagnostics(diags),
				conversation.WithInstanceID("instance-1"))

			require.NoError(t, ctrl.Submit("hello"))
			tr.handle(0).settle(models.Outcome{Err: tt.err})

			waitIdle(t, ctrl)
			assertTranscript(t, ctrl, []string{"user:hello", "bot:" + conversation.DefaultApology})

			require.Eventually(t, func() bool { return len(diags.all()) == 1 }, settleTimeout, time.Millisecond)
			got := diags.all()
			assert.Equal(t, tt.wantKind, got[0].Kind)
			assert.Equal(t, "instance-1", got[0].InstanceID)
			assert.Equal(t, uint64(1), got[0].RequestID)
			assert.Contains(t, got[0].Detail, tt.err.Error())

			for _, msg := range ctrl.Transcript() {
				assert.NotContains(t, msg.Text, tt.err.Error())
			}
		})
	}
}

func TestSlowDiagnosticsDoNotBlockEvents(t *testing.T) {
	tr := &mockTransport{}
	diags := &mockDiagnostics{block: make(chan struct{})}
	ctrl := conversation.New(tr, &mockSurface{}, conversation.WithDiagnostics(diags))

	require.NoError(t, ctrl.Submit("hello"))
	tr.handle(0).settle(models.Outcome{Err: models.NewFailure(models.FailureNetwork, errors.New("down"))})
	waitIdle(t, ctrl)

	// The store is still busy with the first failure.
	ctrl.TogglePanel()
	require.NoError(t, ctrl.Submit("again"))
	assert.True(t, ctrl.PanelOpen())
	assert.True(t, ctrl.Busy())
	assertTranscript(t, ctrl, []string{"user:hello", "bot:" + conversation.DefaultApology, "user:again"})

	close(diags.block)
	require.Eventually(t, func() bool { return len(diags.all()) == 1 }, settleTimeout, time.Millisecond)
}

func TestSubmitCustomApology(t *testing.T) {
	tr := &mockTransport{}
	ctrl := conversation.New(tr, &mockSurface{}, conversation.WithApology("Oops"))

	require.NoError(t, ctrl.Submit("hello"))
	tr.handle(0).settle(models.Outcome{Err: models.NewFailure(models.FailureNetwork, errors.New("down"))})

	waitIdle(t, ctrl)
	assertTranscript(t, ctrl, []string{"user:hello", "bot:Oops"})
}

func TestSubmitBlank(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t "} {
		tr := &mockTransport{}
		sf := &mockSurface{}
		ctrl := conversation.New(tr, sf)

		err := ctrl.Submit(text)
		require.ErrorIs(t, err, conversation.ErrEmptyMessage)
		assert.Empty(t, ctrl.Transcript())
		assert.Empty(t, tr.sentTexts())
		assert.Empty(t, sf.all())
		assert.False(t, ctrl.Busy())
	}
}

func TestSubmitTrims(t *testing.T) {
	tr := &mockTransport{}
	ctrl := conversation.New(tr, &mockSurface{})

	require.NoError(t, ctrl.Submit("  hello \n"))
	assert.Equal(t, []string{"hello"}, tr.sentTexts())
	assertTranscript(t, ctrl, []string{"user:hello"})
}

func TestSupersede(t *testing.T) {
	tests := []struct {
		name string
		// settle receives the handles of "a" and "b" and settles them in some order.
		settle func(a, b *mockHandle)
	}{
		{
			name: "Old exchange settles after the new one",
			settle: func(a, b *mockHandle) {
				b.settle(models.Outcome{Reply: "reply to b"})
				a.settle(models.Outcome{Reply: "reply to a"})
			},
		},
		{
			name: "Old exchange settles before the new one",
			settle: func(a, b *mockHandle) {
				a.settle(models.Outcome{Reply: "reply to a"})
				b.settle(models.Outcome{Reply: "reply to b"})
			},
		},
		{
			name: "Old exchange fails late",
			settle: func(a, b *mockHandle) {
				b.settle(models.Outcome{Reply: "reply to b"})
				a.settle(models.Outcome{Err: models.NewFailure(models.FailureNetwork, errors.New("late"))})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &mockTransport{}
			sf := &mockSurface{}
			ctrl := conversation.New(tr, sf)

			require.NoError(t, ctrl.Submit("a"))
			require.NoError(t, ctrl.Submit("b"))

			a, b := tr.handle(0), tr.handle(1)
			assert.Equal(t, 1, a.cancelCount())
			assert.Equal(t, 0, b.cancelCount())
			assert.Equal(t, uint64(2), ctrl.RequestID())
			assert.True(t, ctrl.Busy())

			tt.settle(a, b)

			waitIdle(t, ctrl)
			// Give a late settlement of "a" the chance to be (wrongly) applied.
			time.Sleep(20 * time.Millisecond)

			assertTranscript(t, ctrl, []string{"user:a", "user:b", "bot:reply to b"})
			assert.Zero(t, sf.violations())
			assert.False(t, sf.isBusy())
		})
	}
}

func TestSupersedeKeepsSubmissionOrder(t *testing.T) {
	tr := &mockTransport{}
	sf := &mockSurface{}
	ctrl := conversation.New(tr, sf)

	texts := []string{"one", "two", "three", "four"}
	for _, text := range texts {
		require.NoError(t, ctrl.Submit(text))
	}
	// Settle in reverse order: only the last exchange survives.
	for i := len(texts) - 1; i >= 0; i-- {
		tr.handle(i).settle(models.Outcome{Reply: "reply to " + texts[i]})
	}

	waitIdle(t, ctrl)
	time.Sleep(20 * time.Millisecond)

	assertTranscript(t, ctrl, []string{"user:one", "user:two", "user:three", "user:four", "bot:reply to four"})

	// The indicator was shown once and hidden once.
	var busyEvents []bool
	for _, ev := range sf.all() {
		if ev.kind == "busy" {
			busyEvents = append(busyEvents, ev.flag)
		}
	}
	assert.Equal(t, []bool{true, false}, busyEvents)
}

func TestCancelledCurrentExchangeIsIgnored(t *testing.T) {
	tr := &mockTransport{}
	ctrl := conversation.New(tr, &mockSurface{})

	require.NoError(t, ctrl.Submit("hello"))
	tr.handle(0).settle(models.Outcome{Err: models.ErrCancelled})

	time.Sleep(20 * time.Millisecond)
	assert.True(t, ctrl.Busy())
	assertTranscript(t, ctrl, []string{"user:hello"})
}

func TestIndicatorFollowsExchangeState(t *testing.T) {
	tr := &mockTransport{}
	sf := &mockSurface{}
	ctrl := conversation.New(tr, sf)

	assert.False(t, sf.isBusy())

	require.NoError(t, ctrl.Submit("a"))
	assert.Equal(t, ctrl.Busy(), sf.isBusy())
	assert.True(t, sf.isBusy())

	tr.handle(0).settle(models.Outcome{Reply: "ra"})
	waitIdle(t, ctrl)
	assert.Equal(t, ctrl.Busy(), sf.isBusy())

	require.NoError(t, ctrl.Submit("b"))
	assert.True(t, sf.isBusy())
	tr.handle(1).settle(models.Outcome{Err: models.NewFailure(models.FailureEmptyReply, nil)})
	waitIdle(t, ctrl)
	assert.False(t, sf.isBusy())
	assert.Zero(t, sf.violations())
}

func TestRendererOption(t *testing.T) {
	t.Run("Rendered", func(t *testing.T) {
		tr := &mockTransport{}
		ctrl := conversation.New(tr, &mockSurface{}, conversation.WithRenderer(mockRenderer{}))

		require.NoError(t, ctrl.Submit("hello"))
		tr.handle(0).settle(models.Outcome{Reply: "**hi**"})
		waitIdle(t, ctrl)

		msgs := ctrl.Transcript()
		require.Len(t, msgs, 2)
		assert.False(t, msgs[0].RenderedAsMarkup)
		assert.True(t, msgs[1].RenderedAsMarkup)
		assert.Equal(t, "<p>**hi**</p>", msgs[1].Text)
	})

	t.Run("Render error falls back to text", func(t *testing.T) {
		tr := &mockTransport{}
		ctrl := conversation.New(tr, &mockSurface{},
			conversation.WithRenderer(mockRenderer{err: errors.New("boom")}))

		require.NoError(t, ctrl.Submit("hello"))
		tr.handle(0).settle(models.Outcome{Reply: "**hi**"})
		waitIdle(t, ctrl)

		msgs := ctrl.Transcript()
		require.Len(t, msgs, 2)
		assert.False(t, msgs[1].RenderedAsMarkup)
		assert.Equal(t, "**hi**", msgs[1].Text)
	})
}

func TestStartGreetsOnce(t *testing.T) {
	ctrl := conversation.New(&mockTransport{}, &mockSurface{}, conversation.WithGreeting("Hello there"))

	ctrl.Start()
	ctrl.Start()

	assertTranscript(t, ctrl, []string{"bot:Hello there"})
}

func TestAppend(t *testing.T) {
	sf := &mockSurface{}
	ctrl := conversation.New(&mockTransport{}, sf)

	ctrl.Append("<b>promo</b>", models.SenderBot, true)
	ctrl.Append("plain", models.SenderUser, false)

	msgs := ctrl.Transcript()
	require.Len(t, msgs, 2)
	assert.Equal(t, "<b>promo</b>", msgs[0].Text)
	assert.True(t, msgs[0].RenderedAsMarkup)
	assert.Equal(t, models.SenderUser, msgs[1].Sender)
	assert.False(t, msgs[1].RenderedAsMarkup)
	assert.Len(t, sf.all(), 2)
}

func TestPanel(t *testing.T) {
	sf := &mockSurface{}
	ctrl := conversation.New(&mockTransport{}, sf)

	assert.False(t, ctrl.PanelOpen())

	ctrl.OpenPanel()
	ctrl.OpenPanel()
	assert.True(t, ctrl.PanelOpen())

	ctrl.TogglePanel()
	ctrl.TogglePanel()
	assert.True(t, ctrl.PanelOpen())

	ctrl.TogglePanel()
	assert.False(t, ctrl.PanelOpen())

	ctrl.ClosePanel()
	assert.False(t, ctrl.PanelOpen())

	// Visibility never touches the exchange.
	assert.False(t, ctrl.Busy())
	assert.Empty(t, ctrl.Transcript())
}

func TestPanelIndependentOfExchange(t *testing.T) {
	tr := &mockTransport{}
	ctrl := conversation.New(tr, &mockSurface{})

	require.NoError(t, ctrl.Submit("hello"))
	ctrl.TogglePanel()
	assert.True(t, ctrl.Busy())
	assert.True(t, ctrl.PanelOpen())

	tr.handle(0).settle(models.Outcome{Reply: "hi"})
	waitIdle(t, ctrl)
	assert.True(t, ctrl.PanelOpen())
}

func TestShutdown(t *testing.T) {
	tr := &mockTransport{}
	sf := &mockSurface{}
	ctrl := conversation.New(tr, sf)

	require.NoError(t, ctrl.Submit("hello"))
	ctrl.Shutdown()

	assert.Equal(t, 1, tr.handle(0).cancelCount())
	assert.False(t, ctrl.Busy())
	assert.False(t, sf.isBusy())

	tr.handle(0).settle(models.Outcome{Reply: "too late"})
	time.Sleep(20 * time.Millisecond)
	assertTranscript(t, ctrl, []string{"user:hello"})

	require.ErrorIs(t, ctrl.Submit("again"), conversation.ErrShutdown)
	assert.Len(t, tr.sentTexts(), 1)
}

func TestTransportFunc(t *testing.T) {
	h := newMockHandle()
	var got string
	tr := conversation.TransportFunc(func(text string) conversation.Handle {
		got = text
		return h
	})

	ctrl := conversation.New(tr, &mockSurface{})
	require.NoError(t, ctrl.Submit("hello"))
	assert.Equal(t, "hello", got)

	h.settle(models.Outcome{Reply: "hi"})
	waitIdle(t, ctrl)
	assertTranscript(t, ctrl, []string{"user:hello", "bot:hi"})
}

func waitIdle(t *testing.T, ctrl *conversation.Controller) {
	t.Helper()
	require.Eventually(t, func() bool { return !ctrl.Busy() }, settleTimeout, time.Millisecond)
}

func assertTranscript(t *testing.T, ctrl *conversation.Controller, want []string) {
	t.Helper()
	msgs := ctrl.Transcript()
	got := make([]string, len(msgs))
	for i, msg := range msgs {
		got[i] = string(msg.Sender) + ":" + msg.Text
	}
	assert.Equal(t, want, got)
}

func newMockHandle() *mockHandle {
	return &mockHandle{done: make(chan struct{})}
}

func (h *mockHandle) settle(o models.Outcome) {
	h.once.Do(func() {
		h.outcome = o
		close(h.done)
	})
}

func (h *mockHandle) cancelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Cancel only records the call, so tests decide when and how a cancelled exchange settles.
func (h *mockHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled++
}

func (h *mockHandle) Done() <-chan struct{} {
	return h.done
}

func (h *mockHandle) Outcome() models.Outcome {
	<-h.done
	return h.outcome
}

func (m *mockTransport) Send(text string) conversation.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := newMockHandle()
	m.sent = append(m.sent, text)
	m.handles = append(m.handles, h)
	return h
}

func (m *mockTransport) sentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func (m *mockTransport) handle(i int) *mockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[i]
}

func (m *mockSurface) AppendMessage(msg models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, surfaceEvent{kind: "append", msg: msg})
}

func (m *mockSurface) SetBusy(busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy == busy {
		m.busyViolations++
	}
	m.busy = busy
	m.events = append(m.events, surfaceEvent{kind: "busy", flag: busy})
}

func (m *mockSurface) SetPanelOpen(open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, surfaceEvent{kind: "panel", flag: open})
}

func (m *mockSurface) all() []surfaceEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]surfaceEvent(nil), m.events...)
}

func (m *mockSurface) isBusy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

func (m *mockSurface) violations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busyViolations
}

func (m *mockDiagnostics) AddDiagnostic(_ context.Context, d models.Diagnostic) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diags = append(m.diags, d)
	return nil
}

func (m *mockDiagnostics) all() []models.Diagnostic {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Diagnostic(nil), m.diags...)
}

func (r mockRenderer) Render(text string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return "<p>" + text + "</p>", nil
}

func TestSnapshot(t *testing.T) {
	tr := &mockTransport{}
	ctrl := conversation.New(tr, &mockSurface{})

	msgs, busy := ctrl.Snapshot()
	assert.Empty(t, msgs)
	assert.False(t, busy)

	require.NoError(t, ctrl.Submit("hello"))
	msgs, busy = ctrl.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.True(t, busy)

	tr.handle(0).settle(models.Outcome{Reply: "hi"})
	waitIdle(t, ctrl)

	msgs, busy = ctrl.Snapshot()
	assert.Len(t, msgs, 2)
	assert.False(t, busy)
}
