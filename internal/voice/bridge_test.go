package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/banking"
	"github.com/MegaGrindStone/bank-assistant/internal/i18n"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/bank-assistant/internal/stepup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fakeConn struct {
	log    *callLog
	events chan []Event
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	audio     [][]byte
	responses [][]models.ToolResult
	recvErr   error
}

func newFakeConn(log *callLog) *fakeConn {
	return &fakeConn{log: log, events: make(chan []Event, 16), done: make(chan struct{})}
}

func (c *fakeConn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, pcm)
	return nil
}

func (c *fakeConn) SendToolResponses(results []models.ToolResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, results)
	return nil
}

func (c *fakeConn) Receive() ([]Event, error) {
	select {
	case evs, ok := <-c.events:
		if !ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			return nil, c.recvErr
		}
		return evs, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.log.add("conn.close")
	})
	return nil
}

func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	c.recvErr = err
	c.mu.Unlock()
	close(c.events)
}

func (c *fakeConn) Audio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.audio...)
}

func (c *fakeConn) Responses() [][]models.ToolResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]models.ToolResult(nil), c.responses...)
}

type fakeProvider struct {
	conns []*fakeConn
	err   error
	cfgs  []LiveConfig
}

func (p *fakeProvider) Connect(_ context.Context, cfg LiveConfig) (LiveConn, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.cfgs = append(p.cfgs, cfg)
	conn := p.conns[0]
	p.conns = p.conns[1:]
	return conn, nil
}

type fakeMic struct {
	log  *callLog
	rate int

	mu        sync.Mutex
	onSamples func([]float32)
}

func (m *fakeMic) SampleRate() int { return m.rate }

func (m *fakeMic) Start(onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSamples = onSamples
	return nil
}

func (m *fakeMic) Stop() error {
	m.log.add("mic.stop")
	return nil
}

func (m *fakeMic) Close() error {
	m.log.add("mic.close")
	return nil
}

func (m *fakeMic) feed(samples []float32) {
	m.mu.Lock()
	fn := m.onSamples
	m.mu.Unlock()
	fn(samples)
}

type fakeAudio struct {
	mic     *fakeMic
	speaker *fakeSpeaker
	micErr  error
}

func (a *fakeAudio) OpenMicrophone(context.Context) (Microphone, error) {
	if a.micErr != nil {
		return nil, a.micErr
	}
	return a.mic, nil
}

func (a *fakeAudio) OpenSpeaker(context.Context, int) (Speaker, error) {
	return a.speaker, nil
}

type recordingSink struct {
	mu       sync.Mutex
	states   []State
	messages []models.Message
	errs     []error
}

func (s *recordingSink) VoiceMessage(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *recordingSink) VoiceState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *recordingSink) VoiceError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordingSink) States() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...)
}

func (s *recordingSink) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	texts := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		texts = append(texts, fmt.Sprintf("%s: %s", m.Role, m.Text()))
	}
	return texts
}

func (s *recordingSink) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

type recordingObserver struct {
	mu      sync.Mutex
	started int
	ended   []bool
}

func (o *recordingObserver) VoiceSessionStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) VoiceSessionEnded(failed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, failed)
}

func (o *recordingObserver) Ended() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.ended...)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ string, call models.ToolCall) models.ToolResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call.Name)
	return models.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Success: true,
		Message: "Your balance is $5,240.75.",
		Payload: map[string]any{"balance": 5240.75},
	}
}

func (d *recordingDispatcher) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type bridgeFixture struct {
	bridge     *Bridge
	log        *callLog
	conn       *fakeConn
	provider   *fakeProvider
	audio      *fakeAudio
	sink       *recordingSink
	observer   *recordingObserver
	dispatcher *recordingDispatcher
	clock      *fakeClock
}

func newBridgeFixture(t *testing.T, dispatcher Dispatcher) *bridgeFixture {
	t.Helper()

	log := &callLog{}
	f := &bridgeFixture{
		log:        log,
		conn:       newFakeConn(log),
		audio:      &fakeAudio{mic: &fakeMic{log: log, rate: CaptureRate}, speaker: &fakeSpeaker{log: log}},
		sink:       &recordingSink{},
		observer:   &recordingObserver{},
		dispatcher: &recordingDispatcher{},
		clock:      newFakeClock(),
	}
	f.provider = &fakeProvider{conns: []*fakeConn{f.conn}}
	if dispatcher == nil {
		dispatcher = f.dispatcher
	}

	b, err := NewBridge(Config{
		UserID:     "alice",
		Language:   "en",
		Live:       LiveConfig{SystemInstruction: "You are a banking assistant.", Language: "en"},
		Provider:   f.provider,
		Audio:      f.audio,
		Dispatcher: dispatcher,
		Sink:       f.sink,
		Clock:      f.clock,
		Observer:   f.observer,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	f.bridge = b
	t.Cleanup(b.Stop)
	return f
}

func (f *bridgeFixture) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.bridge.State() == want }, waitFor, time.Millisecond,
		"state is %s, want %s", f.bridge.State(), want)
}

func TestNewBridgeRequiresDependencies(t *testing.T) {
	_, err := NewBridge(Config{})
	assert.Error(t, err)
}

func TestBridgeStartStop(t *testing.T) {
	f := newBridgeFixture(t, nil)

	require.NoError(t, f.bridge.Start(context.Background()))
	assert.Equal(t, StateListening, f.bridge.State())
	assert.Equal(t, []State{StateConnecting, StateListening}, f.sink.States())
	require.Len(t, f.provider.cfgs, 1)
	assert.Equal(t, "You are a banking assistant.", f.provider.cfgs[0].SystemInstruction)

	id := f.bridge.SessionID()
	f.bridge.Stop()
	assert.Greater(t, f.bridge.SessionID(), id)
	assert.Equal(t, StateIdle, f.bridge.State())
	assert.Equal(t, []string{"conn.close", "speaker.reset", "mic.stop", "mic.close", "speaker.close"}, f.log.get())
	assert.Equal(t, []bool{false}, f.observer.Ended())

	states := f.sink.States()
	f.bridge.Stop()
	assert.Equal(t, StateIdle, f.bridge.State())
	assert.Equal(t, states, f.sink.States())
	assert.Len(t, f.log.get(), 5)
	assert.Len(t, f.observer.Ended(), 1)
}

func TestBridgeStopWithoutSession(t *testing.T) {
	f := newBridgeFixture(t, nil)
	f.bridge.Stop()
	f.bridge.Stop()
	assert.Empty(t, f.sink.States())
	assert.Empty(t, f.log.get())
}

func TestBridgeRestartTearsDownPrevious(t *testing.T) {
	f := newBridgeFixture(t, nil)
	second := newFakeConn(f.log)
	f.provider.conns = append(f.provider.conns, second)

	require.NoError(t, f.bridge.Start(context.Background()))
	first := f.bridge.SessionID()
	require.NoError(t, f.bridge.Start(context.Background()))
	assert.Greater(t, f.bridge.SessionID(), first)
	assert.Equal(t, StateListening, f.bridge.State())
	assert.Equal(t, []string{"conn.close", "speaker.reset", "mic.stop", "mic.close", "speaker.close"}, f.log.get())

	assert.Len(t, f.provider.cfgs, 2)
	second.events <- []Event{{Type: EventOutputTranscript, Text: "Hello"}, {Type: EventTurnComplete}}
	require.Eventually(t, func() bool { return len(f.sink.Texts()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"assistant: Hello"}, f.sink.Texts())
}

func TestBridgeStreamsMicrophone(t *testing.T) {
	f := newBridgeFixture(t, nil)
	require.NoError(t, f.bridge.Start(context.Background()))

	samples := make([]float32, 2*FrameSamples)
	for i := range samples {
		samples[i] = 0.1
	}
	f.audio.mic.feed(samples)

	require.Eventually(t, func() bool { return len(f.conn.Audio()) == 1 }, waitFor, time.Millisecond)
	assert.Len(t, f.conn.Audio()[0], 2*FrameSamples)

	f.bridge.Stop()
	f.audio.mic.feed(samples)
	assert.Len(t, f.conn.Audio(), 1)
}

func TestBridgeTurn(t *testing.T) {
	f := newBridgeFixture(t, nil)
	require.NoError(t, f.bridge.Start(context.Background()))

	f.conn.events <- []Event{
		{Type: EventInputTranscript, Text: "What's my "},
		{Type: EventInputTranscript, Text: "balance?"},
		{Type: EventAudio, Audio: pcmOf(100 * time.Millisecond)},
		{Type: EventOutputTranscript, Text: "You have "},
		{Type: EventOutputTranscript, Text: "$5,240.75."},
		{Type: EventTurnComplete},
	}
	require.Eventually(t, func() bool { return len(f.sink.Texts()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"user: What's my balance?", "assistant: You have $5,240.75."}, f.sink.Texts())

	// Speaking lasts until the last scheduled frame ends, not until the turn completes.
	f.waitState(t, StateSpeaking)
	f.clock.Advance(100 * time.Millisecond)
	f.waitState(t, StateListening)
	assert.Equal(t, []State{StateConnecting, StateListening, StateSpeaking, StateListening}, f.sink.States())
}

func TestBridgeBargeIn(t *testing.T) {
	f := newBridgeFixture(t, nil)
	require.NoError(t, f.bridge.Start(context.Background()))

	f.conn.events <- []Event{
		{Type: EventAudio, Audio: pcmOf(time.Second)},
		{Type: EventAudio, Audio: pcmOf(time.Second)},
	}
	f.waitState(t, StateSpeaking)

	f.conn.events <- []Event{{Type: EventInterrupted}}
	f.waitState(t, StateListening)
	assert.Equal(t, 1, f.audio.speaker.Resets())

	// The discarded frames never bring the bridge back to listening a second time.
	f.clock.Advance(5 * time.Second)
	assert.Equal(t, []State{StateConnecting, StateListening, StateSpeaking, StateListening}, f.sink.States())
}

func TestBridgeToolCallsGoThroughGate(t *testing.T) {
	inner := &recordingDispatcher{}
	var challenged []string
	gate := stepup.NewGate(inner, stepup.AuthenticatorFunc(func(_ context.Context, ch stepup.Challenge) (bool, error) {
		challenged = append(challenged, ch.Action)
		return false, nil
	}), stepup.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	f := newBridgeFixture(t, gate)
	require.NoError(t, f.bridge.Start(context.Background()))

	f.conn.events <- []Event{{
		Type: EventToolCall,
		ToolCalls: []models.ToolCall{
			{ID: "call-1", Name: banking.ToolInitiatePayment, Arguments: map[string]any{"recipient": "Bob", "amount": 100.0}},
			{ID: "call-2", Name: banking.ToolGetAccountSummary, Arguments: map[string]any{}},
		},
	}}
	require.Eventually(t, func() bool { return len(f.conn.Responses()) == 1 }, waitFor, time.Millisecond)

	results := f.conn.Responses()[0]
	require.Len(t, results, 2)
	assert.Equal(t, "call-1", results[0].CallID)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Message, "cancelled")
	assert.Equal(t, "call-2", results[1].CallID)
	assert.True(t, results[1].Success)

	assert.Equal(t, []string{banking.ToolInitiatePayment}, challenged)
	assert.Equal(t, []string{banking.ToolGetAccountSummary}, inner.Calls())

	texts := f.sink.Texts()
	require.Len(t, texts, 2)
	assert.True(t, strings.HasPrefix(texts[0], "system: Not completed: "))
	assert.True(t, strings.HasPrefix(texts[1], "system: Done: "))

	f.waitState(t, StateListening)
	assert.Contains(t, f.sink.States(), StateProcessing)
}

func TestBridgeMicrophoneDenied(t *testing.T) {
	f := newBridgeFixture(t, nil)
	f.audio.micErr = fmt.Errorf("permission prompt dismissed: %w", ErrMicrophoneAccessDenied)

	err := f.bridge.Start(context.Background())
	require.ErrorIs(t, err, ErrMicrophoneAccessDenied)

	assert.Equal(t, StateIdle, f.bridge.State())
	assert.Equal(t, []State{StateConnecting, StateError, StateIdle}, f.sink.States())
	assert.Equal(t, []string{"conn.close"}, f.log.get())
	assert.Equal(t, []string{"system: " + i18n.Text("en", i18n.MicrophoneDenied)}, f.sink.Texts())
	assert.Equal(t, []bool{true}, f.observer.Ended())

	f.bridge.Stop()
	assert.Len(t, f.sink.States(), 3)
}

func TestBridgeConnectFailure(t *testing.T) {
	f := newBridgeFixture(t, nil)
	f.provider.err = errors.New("quota exceeded")

	err := f.bridge.Start(context.Background())
	var perr *models.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StateIdle, f.bridge.State())
	assert.Equal(t, []string{"system: " + i18n.Text("en", i18n.VoiceStopped)}, f.sink.Texts())
	assert.Empty(t, f.log.get())
}

func TestBridgeProviderFailureTearsDown(t *testing.T) {
	f := newBridgeFixture(t, nil)
	require.NoError(t, f.bridge.Start(context.Background()))

	f.conn.fail(errors.New("connection reset"))
	f.waitState(t, StateIdle)
	require.Eventually(t, func() bool { return len(f.observer.Ended()) == 1 }, waitFor, time.Millisecond)

	assert.Equal(t, []State{StateConnecting, StateListening, StateError, StateIdle}, f.sink.States())
	assert.Equal(t, []string{"conn.close", "speaker.reset", "mic.stop", "mic.close", "speaker.close"}, f.log.get())
	require.Len(t, f.sink.Errors(), 1)
	var perr *models.ProviderError
	assert.ErrorAs(t, f.sink.Errors()[0], &perr)
	assert.Equal(t, []bool{true}, f.observer.Ended())

	f.bridge.Stop()
	assert.Len(t, f.sink.States(), 4)
}

func TestFallbackMessage(t *testing.T) {
	assert.Equal(t, i18n.Text("es", i18n.MicrophoneDenied),
		FallbackMessage("es", fmt.Errorf("open: %w", ErrMicrophoneAccessDenied)).Text())
	assert.Equal(t, i18n.Text("es", i18n.AudioPipelineFailed), FallbackMessage("es", ErrAudioPipeline).Text())
	assert.Equal(t, i18n.Text("es", i18n.VoiceStopped), FallbackMessage("es", io.EOF).Text())
	assert.Equal(t, models.RoleSystem, FallbackMessage("en", io.EOF).Role)
}
