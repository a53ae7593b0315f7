package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MegaGrindStone/bank-assistant/internal/conversation"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

const (
	errLoggerKey = "err"

	// frameBacklog is how many captured frames may wait for the provider before new ones are dropped.
	frameBacklog = 32
)

// Config holds the dependencies of a Bridge.
type Config struct {
	UserID   string
	Language string
	Live     LiveConfig

	Provider   LiveProvider
	Audio      AudioBackend
	Dispatcher Dispatcher
	Sink       Sink

	// Optional.
	Clock    Clock
	Observer Observer
	Logger   *slog.Logger
}

// Bridge runs at most one realtime voice session at a time.
//
// Sink callbacks are serialized and must not call Start or Stop synchronously.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	session atomic.Uint64

	// sinkMu serializes notifications so the sink sees states in the order they were entered. It is taken
	// before mu.
	sinkMu sync.Mutex
	mu     sync.Mutex
	state  State
	handle *AudioSessionHandle
}

// NewBridge validates cfg and returns an idle Bridge.
func NewBridge(cfg Config) (*Bridge, error) {
	switch {
	case cfg.Provider == nil:
		return nil, errors.New("voice: live provider is required")
	case cfg.Audio == nil:
		return nil, errors.New("voice: audio backend is required")
	case cfg.Dispatcher == nil:
		return nil, errors.New("voice: dispatcher is required")
	case cfg.Sink == nil:
		return nil, errors.New("voice: sink is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("module", "voice"), slog.String("userID", cfg.UserID)),
		state:  StateIdle,
	}, nil
}

// State returns the current state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SessionID returns the id of the current session. Every Start and Stop advances it, so callbacks holding an older
// id know their session is gone.
func (b *Bridge) SessionID() uint64 {
	return b.session.Load()
}

// Start tears down any previous session and opens a new one: it connects to the provider, opens the microphone
// and the speaker, and starts streaming. ctx bounds the setup only; the session lives until Stop or a failure.
//
// On failure every resource acquired so far is released, the sink is told about the error and the bridge returns
// to idle.
func (b *Bridge) Start(ctx context.Context) error {
	b.Stop()

	id := b.session.Add(1)
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &AudioSessionHandle{
		id:     id,
		cancel: cancel,
		logger: b.logger.With(slog.Uint64("session", id)),
	}
	if o := b.cfg.Observer; o != nil {
		o.VoiceSessionStarted()
		h.onEnd = o.VoiceSessionEnded
	}

	b.mu.Lock()
	b.handle = h
	b.mu.Unlock()
	b.setState(id, StateConnecting)

	conn, err := b.cfg.Provider.Connect(ctx, b.cfg.Live)
	if err != nil {
		var perr *models.ProviderError
		if !errors.As(err, &perr) {
			err = &models.ProviderError{Provider: "live", Err: err}
		}
		return b.abort(id, fmt.Errorf("connect: %w", err))
	}
	if !h.own(func() { h.conn = conn }) {
		_ = conn.Close()
		return ErrStopped
	}

	mic, err := b.cfg.Audio.OpenMicrophone(ctx)
	if err != nil {
		if !errors.Is(err, ErrMicrophoneAccessDenied) {
			err = fmt.Errorf("%w: open microphone: %v", ErrAudioPipeline, err)
		}
		return b.abort(id, err)
	}
	if !h.own(func() { h.mic = mic }) {
		_ = mic.Close()
		return ErrStopped
	}

	speaker, err := b.cfg.Audio.OpenSpeaker(ctx, PlaybackRate)
	if err != nil {
		return b.abort(id, fmt.Errorf("%w: open speaker: %v", ErrAudioPipeline, err))
	}
	if !h.own(func() { h.speaker = speaker }) {
		_ = speaker.Close()
		return ErrStopped
	}

	playback := NewPlayback(speaker, PlaybackRate, b.cfg.Clock)
	playback.OnActivity(
		func() { b.setState(id, StateSpeaking) },
		func() { b.transition(id, StateSpeaking, StateListening) },
	)

	frames := make(chan []byte, frameBacklog)
	capture, err := NewCapture(mic.SampleRate(), func(frame []byte) {
		select {
		case frames <- frame:
		default:
			h.logger.Debug("Dropped capture frame, provider is not keeping up")
		}
	})
	if err != nil {
		return b.abort(id, err)
	}

	started := h.own(func() {
		h.playback = playback
		h.capture = capture
		h.wg.Go(func() { b.pump(sctx, h, frames) })
		h.wg.Go(func() { b.receive(sctx, h) })
	})
	if !started {
		return ErrStopped
	}

	if err := mic.Start(capture.Write); err != nil {
		return b.abort(id, fmt.Errorf("%w: start microphone: %v", ErrAudioPipeline, err))
	}

	b.setState(id, StateListening)
	h.logger.Info("Voice session started", slog.Int("micRate", mic.SampleRate()))
	return nil
}

// Stop ends the current session and returns to idle. Calling it again, or with no session, does nothing.
func (b *Bridge) Stop() {
	b.mu.Lock()
	h := b.handle
	if h == nil && b.state == StateIdle {
		b.mu.Unlock()
		return
	}
	b.session.Add(1)
	b.handle = nil
	b.mu.Unlock()

	if h != nil {
		h.Dispose()
		h.logger.Info("Voice session stopped")
	}
	b.settle()
}

// settle moves a bridge without a session back to idle.
func (b *Bridge) settle() {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()

	b.mu.Lock()
	if b.handle != nil || b.state == StateIdle {
		b.mu.Unlock()
		return
	}
	b.state = StateIdle
	b.mu.Unlock()
	b.cfg.Sink.VoiceState(StateIdle)
}

func (b *Bridge) current(id uint64) bool {
	return b.session.Load() == id
}

func (b *Bridge) setState(id uint64, s State) {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()

	b.mu.Lock()
	if !b.current(id) || b.state == s || b.state == StateError {
		b.mu.Unlock()
		return
	}
	b.state = s
	b.mu.Unlock()
	b.cfg.Sink.VoiceState(s)
}

// transition moves from one state to another, and does nothing when the bridge is in any other state.
func (b *Bridge) transition(id uint64, from, to State) {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()

	b.mu.Lock()
	if !b.current(id) || b.state != from {
		b.mu.Unlock()
		return
	}
	b.state = to
	b.mu.Unlock()
	b.cfg.Sink.VoiceState(to)
}

func (b *Bridge) emit(id uint64, msg models.Message) {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	if !b.current(id) {
		return
	}
	b.cfg.Sink.VoiceMessage(msg)
}

// fail moves session id to the error state and reports err once. It returns the teardown that releases the
// session and brings the bridge back to idle, or nil when id is no longer current.
func (b *Bridge) fail(id uint64, err error) func() {
	b.sinkMu.Lock()
	b.mu.Lock()
	if !b.current(id) || b.handle == nil || b.handle.id != id {
		b.mu.Unlock()
		b.sinkMu.Unlock()
		return nil
	}
	h := b.handle
	b.handle = nil
	b.session.Add(1)
	b.state = StateError
	b.mu.Unlock()

	h.logger.Error("Voice session failed", slog.String(errLoggerKey, err.Error()))
	b.cfg.Sink.VoiceState(StateError)
	b.cfg.Sink.VoiceError(err)
	b.cfg.Sink.VoiceMessage(FallbackMessage(b.cfg.Language, err))
	b.sinkMu.Unlock()

	return func() {
		h.failed.Store(true)
		h.Dispose()
		b.settle()
	}
}

// abort fails a session that is still starting and tears it down before returning err.
func (b *Bridge) abort(id uint64, err error) error {
	teardown := b.fail(id, err)
	if teardown == nil {
		return ErrStopped
	}
	teardown()
	return err
}

// failAsync is used from the session's own goroutines, which the teardown waits for.
func (b *Bridge) failAsync(id uint64, err error) {
	if teardown := b.fail(id, err); teardown != nil {
		go teardown()
	}
}

func (b *Bridge) pump(ctx context.Context, h *AudioSessionHandle, frames <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			if err := h.conn.SendAudio(frame); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.failAsync(h.id, &models.ProviderError{Provider: "live", Err: fmt.Errorf("send audio: %w", err)})
				return
			}
		}
	}
}

func (b *Bridge) receive(ctx context.Context, h *AudioSessionHandle) {
	for {
		events, err := h.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.failAsync(h.id, &models.ProviderError{Provider: "live", Err: fmt.Errorf("receive: %w", err)})
			return
		}
		for _, ev := range events {
			if !b.current(h.id) {
				return
			}
			if err := b.handleEvent(ctx, h, ev); err != nil {
				b.failAsync(h.id, err)
				return
			}
		}
	}
}

func (b *Bridge) handleEvent(ctx context.Context, h *AudioSessionHandle, ev Event) error {
	switch ev.Type {
	case EventAudio:
		if _, err := h.playback.Schedule(ev.Audio); err != nil {
			return err
		}
	case EventInputTranscript:
		h.transcript.AddUser(ev.Text)
	case EventOutputTranscript:
		h.transcript.AddAssistant(ev.Text)
	case EventInterrupted:
		h.playback.Interrupt()
		b.setState(h.id, StateListening)
	case EventTurnComplete:
		user, assistant := h.transcript.Complete()
		if user != "" {
			b.emit(h.id, models.NewTextMessage(uuid.NewString(), models.RoleUser, user))
		}
		if assistant != "" {
			b.emit(h.id, models.NewTextMessage(uuid.NewString(), models.RoleAssistant, assistant))
		}
		b.transition(h.id, StateProcessing, b.idleState(h))
	case EventToolCall:
		return b.runTools(ctx, h, ev.ToolCalls)
	default:
		h.logger.Warn("Unknown live event", slog.String("type", string(ev.Type)))
	}
	return nil
}

// runTools dispatches the calls one at a time, in order, and answers the provider with all results at once.
func (b *Bridge) runTools(ctx context.Context, h *AudioSessionHandle, calls []models.ToolCall) error {
	if len(calls) == 0 {
		return nil
	}
	b.setState(h.id, StateProcessing)

	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		h.logger.Info("Dispatching tool call", slog.String("tool", call.Name), slog.String("callID", call.ID))
		res := b.cfg.Dispatcher.Dispatch(ctx, b.cfg.UserID, call)
		if !b.current(h.id) {
			return nil
		}
		res.CallID, res.Name = call.ID, call.Name
		results = append(results, res)
		b.emit(h.id, conversation.ToolResultMessage(b.cfg.Language, res))
	}

	if err := h.conn.SendToolResponses(results); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &models.ProviderError{Provider: "live", Err: fmt.Errorf("send tool responses: %w", err)}
	}
	b.transition(h.id, StateProcessing, b.idleState(h))
	return nil
}

// idleState is where an active session rests: speaking while audio is still queued, listening otherwise.
func (b *Bridge) idleState(h *AudioSessionHandle) State {
	if h.playback.Pending() > 0 {
		return StateSpeaking
	}
	return StateListening
}

// AudioSessionHandle owns every resource of one voice session. Dispose releases them exactly once.
type AudioSessionHandle struct {
	id     uint64
	cancel context.CancelFunc
	logger *slog.Logger
	onEnd  func(failed bool)
	failed atomic.Bool

	transcript Transcript
	wg         conc.WaitGroup
	once       sync.Once

	mu       sync.Mutex
	disposed bool
	conn     LiveConn
	mic      Microphone
	speaker  Speaker
	capture  *Capture
	playback *Playback
}

// own runs fn, which attaches resources to the handle, unless the handle was already disposed. When it reports
// false the caller still owns whatever it meant to attach.
func (h *AudioSessionHandle) own(fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return false
	}
	fn()
	return true
}

// Dispose tears the session down in order: the provider connection is closed, capture is detached and playback
// silenced, the microphone is stopped, both devices are closed and the playback bookkeeping is cleared. It then
// waits for the session's goroutines.
func (h *AudioSessionHandle) Dispose() {
	h.once.Do(func() {
		h.mu.Lock()
		h.disposed = true
		conn, mic, speaker, capture, playback := h.conn, h.mic, h.speaker, h.capture, h.playback
		h.mu.Unlock()

		h.cancel()
		if conn != nil {
			if err := conn.Close(); err != nil {
				h.logger.Warn("Failed to close live connection", slog.String(errLoggerKey, err.Error()))
			}
		}
		if capture != nil {
			capture.Close()
		}
		if playback != nil {
			playback.Interrupt()
		}
		if mic != nil {
			if err := mic.Stop(); err != nil {
				h.logger.Warn("Failed to stop microphone", slog.String(errLoggerKey, err.Error()))
			}
			if err := mic.Close(); err != nil {
				h.logger.Warn("Failed to close microphone", slog.String(errLoggerKey, err.Error()))
			}
		}
		if speaker != nil {
			if err := speaker.Close(); err != nil {
				h.logger.Warn("Failed to close speaker", slog.String(errLoggerKey, err.Error()))
			}
		}
		if playback != nil {
			playback.Clear()
		}
		h.wg.Wait()

		if h.onEnd != nil {
			h.onEnd(h.failed.Load())
		}
	})
}
