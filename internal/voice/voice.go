// Package voice runs the realtime audio channel: microphone audio streams to a live provider, the provider's
// audio is played back on a gap-free timeline, transcripts become chat messages and tool calls go through the
// same gated dispatcher as text turns.
package voice

import (
	"context"
	"errors"

	"github.com/MegaGrindStone/bank-assistant/internal/i18n"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/go-mcp"
	"github.com/google/uuid"
)

var (
	// ErrMicrophoneAccessDenied is returned when the capture device can't be opened or the user refused it.
	ErrMicrophoneAccessDenied = errors.New("microphone access denied")
	// ErrAudioPipeline marks a failure of the local capture or playback pipeline.
	ErrAudioPipeline = errors.New("audio pipeline error")
	// ErrStopped is returned by Start when the session was stopped before it finished starting.
	ErrStopped = errors.New("voice session stopped")
)

// State is the bridge's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateListening  State = "listening"
	StateSpeaking   State = "speaking"
	StateProcessing State = "processing"
	StateError      State = "error"
)

// EventType tells what a provider event carries.
type EventType string

const (
	// EventAudio carries 16-bit PCM at PlaybackRate.
	EventAudio EventType = "audio"
	// EventInputTranscript carries a piece of what the user said.
	EventInputTranscript EventType = "input_transcript"
	// EventOutputTranscript carries a piece of what the assistant said.
	EventOutputTranscript EventType = "output_transcript"
	// EventToolCall carries the calls the model wants executed before it continues.
	EventToolCall EventType = "tool_call"
	// EventTurnComplete closes a turn; transcripts are final.
	EventTurnComplete EventType = "turn_complete"
	// EventInterrupted signals the user started speaking over the assistant.
	EventInterrupted EventType = "interrupted"
)

// Event is one thing the live provider sent.
type Event struct {
	Type      EventType
	Audio     []byte
	Text      string
	ToolCalls []models.ToolCall
}

// LiveConfig is what a live session is opened with.
type LiveConfig struct {
	SystemInstruction string
	Tools             []mcp.Tool
	Language          string
	Voice             string
}

// LiveProvider opens realtime sessions.
type LiveProvider interface {
	Connect(ctx context.Context, cfg LiveConfig) (LiveConn, error)
}

// LiveConn is an open realtime session. Receive blocks until the provider sends something and may return several
// events from one provider message, in order. Close unblocks Receive.
type LiveConn interface {
	SendAudio(pcm []byte) error
	SendToolResponses(results []models.ToolResult) error
	Receive() ([]Event, error)
	Close() error
}

// Microphone delivers mono float32 samples at SampleRate to the callback passed to Start. The callback runs on
// the device's own goroutine.
type Microphone interface {
	SampleRate() int
	Start(onSamples func(samples []float32)) error
	Stop() error
	Close() error
}

// Speaker plays 16-bit little-endian mono PCM. Reset drops whatever was queued but not yet heard.
type Speaker interface {
	Write(pcm []byte) error
	Reset()
	Close() error
}

// AudioBackend opens the local audio devices. OpenMicrophone returns an error wrapping ErrMicrophoneAccessDenied
// when the user or the platform refused access.
type AudioBackend interface {
	OpenMicrophone(ctx context.Context) (Microphone, error)
	OpenSpeaker(ctx context.Context, sampleRate int) (Speaker, error)
}

// Dispatcher executes tool calls. Pass the step-up gate so sensitive calls are challenged.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, call models.ToolCall) models.ToolResult
}

// Sink receives what the bridge produces. Calls may come from different goroutines but never concurrently for
// the same session.
type Sink interface {
	// VoiceMessage delivers a finalized transcript or a tool outcome.
	VoiceMessage(msg models.Message)
	VoiceState(state State)
	// VoiceError reports the failure that ended a session.
	VoiceError(err error)
}

// Observer is notified of session lifecycles.
type Observer interface {
	VoiceSessionStarted()
	VoiceSessionEnded(failed bool)
}

// FallbackMessage is the localized system message shown when a voice session fails.
func FallbackMessage(lang string, err error) models.Message {
	key := i18n.VoiceStopped
	switch {
	case errors.Is(err, ErrMicrophoneAccessDenied):
		key = i18n.MicrophoneDenied
	case errors.Is(err, ErrAudioPipeline):
		key = i18n.AudioPipelineFailed
	}
	return models.NewTextMessage(uuid.NewString(), models.RoleSystem, i18n.Text(lang, key))
}
