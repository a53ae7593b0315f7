package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/bank-assistant/internal/voice"
	"github.com/google/uuid"
	"google.golang.org/genai"
)

const captureMIMEType = "audio/pcm;rate=16000"

// speechLanguages maps response languages to the locales the live API speaks.
var speechLanguages = map[string]string{
	"en": "en-US",
	"es": "es-US",
	"fr": "fr-FR",
	"de": "de-DE",
	"pt": "pt-BR",
}

// GeminiLive opens realtime audio sessions on the Gemini Live API.
type GeminiLive struct {
	client *genai.Client
	model  string
	voice  string

	logger *slog.Logger
}

// GeminiLiveConn is one open live session.
type GeminiLiveConn struct {
	session *genai.Session
	logger  *slog.Logger

	// The session's send methods are not safe for concurrent use; audio and tool responses come from different
	// goroutines.
	sendMu sync.Mutex
}

// NewGeminiLive creates a live provider sharing client with the text provider. voiceName selects a prebuilt voice,
// the API default is used when empty.
func NewGeminiLive(client *genai.Client, model, voiceName string, logger *slog.Logger) GeminiLive {
	return GeminiLive{
		client: client,
		model:  model,
		voice:  voiceName,
		logger: logger.With(slog.String("module", "gemini-live")),
	}
}

// Connect implements voice.LiveProvider.
func (g GeminiLive) Connect(ctx context.Context, cfg voice.LiveConfig) (voice.LiveConn, error) {
	session, err := g.client.Live.Connect(ctx, g.model, g.connectConfig(cfg))
	if err != nil {
		return nil, providerError("gemini-live", fmt.Errorf("failed to connect: %w", err))
	}
	g.logger.Info("Live session opened", slog.String("model", g.model), slog.Int("tools", len(cfg.Tools)))
	return &GeminiLiveConn{session: session, logger: g.logger}, nil
}

func (g GeminiLive) connectConfig(cfg voice.LiveConfig) *genai.LiveConnectConfig {
	speech := &genai.SpeechConfig{LanguageCode: speechLanguages[cfg.Language]}
	name := cfg.Voice
	if name == "" {
		name = g.voice
	}
	if name != "" {
		speech.VoiceConfig = &genai.VoiceConfig{
			PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: name},
		}
	}

	c := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		Tools:                    GeminiTools(cfg.Tools),
		SpeechConfig:             speech,
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.SystemInstruction != "" {
		c.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	return c
}

// SendAudio streams one captured frame.
func (c *GeminiLiveConn) SendAudio(pcm []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: captureMIMEType},
	})
}

// SendToolResponses answers the calls of one tool-call event.
func (c *GeminiLiveConn) SendToolResponses(results []models.ToolResult) error {
	resps := make([]*genai.FunctionResponse, 0, len(results))
	for _, res := range results {
		resps = append(resps, &genai.FunctionResponse{
			ID:       res.CallID,
			Name:     res.Name,
			Response: res.Response(),
		})
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.session.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: resps})
}

// Receive blocks for the next server message. Messages with nothing the bridge cares about, such as the setup
// acknowledgement, yield no events.
func (c *GeminiLiveConn) Receive() ([]voice.Event, error) {
	msg, err := c.session.Receive()
	if err != nil {
		return nil, err
	}
	if msg.GoAway != nil {
		c.logger.Warn("Live session is about to be closed by the server")
	}
	return liveEvents(msg), nil
}

// Close ends the session and unblocks Receive.
func (c *GeminiLiveConn) Close() error {
	return c.session.Close()
}

// liveEvents flattens a server message into bridge events, preserving the order the API defines: transcripts,
// audio, then the interruption and turn-completion signals, with tool calls last.
func liveEvents(msg *genai.LiveServerMessage) []voice.Event {
	if msg == nil {
		return nil
	}
	var events []voice.Event

	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			events = append(events, voice.Event{Type: voice.EventInputTranscript, Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			events = append(events, voice.Event{Type: voice.EventOutputTranscript, Text: sc.OutputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
					continue
				}
				events = append(events, voice.Event{Type: voice.EventAudio, Audio: part.InlineData.Data})
			}
		}
		if sc.Interrupted {
			events = append(events, voice.Event{Type: voice.EventInterrupted})
		}
		if sc.TurnComplete {
			events = append(events, voice.Event{Type: voice.EventTurnComplete})
		}
	}

	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]models.ToolCall, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			id := fc.ID
			if id == "" {
				id = uuid.NewString()
			}
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, models.ToolCall{ID: id, Name: fc.Name, Arguments: args})
		}
		events = append(events, voice.Event{Type: voice.EventToolCall, ToolCalls: calls})
	}
	return events
}
