package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/conversation"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/bank-assistant/internal/voice"
	"github.com/gorilla/websocket"
)

const (
	voiceHandshakeTimeout = 5 * time.Second
	voiceWriteTimeout     = 5 * time.Second
	voiceMaxFrameBytes    = 1 << 20
)

// voiceHello is the first frame the browser sends: the rate of the float32 samples it will stream and whether the
// user granted the microphone.
type voiceHello struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate"`
	Microphone bool   `json:"microphone"`
}

// voiceFrame is a server to browser control frame. Audio travels in binary frames.
type voiceFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId,omitempty"`
	State  string `json:"state,omitempty"`
	HTML   string `json:"html,omitempty"`
}

// HandleVoice upgrades to a websocket and runs a realtime voice session on the chat named by chat_id (a new chat
// when empty). The browser sends a hello frame, then float32 little-endian microphone samples in binary frames;
// it receives 16-bit PCM at 24 kHz in binary frames and JSON frames for states, messages and playback clears.
// Closing the socket tears the session down.
func (m Main) HandleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if m.live == nil {
		http.Error(w, "Voice mode is not configured", http.StatusServiceUnavailable)
		return
	}

	userID := identify(r, m.defaultUser)
	var ch models.Chat
	var err error
	if chatID := r.URL.Query().Get("chat_id"); chatID != "" {
		ch, err = m.userChat(r.Context(), userID, chatID)
		if err != nil {
			m.chatError(w, chatID, err)
			return
		}
	} else {
		lang := r.URL.Query().Get("lang")
		if lang == "" {
			lang = r.Header.Get("Accept-Language")
		}
		ch, err = m.newChat(r.Context(), userID, lang)
		if err != nil {
			m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	profile, err := m.profile(r.Context(), userID, ch.Language)
	if err != nil {
		m.logger.Error("Failed to load profile",
			slog.String("userID", userID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("Websocket upgrade failed", slog.String(errLoggerKey, err.Error()))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(voiceMaxFrameBytes)
	conn := &voiceConn{ws: ws}

	_ = ws.SetReadDeadline(time.Now().Add(voiceHandshakeTimeout))
	var hello voiceHello
	if err := ws.ReadJSON(&hello); err != nil || hello.Type != "hello" {
		m.logger.Warn("Invalid voice hello", slog.Any(errLoggerKey, err))
		_ = conn.close(websocket.CloseProtocolError, "hello expected")
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	audio := &voiceAudio{conn: conn, mic: &voiceMicrophone{rate: hello.SampleRate}, granted: hello.Microphone}
	sink := &voiceSink{main: m, chatID: ch.ID, conn: conn}
	bridge, err := voice.NewBridge(voice.Config{
		UserID:   userID,
		Language: profile.Language,
		Live: voice.LiveConfig{
			SystemInstruction: conversation.SystemInstruction(profile),
			Tools:             m.tools,
			Language:          profile.Language,
			Voice:             m.liveVoice,
		},
		Provider:   m.live,
		Audio:      audio,
		Dispatcher: m.dispatcher,
		Sink:       sink,
		Observer:   m.voiceObserver,
		Logger:     m.logger,
	})
	if err != nil {
		m.logger.Error("Failed to create voice bridge", slog.String(errLoggerKey, err.Error()))
		_ = conn.close(websocket.CloseInternalServerErr, "voice unavailable")
		return
	}

	prev, ok := m.activity.attachVoice(ch.ID, bridge)
	if !ok {
		_ = conn.close(websocket.ClosePolicyViolation, "the assistant is still answering")
		return
	}
	if prev != nil {
		prev.Stop()
	}
	defer func() {
		bridge.Stop()
		m.activity.detachVoice(ch.ID, bridge)
		// The next text turn rebuilds its session from the stored history, voice transcripts included.
		m.sessions.Reset(ch.ID)
	}()

	if err := conn.writeJSON(voiceFrame{Type: "chat", ChatID: ch.ID}); err != nil {
		return
	}

	if err := bridge.Start(r.Context()); err != nil {
		// The sink already told the browser.
		m.logger.Warn("Voice session did not start",
			slog.String("chatID", ch.ID),
			slog.String(errLoggerKey, err.Error()))
		_ = conn.close(websocket.CloseNormalClosure, "")
		return
	}

	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		switch typ {
		case websocket.BinaryMessage:
			audio.mic.feed(voice.DecodeFloat32(data))
		case websocket.TextMessage:
			var f voiceFrame
			if err := json.Unmarshal(data, &f); err == nil && f.Type == "stop" {
				_ = conn.close(websocket.CloseNormalClosure, "")
				return
			}
		}
	}
}

// voiceConn serializes writes; gorilla connections allow one writer at a time.
type voiceConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *voiceConn) write(typ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(voiceWriteTimeout))
	return c.ws.WriteMessage(typ, data)
}

func (c *voiceConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *voiceConn) close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason),
		time.Now().Add(voiceWriteTimeout))
}

// voiceAudio is the browser as the bridge's audio backend.
type voiceAudio struct {
	conn    *voiceConn
	mic     *voiceMicrophone
	granted bool
}

func (a *voiceAudio) OpenMicrophone(context.Context) (voice.Microphone, error) {
	if !a.granted {
		return nil, voice.ErrMicrophoneAccessDenied
	}
	if a.mic.rate <= 0 {
		return nil, fmt.Errorf("%w: invalid capture rate %d", voice.ErrAudioPipeline, a.mic.rate)
	}
	return a.mic, nil
}

func (a *voiceAudio) OpenSpeaker(context.Context, int) (voice.Speaker, error) {
	return &voiceSpeaker{conn: a.conn}, nil
}

// voiceMicrophone hands the samples read from the socket to the bridge while it is started.
type voiceMicrophone struct {
	rate int

	mu        sync.Mutex
	onSamples func([]float32)
}

func (mic *voiceMicrophone) SampleRate() int { return mic.rate }

func (mic *voiceMicrophone) Start(onSamples func([]float32)) error {
	mic.mu.Lock()
	defer mic.mu.Unlock()
	mic.onSamples = onSamples
	return nil
}

func (mic *voiceMicrophone) Stop() error {
	mic.mu.Lock()
	defer mic.mu.Unlock()
	mic.onSamples = nil
	return nil
}

func (mic *voiceMicrophone) Close() error {
	return mic.Stop()
}

func (mic *voiceMicrophone) feed(samples []float32) {
	mic.mu.Lock()
	defer mic.mu.Unlock()
	if mic.onSamples != nil && len(samples) > 0 {
		mic.onSamples(samples)
	}
}

// voiceSpeaker forwards playback audio; the browser queues it on its own audio clock.
type voiceSpeaker struct {
	conn *voiceConn
}

func (s *voiceSpeaker) Write(pcm []byte) error {
	return s.conn.write(websocket.BinaryMessage, pcm)
}

func (s *voiceSpeaker) Reset() {
	_ = s.conn.writeJSON(voiceFrame{Type: "clear"})
}

func (s *voiceSpeaker) Close() error { return nil }

// voiceSink stores finalized voice messages in the chat and mirrors everything to the browser.
type voiceSink struct {
	main   Main
	chatID string
	conn   *voiceConn
}

func (s *voiceSink) VoiceMessage(msg models.Message) {
	var err error
	msg.ID, err = s.main.store.AddMessage(context.Background(), s.chatID, msg)
	if err != nil {
		s.main.logger.Error("Failed to add voice message",
			slog.String("chatID", s.chatID),
			slog.String(errLoggerKey, err.Error()))
	}
	content, err := s.main.renderMessageHTML(msg)
	if err != nil {
		s.main.logger.Error("Failed to render voice message", slog.String(errLoggerKey, err.Error()))
		return
	}
	_ = s.conn.writeJSON(voiceFrame{Type: "message", HTML: content})
}

func (s *voiceSink) VoiceState(state voice.State) {
	_ = s.conn.writeJSON(voiceFrame{Type: "state", State: string(state)})
}

func (s *voiceSink) VoiceError(err error) {
	s.main.logger.Error("Voice session failed",
		slog.String("chatID", s.chatID),
		slog.String(errLoggerKey, err.Error()))
	_ = s.conn.writeJSON(voiceFrame{Type: "error"})
}
