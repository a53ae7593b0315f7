package handlers

import (
	"sync"

	"github.com/MegaGrindStone/bank-assistant/internal/voice"
)

// activity tracks what each chat is busy with. A chat runs either one text turn or one voice session.
type activity struct {
	mu     sync.Mutex
	turns  map[string]struct{}
	voices map[string]*voice.Bridge
}

func newActivity() *activity {
	return &activity{
		turns:  make(map[string]struct{}),
		voices: make(map[string]*voice.Bridge),
	}
}

// beginTurn reserves the chat for a text turn. It fails while another turn or a voice session is running.
func (a *activity) beginTurn(chatID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.turns[chatID]; ok {
		return false
	}
	if _, ok := a.voices[chatID]; ok {
		return false
	}
	a.turns[chatID] = struct{}{}
	return true
}

func (a *activity) endTurn(chatID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.turns, chatID)
}

// attachVoice makes b the chat's voice session and returns the one it replaces. It fails while a text turn is
// running.
func (a *activity) attachVoice(chatID string, b *voice.Bridge) (*voice.Bridge, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.turns[chatID]; ok {
		return nil, false
	}
	prev := a.voices[chatID]
	a.voices[chatID] = b
	return prev, true
}

// detachVoice forgets b unless it was already replaced.
func (a *activity) detachVoice(chatID string, b *voice.Bridge) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.voices[chatID] == b {
		delete(a.voices, chatID)
	}
}

func (a *activity) voice(chatID string) *voice.Bridge {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.voices[chatID]
}

func (a *activity) stopVoices() {
	a.mu.Lock()
	bridges := make([]*voice.Bridge, 0, len(a.voices))
	for _, b := range a.voices {
		bridges = append(bridges, b)
	}
	a.mu.Unlock()

	for _, b := range bridges {
		b.Stop()
	}
}
