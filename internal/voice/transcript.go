package voice

import (
	"strings"
	"sync"
)

// Transcript accumulates the partial transcripts of the current turn, one buffer per speaker.
type Transcript struct {
	mu        sync.Mutex
	user      strings.Builder
	assistant strings.Builder
}

// AddUser appends a piece of the user's speech.
func (t *Transcript) AddUser(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.user.WriteString(text)
}

// AddAssistant appends a piece of the assistant's speech.
func (t *Transcript) AddAssistant(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assistant.WriteString(text)
}

// Partial returns the running buffers.
func (t *Transcript) Partial() (user, assistant string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.user.String(), t.assistant.String()
}

// Complete returns the finalized transcripts of the turn and clears both buffers.
func (t *Transcript) Complete() (user, assistant string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	user, assistant = strings.TrimSpace(t.user.String()), strings.TrimSpace(t.assistant.String())
	t.user.Reset()
	t.assistant.Reset()
	return user, assistant
}
