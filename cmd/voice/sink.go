package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/MegaGrindStone/bank-assistant/internal/voice"
)

// terminalSink prints the conversation. done is closed when a session fails, so the command can exit.
type terminalSink struct {
	w io.Writer

	once sync.Once
	done chan struct{}
}

func newTerminalSink(w io.Writer) *terminalSink {
	return &terminalSink{w: w, done: make(chan struct{})}
}

func (s *terminalSink) VoiceMessage(msg models.Message) {
	label := "Assistant"
	switch msg.Role {
	case models.RoleUser:
		label = "You"
	case models.RoleSystem:
		label = "Bank"
	}
	fmt.Fprintf(s.w, "%s: %s\n", label, msg.Text())
}

func (s *terminalSink) VoiceState(state voice.State) {
	fmt.Fprintf(s.w, "[%s]\n", state)
}

func (s *terminalSink) VoiceError(error) {
	s.once.Do(func() { close(s.done) })
}
