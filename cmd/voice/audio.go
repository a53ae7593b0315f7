package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/MegaGrindStone/bank-assistant/internal/voice"
	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
)

// captureRate is what the microphone is opened at; the bridge resamples it.
const captureRate = 48000

// deviceAudio is the local sound card as the bridge's audio backend. oto allows one context per process, so the
// speaker context is created up front and reused by every session.
type deviceAudio struct {
	malgoCtx *malgo.AllocatedContext
	otoCtx   *oto.Context
}

func newDeviceAudio() (*deviceAudio, error) {
	malgoConfig := malgo.ContextConfig{}
	malgoConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, malgoConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}

	// At 24kHz mono 16-bit: 4800 bytes = 100ms of audio
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   voice.PlaybackRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   4800,
	})
	if err != nil {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return nil, fmt.Errorf("failed to init speaker: %w", err)
	}
	<-ready

	return &deviceAudio{malgoCtx: malgoCtx, otoCtx: otoCtx}, nil
}

func (a *deviceAudio) Close() {
	_ = a.malgoCtx.Uninit()
	a.malgoCtx.Free()
}

func (a *deviceAudio) OpenMicrophone(context.Context) (voice.Microphone, error) {
	mic := &deviceMicrophone{}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = captureRate
	deviceConfig.PeriodSizeInMilliseconds = 20

	device, err := malgo.InitDevice(a.malgoCtx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			mic.deliver(voice.DecodeFloat32(pInputSamples))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init microphone: %w", err)
	}
	mic.device = device
	return mic, nil
}

func (a *deviceAudio) OpenSpeaker(_ context.Context, sampleRate int) (voice.Speaker, error) {
	if sampleRate != voice.PlaybackRate {
		return nil, fmt.Errorf("speaker runs at %d Hz, not %d", voice.PlaybackRate, sampleRate)
	}
	s := &deviceSpeaker{otoCtx: a.otoCtx}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

type deviceMicrophone struct {
	device *malgo.Device

	mu        sync.Mutex
	onSamples func([]float32)
}

func (m *deviceMicrophone) SampleRate() int { return captureRate }

func (m *deviceMicrophone) Start(onSamples func([]float32)) error {
	m.mu.Lock()
	m.onSamples = onSamples
	m.mu.Unlock()
	return m.device.Start()
}

func (m *deviceMicrophone) Stop() error {
	m.mu.Lock()
	m.onSamples = nil
	m.mu.Unlock()
	return m.device.Stop()
}

func (m *deviceMicrophone) Close() error {
	err := m.Stop()
	m.device.Uninit()
	return err
}

func (m *deviceMicrophone) deliver(samples []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onSamples != nil {
		m.onSamples(samples)
	}
}

// deviceSpeaker queues PCM for an oto player, which pulls it through Read.
type deviceSpeaker struct {
	otoCtx *oto.Context

	mu     sync.Mutex
	cond   *sync.Cond
	player *oto.Player
	buf    []byte
	closed bool
}

func (s *deviceSpeaker) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("speaker closed")
	}

	s.buf = append(s.buf, pcm...)
	if s.player == nil {
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
	return nil
}

// Read implements io.Reader for oto.Player.
func (s *deviceSpeaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}

	if len(s.buf) == 0 {
		// Silence lets oto drain after Close.
		clear(p)
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Reset drops queued audio and oto's own buffer so the next Write starts fresh.
func (s *deviceSpeaker) Reset() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	player := s.player
	s.player = nil
	s.mu.Unlock()

	if player != nil {
		player.Pause()
		player.Reset()
		_ = player.Close()
	}
}

func (s *deviceSpeaker) Close() error {
	s.mu.Lock()
	s.closed = true
	player := s.player
	s.player = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}
