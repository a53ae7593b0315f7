package voice

import (
	"fmt"
	"sync"
	"time"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock is the time source of the playback timeline.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Playback schedules provider audio back to back on a monotonically advancing timeline: each frame starts when
// the previous one ends, or now if the speaker has gone quiet. It tracks which frames are still audible so the
// bridge knows when the assistant stops speaking.
type Playback struct {
	speaker Speaker
	rate    int
	clock   Clock

	mu      sync.Mutex
	gen     uint64
	next    time.Time
	seq     uint64
	pending map[uint64]Timer

	onStart func()
	onDrain func()
}

// NewPlayback creates a scheduler writing to speaker at rate.
func NewPlayback(speaker Speaker, rate int, clock Clock) *Playback {
	if clock == nil {
		clock = SystemClock
	}
	return &Playback{
		speaker: speaker,
		rate:    rate,
		clock:   clock,
		pending: make(map[uint64]Timer),
	}
}

// OnActivity registers callbacks for the first frame scheduled on a quiet speaker and for the end of the last
// scheduled frame.
func (p *Playback) OnActivity(start, drain func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStart, p.onDrain = start, drain
}

// Schedule plays pcm after everything already scheduled and returns when it starts.
func (p *Playback) Schedule(pcm []byte) (time.Time, error) {
	d := PCMDuration(len(pcm), p.rate)
	if d <= 0 {
		return p.clock.Now(), nil
	}
	if err := p.speaker.Write(pcm); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrAudioPipeline, err)
	}

	p.mu.Lock()
	now := p.clock.Now()
	start := p.next
	if start.Before(now) {
		start = now
	}
	end := start.Add(d)
	p.next = end

	wasQuiet := len(p.pending) == 0
	p.seq++
	id, gen := p.seq, p.gen
	p.pending[id] = p.clock.AfterFunc(end.Sub(now), func() { p.finished(gen, id) })
	onStart := p.onStart
	p.mu.Unlock()

	if wasQuiet && onStart != nil {
		onStart()
	}
	return start, nil
}

func (p *Playback) finished(gen, id uint64) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	delete(p.pending, id)
	drained := len(p.pending) == 0
	onDrain := p.onDrain
	p.mu.Unlock()

	if drained && onDrain != nil {
		onDrain()
	}
}

// Interrupt stops everything scheduled or playing and resets the timeline. Callbacks of the dropped frames never
// fire.
func (p *Playback) Interrupt() {
	p.Clear()
	p.speaker.Reset()
}

// Clear drops the bookkeeping of scheduled frames without touching the speaker.
func (p *Playback) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	for id, t := range p.pending {
		t.Stop()
		delete(p.pending, id)
	}
	p.next = time.Time{}
}

// Pending returns the number of frames scheduled or playing.
func (p *Playback) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// End returns when the last scheduled frame finishes, or the zero time when nothing is scheduled.
func (p *Playback) End() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return time.Time{}
	}
	return p.next
}
