package voice

import (
	"fmt"
	"math"
	"sync"
)

// Capture turns device audio into provider frames: mono float32 at the device rate is resampled to CaptureRate
// by linear interpolation, converted to 16-bit PCM and cut into FrameSamples-sized frames. Writes from the
// device callback and Close may race; both are serialized.
type Capture struct {
	mu sync.Mutex

	step float64
	// pos is the input position of the next output sample, relative to the start of the next block. It is -1
	// when the sample falls between the previous block's last sample and the next block's first.
	pos  float64
	prev float32

	frame []int16
	emit  func(frame []byte)
}

// NewCapture creates a pipeline for a device running at inRate. emit receives every complete frame.
func NewCapture(inRate int, emit func(frame []byte)) (*Capture, error) {
	if inRate <= 0 {
		return nil, fmt.Errorf("%w: invalid capture sample rate %d", ErrAudioPipeline, inRate)
	}
	return &Capture{
		step:  float64(inRate) / CaptureRate,
		frame: make([]int16, 0, FrameSamples),
		emit:  emit,
	}, nil
}

// Write feeds a block of device samples.
func (c *Capture) Write(samples []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.emit == nil || len(samples) == 0 {
		return
	}

	at := func(i int) float32 {
		if i < 0 {
			return c.prev
		}
		return samples[i]
	}

	for {
		i := int(math.Floor(c.pos))
		if i+1 >= len(samples) {
			break
		}
		frac := float32(c.pos - float64(i))
		a, b := at(i), samples[i+1]
		c.push(FloatToPCM16(a + (b-a)*frac))
		c.pos += c.step
	}
	c.pos -= float64(len(samples))
	c.prev = samples[len(samples)-1]
}

func (c *Capture) push(s int16) {
	c.frame = append(c.frame, s)
	if len(c.frame) < FrameSamples {
		return
	}
	frame := EncodePCM16(c.frame)
	c.frame = c.frame[:0]
	c.emit(frame)
}

// Close detaches the pipeline: later writes are dropped along with any partial frame.
func (c *Capture) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emit = nil
	c.frame = c.frame[:0]
}
