package audio

import (
	"encoding/binary"
	"sync"
)

// Frame is one window of normalized samples in [-1, 1].
type Frame []float32

// FrameSource is polled once per scheduling tick by the detector loop.
type FrameSource interface {
	// NextFrame returns the most recent window of audio, or false when
	// nothing new arrived since the previous call.
	NextFrame() (Frame, bool)
}

// FrameBuffer keeps the latest FrameSize samples written by a capture
// callback. Readers get a copy of the newest window, so a slow reader skips
// audio instead of queueing it.
type FrameBuffer struct {
	mu    sync.Mutex
	ring  []float32
	pos   int
	fill  int
	dirty bool
}

func NewFrameBuffer(size int) *FrameBuffer {
	if size <= 0 {
		size = FrameSize
	}
	return &FrameBuffer{ring: make([]float32, size)}
}

// Callback adapts the buffer to a CaptureDevice data callback carrying
// little-endian 16-bit mono PCM.
func (b *FrameBuffer) Callback() DataCallback {
	return func(data []byte, _ uint32) {
		b.WritePCM16(data)
	}
}

func (b *FrameBuffer) WritePCM16(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i+1 < len(data); i += 2 {
		s := int16(binary.LittleEndian.Uint16(data[i:]))
		b.push(float32(s) / 32768.0)
	}
	if len(data) > 1 {
		b.dirty = true
	}
}

func (b *FrameBuffer) Write(samples []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range samples {
		b.push(s)
	}
	if len(samples) > 0 {
		b.dirty = true
	}
}

func (b *FrameBuffer) push(s float32) {
	b.ring[b.pos] = s
	b.pos = (b.pos + 1) % len(b.ring)
	if b.fill < len(b.ring) {
		b.fill++
	}
}

func (b *FrameBuffer) NextFrame() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty || b.fill == 0 {
		return nil, false
	}
	b.dirty = false
	out := make(Frame, b.fill)
	start := (b.pos - b.fill + len(b.ring)) % len(b.ring)
	for i := range out {
		out[i] = b.ring[(start+i)%len(b.ring)]
	}
	return out, true
}

// Reset drops buffered audio, used when the session restarts.
func (b *FrameBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.ring)
	b.pos, b.fill, b.dirty = 0, 0, false
}
