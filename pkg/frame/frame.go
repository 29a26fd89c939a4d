// Package frame holds the raw program counters captured while unwinding
// one thread's stack.
package frame

import "errors"

// ErrLimit is returned by [Buffer.Capture] once the configured frame limit
// has been reached. The frame that hit the limit is still captured; the
// caller is expected to stop pulling frames from the unwinder.
var ErrLimit = errors.New("frame limit reached")

// initialCapacity is the starting buffer size when no frame limit is set.
const initialCapacity = 2048

// Frame is one position in a thread's call chain as reported by the
// unwinder. Activation is true when the frame is the interrupted execution
// context itself (the innermost frame, or a signal frame) rather than a
// return address pushed by a call instruction.
type Frame struct {
	PC         uint64
	Activation bool
}

// Adjusted returns the address to use for symbol and line lookups.
// A return address points just after the call instruction, so
// non-activation frames are adjusted back by one byte.
func (f Frame) Adjusted() uint64 {
	if f.Activation {
		return f.PC
	}
	return f.PC - 1
}

// Buffer is a growable sequence of frames for a single thread. It is
// created once per run and reused across threads via [Buffer.Reset].
type Buffer struct {
	frames []Frame // len(frames) is the current capacity
	count  int
	limit  int // 0 means unlimited
}

// NewBuffer returns a buffer that captures at most limit frames.
// With limit 0 the buffer grows without bound, doubling as needed.
func NewBuffer(limit int) *Buffer {
	capa := limit
	if limit <= 0 {
		limit = 0
		capa = initialCapacity
	}
	return &Buffer{
		frames: make([]Frame, capa),
		limit:  limit,
	}
}

// Reset forgets all captured frames. Capacity is retained.
func (b *Buffer) Reset() {
	b.count = 0
}

// Capture appends one frame. It returns [ErrLimit] after capturing the
// frame that reaches the configured limit.
func (b *Buffer) Capture(pc uint64, activation bool) error {
	b.frames[b.count] = Frame{PC: pc, Activation: activation}
	b.count++
	if b.limit > 0 && b.count == b.limit {
		return ErrLimit
	}
	if b.count == len(b.frames) {
		grown := make([]Frame, 2*len(b.frames))
		copy(grown, b.frames)
		b.frames = grown
	}
	return nil
}

// Len returns the number of captured frames.
func (b *Buffer) Len() int {
	return b.count
}

// Cap returns the current capacity.
func (b *Buffer) Cap() int {
	return len(b.frames)
}

// At returns the i-th captured frame.
func (b *Buffer) At(i int) Frame {
	return b.frames[i]
}
