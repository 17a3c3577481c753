package stream

// frameBuffer is a bounded FIFO of audio frames used during stream startup.
// When full, the oldest frame is dropped to make room; flushing drains all
// frames in arrival order. Not safe for concurrent use; the manager guards
// it with its own mutex.
type frameBuffer struct {
	frames  [][]byte
	head    int
	size    int
	dropped int
}

// newFrameBuffer creates a buffer holding at most capacity frames.
func newFrameBuffer(capacity int) *frameBuffer {
	return &frameBuffer{frames: make([][]byte, capacity)}
}

// Push appends frame, evicting the oldest entry when the buffer is full.
func (b *frameBuffer) Push(frame []byte) {
	if len(b.frames) == 0 {
		b.dropped++
		return
	}
	if b.size == len(b.frames) {
		// Overwrite the oldest slot.
		b.frames[b.head] = frame
		b.head = (b.head + 1) % len(b.frames)
		b.dropped++
		return
	}
	b.frames[(b.head+b.size)%len(b.frames)] = frame
	b.size++
}

// Drain returns all buffered frames in arrival order and resets the buffer.
func (b *frameBuffer) Drain() [][]byte {
	out := make([][]byte, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.frames[(b.head+i)%len(b.frames)])
	}
	b.head = 0
	b.size = 0
	for i := range b.frames {
		b.frames[i] = nil
	}
	return out
}

// Len returns the number of buffered frames.
func (b *frameBuffer) Len() int { return b.size }

// Dropped returns how many frames were evicted due to overflow.
func (b *frameBuffer) Dropped() int { return b.dropped }
