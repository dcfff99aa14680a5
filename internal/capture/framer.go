package capture

// BlockSize is the default number of samples per outbound frame. At 16 kHz
// one block is 256ms of audio.
const BlockSize = 4096

// Framer accumulates arbitrarily sized sample chunks into fixed-size blocks.
// Each full block is emitted exactly once, in capture order. A trailing
// partial block is held until more samples arrive and is discarded by
// [Framer.Reset].
//
// Framer is not safe for concurrent use; it is owned by the capture goroutine.
type Framer struct {
	size int
	buf  []float32
}

// NewFramer returns a Framer emitting blocks of size samples. Values ≤ 0 use
// [BlockSize].
func NewFramer(size int) *Framer {
	if size <= 0 {
		size = BlockSize
	}
	return &Framer{size: size, buf: make([]float32, 0, size)}
}

// Size returns the block size in samples.
func (f *Framer) Size() int { return f.size }

// Pending returns the number of buffered samples not yet emitted.
func (f *Framer) Pending() int { return len(f.buf) }

// Write appends samples and calls emit once for every block that becomes
// full. The block passed to emit is only valid for the duration of the call.
func (f *Framer) Write(samples []float32, emit func(block []float32)) {
	for len(samples) > 0 {
		// Fast path: a whole block is available straight from the input.
		if len(f.buf) == 0 && len(samples) >= f.size {
			emit(samples[:f.size])
			samples = samples[f.size:]
			continue
		}
		n := min(f.size-len(f.buf), len(samples))
		f.buf = append(f.buf, samples[:n]...)
		samples = samples[n:]
		if len(f.buf) == f.size {
			emit(f.buf)
			f.buf = f.buf[:0]
		}
	}
}

// Reset discards any partial block.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}
