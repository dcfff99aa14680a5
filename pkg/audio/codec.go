package audio

import (
	"errors"
	"fmt"
	"math"
)

// ErrDecode is wrapped by every [Decode] failure. A decode error concerns a
// single frame only; callers drop the frame and carry on.
var ErrDecode = errors.New("audio: decode")

// Sample rates accepted by [Decode]. The source rate arrives from the peer,
// so it bounds how far a payload may be expanded by resampling.
const (
	MinDecodeRate = 8000
	MaxDecodeRate = 192000
)

// Encode converts captured float samples at [CaptureRate] into a wire frame.
func Encode(samples []float32) Blob {
	return EncodeRate(samples, CaptureRate)
}

// EncodeRate converts float samples captured at rate into a 16-bit PCM wire
// frame tagged with the matching MIME type.
func EncodeRate(samples []float32, rate int) Blob {
	return Blob{
		MIMEType: pcmMIME(rate),
		Data:     FloatToPCM16(samples),
	}
}

// Decode turns a 16-bit little-endian PCM payload recorded at srcRate into a
// [PlayableBuffer] at dstRate. Sample-rate conversion happens here so that
// neither pipeline has to care about the wire rate.
//
// Empty payloads, payloads with an odd byte count and rates outside
// [MinDecodeRate, MaxDecodeRate] return an error wrapping [ErrDecode].
func Decode(data []byte, srcRate, dstRate int) (PlayableBuffer, error) {
	if len(data) == 0 {
		return PlayableBuffer{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if len(data)%2 != 0 {
		return PlayableBuffer{}, fmt.Errorf("%w: odd byte count %d in 16-bit PCM", ErrDecode, len(data))
	}
	if !validDecodeRate(srcRate) || !validDecodeRate(dstRate) {
		return PlayableBuffer{}, fmt.Errorf("%w: sample rates %d -> %d outside %d..%d Hz",
			ErrDecode, srcRate, dstRate, MinDecodeRate, MaxDecodeRate)
	}

	pcm := ResampleMono16(data, srcRate, dstRate)
	if len(pcm) == 0 {
		return PlayableBuffer{}, fmt.Errorf("%w: payload too short to resample", ErrDecode)
	}
	return PlayableBuffer{
		Samples:    PCM16ToFloat(pcm),
		SampleRate: dstRate,
	}, nil
}

func validDecodeRate(rate int) bool {
	return rate >= MinDecodeRate && rate <= MaxDecodeRate
}

// RMS returns the root-mean-square energy of samples. Empty input yields 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
