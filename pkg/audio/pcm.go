// Package audio provides the PCM format handling the gateway needs at its
// edges: little-endian 16-bit samples in, resampling and channel downmix to
// the upstream input format, and duration accounting for recordings.
package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Upstream fixes the audio formats the streaming endpoint speaks: 16 kHz
// mono in, 24 kHz mono out.
var (
	LiveInput  = Format{SampleRate: 16000, Channels: 1}
	LiveOutput = Format{SampleRate: 24000, Channels: 1}
)

func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// bytesPerFrame is the size of one sample across all channels.
func (f Format) bytesPerFrame() int {
	ch := f.Channels
	if ch < 1 {
		ch = 1
	}
	return 2 * ch
}

// Duration returns the playback time of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	frames := n / f.bytesPerFrame()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Normalizer converts client PCM to a fixed target format. Browsers capture
// at whatever rate the device offers, commonly 44.1 or 48 kHz stereo; the
// upstream wants [LiveInput]. The zero-allocation fast path kicks in when
// the source already matches.
//
// Create one per stream; not safe for shared use across goroutines.
type Normalizer struct {
	Target Format
	Log    *slog.Logger

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// Normalize converts pcm from src to the target format. Odd-length input
// cannot be int16 PCM and is dropped with a one-time warning.
func (n *Normalizer) Normalize(pcm []byte, src Format) []byte {
	if len(pcm)%2 != 0 {
		n.warnCorrupt.Do(func() {
			n.logger().Warn("dropping misaligned pcm chunk",
				"bytes", len(pcm),
				"format", src.String(),
			)
		})
		return nil
	}
	if src == n.Target {
		return pcm
	}

	n.warnMismatch.Do(func() {
		n.logger().Info("converting client audio",
			"from", src.String(),
			"to", n.Target.String(),
		)
	})

	// Downmix before resampling so the resampler runs over half the data.
	if src.Channels == 2 && n.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		src.Channels = 1
	}
	if src.SampleRate != n.Target.SampleRate {
		pcm = ResampleMono16(pcm, src.SampleRate, n.Target.SampleRate)
	}
	return pcm
}

func (n *Normalizer) logger() *slog.Logger {
	if n.Log != nil {
		return n.Log
	}
	return slog.Default()
}

// StereoToMono averages interleaved L+R int16 frames into mono. Arithmetic
// runs in int32 and clamps to the int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		left := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		right := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (left + right) / 2
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples little-endian int16 mono PCM from srcRate to
// dstRate with linear interpolation. Equal rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := 0; i < dstSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
		s1 := s0
		if idx+1 < srcSamples {
			s1 = int16(pcm[(idx+1)*2]) | int16(pcm[(idx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
