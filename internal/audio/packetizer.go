package audio

import (
	"math"
	"time"
)

// Format describes the PCM layout expected by the telephony leg.
type Format struct {
	SampleRate     int
	BytesPerSample int
}

// Telephony is 8 kHz, 16-bit mono.
var Telephony = Format{SampleRate: 8000, BytesPerSample: 2}

// Packet is one fixed-duration slice of PCM ready for the wire.
type Packet struct {
	Payload  []byte
	Seq      int
	Last     bool
	Duration time.Duration
}

// PacketizerConfig bounds packet sizes. MinBytes/MaxBytes default to
// 160/800 bytes, i.e. 10–50 ms at 8 kHz 16-bit.
type PacketizerConfig struct {
	Format     Format
	DurationMs int
	MinBytes   int
	MaxBytes   int
}

// Packetizer slices PCM into packets of an exact audio duration.
type Packetizer struct {
	format Format
	chunk  int
}

func NewPacketizer(cfg PacketizerConfig) *Packetizer {
	if cfg.Format.SampleRate <= 0 {
		cfg.Format = Telephony
	}
	if cfg.Format.BytesPerSample <= 0 {
		cfg.Format.BytesPerSample = 2
	}
	if cfg.DurationMs <= 0 {
		cfg.DurationMs = 40
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 160
	}
	if cfg.MaxBytes < cfg.MinBytes {
		cfg.MaxBytes = 800
	}
	return &Packetizer{
		format: cfg.Format,
		chunk:  ChunkBytes(cfg.DurationMs, cfg.Format, cfg.MinBytes, cfg.MaxBytes),
	}
}

// ChunkBytes returns round(durationMs*rate*bytesPerSample/1000), aligned to a
// whole sample and clamped to [minBytes, maxBytes].
func ChunkBytes(durationMs int, f Format, minBytes, maxBytes int) int {
	n := int(math.Round(float64(durationMs) * float64(f.SampleRate) * float64(f.BytesPerSample) / 1000))
	if f.BytesPerSample > 1 {
		n -= n % f.BytesPerSample
	}
	if n < minBytes {
		n = minBytes
	}
	if n > maxBytes {
		n = maxBytes
	}
	return n
}

// ChunkSize is the payload size of every packet this packetizer produces.
func (p *Packetizer) ChunkSize() int { return p.chunk }

// Duration returns the audio duration of n bytes of PCM.
func (p *Packetizer) Duration(n int) time.Duration {
	bytesPerSecond := p.format.SampleRate * p.format.BytesPerSample
	return time.Duration(int64(n) * int64(time.Second) / int64(bytesPerSecond))
}

// Packetize slices pcm into ChunkSize packets. A short final packet is
// zero-padded to ChunkSize so that every payload has the same duration.
func (p *Packetizer) Packetize(pcm []byte) []Packet {
	if len(pcm) == 0 {
		return nil
	}
	packets := make([]Packet, 0, (len(pcm)+p.chunk-1)/p.chunk)
	for off, seq := 0, 0; off < len(pcm); off, seq = off+p.chunk, seq+1 {
		payload := make([]byte, p.chunk)
		copy(payload, pcm[off:min(off+p.chunk, len(pcm))])
		packets = append(packets, Packet{
			Payload:  payload,
			Seq:      seq,
			Duration: p.Duration(p.chunk),
		})
	}
	packets[len(packets)-1].Last = true
	return packets
}
