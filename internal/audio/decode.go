package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// Encoding identifies the container of a synthesized clip.
type Encoding int

const (
	// EncodingPCM16 is headerless little-endian 16-bit mono PCM.
	EncodingPCM16 Encoding = iota
	EncodingWAV
	EncodingMP3
)

func (e Encoding) String() string {
	switch e {
	case EncodingWAV:
		return "wav"
	case EncodingMP3:
		return "mp3"
	default:
		return "pcm16"
	}
}

// Clip is encoded audio as returned by a TTS provider. SampleRate is only
// consulted for EncodingPCM16; WAV and MP3 carry their own.
type Clip struct {
	Data       []byte
	Encoding   Encoding
	SampleRate int
}

var ErrUnsupportedFormat = errors.New("audio: unsupported format")

// DecodePCM16 converts a clip to 16-bit little-endian mono PCM at targetRate,
// down-mixing and resampling as needed.
func DecodePCM16(clip Clip, targetRate int) ([]byte, error) {
	var (
		samples []int16
		rate    int
	)
	switch clip.Encoding {
	case EncodingWAV:
		w, err := parseWAV(clip.Data)
		if err != nil {
			return nil, err
		}
		samples, rate = toMono(bytesToSamples(w.data), w.channels), w.sampleRate
	case EncodingMP3:
		dec, err := mp3.NewDecoder(bytes.NewReader(clip.Data))
		if err != nil {
			return nil, fmt.Errorf("audio: mp3 decoder: %w", err)
		}
		raw, err := io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("audio: mp3 decode: %w", err)
		}
		// go-mp3 always yields interleaved stereo 16-bit LE.
		samples, rate = toMono(bytesToSamples(raw), 2), dec.SampleRate()
	case EncodingPCM16:
		if clip.SampleRate <= 0 {
			return nil, fmt.Errorf("audio: raw pcm clip without sample rate")
		}
		samples, rate = bytesToSamples(clip.Data), clip.SampleRate
	default:
		return nil, ErrUnsupportedFormat
	}
	if rate != targetRate {
		samples = resampleLinear(samples, rate, targetRate)
	}
	return samplesToBytes(samples), nil
}

// DetectEncoding sniffs RIFF and MP3 headers; anything else is treated as raw PCM.
func DetectEncoding(data []byte) Encoding {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return EncodingWAV
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return EncodingMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return EncodingMP3
	default:
		return EncodingPCM16
	}
}

type wavInfo struct {
	channels   int
	sampleRate int
	data       []byte
}

func parseWAV(data []byte) (wavInfo, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return wavInfo{}, fmt.Errorf("audio: not a WAV file")
	}
	var (
		info      wavInfo
		format    int
		bits      int
		gotFormat bool
	)
	pos := 12
	for pos+8 <= len(data) {
		chunkID := string(data[pos : pos+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		pos += 8
		end := pos + chunkSize
		// Streaming encoders sometimes write 0 or 0xFFFFFFFF as the data size.
		if end > len(data) || end < pos {
			end = len(data)
		}
		switch chunkID {
		case "fmt ":
			if end-pos < 16 {
				return wavInfo{}, fmt.Errorf("audio: fmt chunk too small")
			}
			format = int(binary.LittleEndian.Uint16(data[pos : pos+2]))
			info.channels = int(binary.LittleEndian.Uint16(data[pos+2 : pos+4]))
			info.sampleRate = int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
			bits = int(binary.LittleEndian.Uint16(data[pos+14 : pos+16]))
			gotFormat = true
		case "data":
			info.data = data[pos:end]
		}
		pos = end
		if chunkSize%2 == 1 {
			pos++
		}
	}
	if !gotFormat || info.data == nil {
		return wavInfo{}, fmt.Errorf("audio: WAV missing fmt or data chunk")
	}
	if format != 1 || bits != 16 {
		return wavInfo{}, fmt.Errorf("%w: wav format=%d bits=%d", ErrUnsupportedFormat, format, bits)
	}
	if info.channels <= 0 || info.sampleRate <= 0 {
		return wavInfo{}, fmt.Errorf("audio: WAV has invalid channels=%d rate=%d", info.channels, info.sampleRate)
	}
	return info, nil
}

func bytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return out
}

func samplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func toMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		mono[i] = int16(sum / channels)
	}
	return mono
}

func resampleLinear(in []int16, from, to int) []int16 {
	if from <= 0 || to <= 0 || from == to || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return out
}
