package frames

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Codec names the payload encoding of an AudioFrame.
type Codec string

const (
	CodecPCM16 Codec = "pcm16"
	CodecULaw  Codec = "ulaw"
	CodecALaw  Codec = "alaw"
	CodecMP3   Codec = "mp3"
)

// ParseCodec maps provider and transport spellings onto a Codec.
func ParseCodec(v string) Codec {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "pcm", "pcm16", "linear16", "pcm_s16le", "s16le":
		return CodecPCM16
	case "ulaw", "mulaw", "pcm_mulaw", "g711_ulaw":
		return CodecULaw
	case "alaw", "pcm_alaw", "g711_alaw":
		return CodecALaw
	case "mp3", "mpeg":
		return CodecMP3
	default:
		return Codec(strings.ToLower(strings.TrimSpace(v)))
	}
}

// CodecFromOutputFormat understands vendor output format strings such as
// "ulaw_8000", "pcm_16000" or "mp3_22050_32".
func CodecFromOutputFormat(format string) (Codec, int) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(format)), "_")
	if len(parts) == 0 || parts[0] == "" {
		return CodecPCM16, 0
	}
	rate := 0
	if len(parts) > 1 {
		_, _ = fmt.Sscanf(parts[1], "%d", &rate)
	}
	return ParseCodec(parts[0]), rate
}

// SampleWidth is the size in bytes of one sample, 0 for compressed codecs.
func (c Codec) SampleWidth() int {
	switch c {
	case CodecPCM16:
		return 2
	case CodecULaw, CodecALaw:
		return 1
	default:
		return 0
	}
}

// Decode converts a payload to 16-bit linear samples.
func Decode(c Codec, data []byte) ([]int16, error) {
	switch c {
	case CodecPCM16:
		out := make([]int16, len(data)/2)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
		}
		return out, nil
	case CodecULaw:
		out := make([]int16, len(data))
		for i, b := range data {
			out[i] = ulawToLinear(b)
		}
		return out, nil
	case CodecALaw:
		out := make([]int16, len(data))
		for i, b := range data {
			out[i] = alawToLinear(b)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codec %q cannot be decoded to pcm", c)
	}
}

// EncodePCM16 packs samples as little-endian 16-bit PCM.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func ulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int(u & 0x0F)
	sample := ((mantissa << 3) + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func alawToLinear(a byte) int16 {
	a ^= 0x55
	sign := a & 0x80
	exponent := (a >> 4) & 0x07
	mantissa := int(a & 0x0F)
	var sample int
	if exponent == 0 {
		sample = (mantissa << 4) + 8
	} else {
		sample = ((mantissa << 4) + 0x108) << (exponent - 1)
	}
	if sign != 0 {
		return int16(sample)
	}
	return int16(-sample)
}
