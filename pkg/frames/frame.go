package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindAudio     Kind = "audio"
	KindText      Kind = "text"
	KindControl   Kind = "control"
	KindSystem    Kind = "system"
	KindAlignment Kind = "alignment"
)

type ControlCode string

const (
	ControlCancel            ControlCode = "cancel"
	ControlFlush             ControlCode = "flush"
	ControlStartInterruption ControlCode = "start_interruption"
	ControlAudioDone         ControlCode = "audio_done"
	ControlError             ControlCode = "error"
)

// System frame names published by transports.
const (
	SystemParticipantJoined = "participant_joined"
	SystemParticipantLeft   = "participant_left"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

type AudioFrame struct {
	pts   int64
	data  []byte
	rate  int
	ch    int
	codec Codec
	meta  map[string]string
}

// NewAudioFrame builds an audio frame. The codec is read from meta (MetaCodec)
// and defaults to 16-bit linear PCM.
func NewAudioFrame(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	if ch <= 0 {
		ch = 1
	}
	return AudioFrame{
		pts:   pts,
		data:  data,
		rate:  rate,
		ch:    ch,
		codec: ParseCodec(meta[MetaCodec]),
		meta:  mergeMeta(streamID, meta),
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }
func (a AudioFrame) Codec() Codec            { return a.codec }
func (a AudioFrame) StreamID() string        { return a.meta[MetaStreamID] }

// Samples returns the number of samples per channel, or 0 when the codec
// does not have a fixed sample width.
func (a AudioFrame) Samples() int {
	width := a.codec.SampleWidth()
	if width == 0 || a.ch <= 0 {
		return 0
	}
	return len(a.data) / (width * a.ch)
}

// Duration is the playback length of the payload. Compressed codecs report 0.
func (a AudioFrame) Duration() time.Duration {
	if a.rate <= 0 {
		return 0
	}
	n := a.Samples()
	if n == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(a.rate)
}

// PCM16 decodes the payload to interleaved 16-bit linear samples.
func (a AudioFrame) PCM16() ([]int16, error) {
	return Decode(a.codec, a.data)
}

type TextFrame struct {
	pts  int64
	text string
	meta map[string]string
}

func NewTextFrame(streamID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		pts:  pts,
		text: text,
		meta: mergeMeta(streamID, meta),
	}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) PTS() int64              { return t.pts }
func (t TextFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }
func (t TextFrame) IsFinal() bool           { return t.meta[MetaIsFinal] == "true" }
func (t TextFrame) SpeechFinal() bool       { return t.meta[MetaSpeechFinal] == "true" }

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:  pts,
		code: code,
		meta: mergeMeta(streamID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }
func (c ControlFrame) Reason() string          { return c.meta[MetaReason] }

type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(streamID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

// AlignedChar is one synthesized character with its offset inside the audio
// chunk that follows the alignment frame.
type AlignedChar struct {
	Char    string
	StartMS int
	DurMS   int
}

// AlignmentFrame precedes the audio chunk it describes.
type AlignmentFrame struct {
	pts   int64
	chars []AlignedChar
	meta  map[string]string
}

func NewAlignmentFrame(streamID string, pts int64, chars []AlignedChar, meta map[string]string) AlignmentFrame {
	return AlignmentFrame{
		pts:   pts,
		chars: append([]AlignedChar(nil), chars...),
		meta:  mergeMeta(streamID, meta),
	}
}

func (a AlignmentFrame) Kind() Kind              { return KindAlignment }
func (a AlignmentFrame) PTS() int64              { return a.pts }
func (a AlignmentFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AlignmentFrame) Chars() []AlignedChar    { return append([]AlignedChar(nil), a.chars...) }

// PTSGen hands out monotonically increasing presentation timestamps per stream.
type PTSGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[string]int64)}
}

func (g *PTSGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now().UnixNano()
	v := g.value[streamID] + 1
	if now > v {
		v = now
	}
	g.value[streamID] = v
	return v
}

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
