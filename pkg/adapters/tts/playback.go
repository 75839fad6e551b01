package tts

import (
	"strings"
	"time"

	"github.com/harunnryd/voxturn/pkg/frames"
)

type alignedChar struct {
	char string
	end  time.Duration
}

// playback estimates what the listener actually heard. Audio is assumed to
// play in real time from the first outbound chunk, so the played position is
// the wall clock since then, capped at what was sent.
type playback struct {
	first time.Time
	sent  time.Duration
	chars []alignedChar
}

func (p *playback) started() bool { return !p.first.IsZero() }

func (p *playback) elapsed(now time.Time) time.Duration {
	if p.first.IsZero() {
		return 0
	}
	return now.Sub(p.first)
}

func (p *playback) played(now time.Time) time.Duration {
	e := p.elapsed(now)
	if e > p.sent {
		return p.sent
	}
	return e
}

// ahead is how much sent audio has not been played yet.
func (p *playback) ahead(now time.Time) time.Duration {
	return p.sent - p.played(now)
}

// align records character timings relative to the audio that follows.
func (p *playback) align(chars []frames.AlignedChar) {
	base := p.sent
	for _, c := range chars {
		end := base + time.Duration(c.StartMS+c.DurMS)*time.Millisecond
		p.chars = append(p.chars, alignedChar{char: c.Char, end: end})
	}
}

// spoken returns the played prefix of the text. Nothing played yields "".
// Without alignment data, or when no aligned character finished playing, it
// falls back to full and reports exact=false.
func (p *playback) spoken(now time.Time, full string) (string, bool) {
	played := p.played(now)
	if played <= 0 {
		return "", true
	}
	if len(p.chars) == 0 {
		return full, false
	}
	var b strings.Builder
	for _, c := range p.chars {
		if c.end > played {
			break
		}
		b.WriteString(c.char)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return full, false
	}
	return text, true
}
