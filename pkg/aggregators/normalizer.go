package aggregators

import (
	"regexp"
	"strings"
)

type TextNormalizerConfig struct {
	Replacements map[string]string
}

var (
	markupRe   = regexp.MustCompile("[*_`#~|<>\\[\\]{}]+")
	bulletRe   = regexp.MustCompile(`(?m)^\s*(?:[-•]|\d+[.)])\s+`)
	urlRe      = regexp.MustCompile(`https?://\S+`)
	whitespace = regexp.MustCompile(`\s+`)
)

// TextNormalizer turns model output into text a voice can read: markup and
// list markers are stripped and configured phrases replaced.
type TextNormalizer struct {
	replacements map[string]string
}

func NewTextNormalizer(cfg TextNormalizerConfig) *TextNormalizer {
	return &TextNormalizer{replacements: cfg.Replacements}
}

func (t *TextNormalizer) Normalize(s string) string {
	s = urlRe.ReplaceAllString(s, "")
	s = bulletRe.ReplaceAllString(s, "")
	s = markupRe.ReplaceAllString(s, "")
	for from, to := range t.replacements {
		if from == "" {
			continue
		}
		s = strings.ReplaceAll(s, from, to)
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
