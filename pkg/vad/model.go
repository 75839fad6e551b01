package vad

import (
	"fmt"
	"math"
	"strings"

	"github.com/harunnryd/voxturn/pkg/errorsx"
)

type Result struct {
	Speech      bool
	Probability float64
}

// Model classifies one frame of audio. Implementations must not keep per-call
// state so that a single instance can serve every session of the process.
type Model interface {
	Classify(pcm []int16, sampleRate int) (Result, error)
}

type ModelConfig struct {
	Kind          string  `mapstructure:"kind"`
	ThresholdDBFS float64 `mapstructure:"threshold_dbfs"`
}

// Load builds the process-wide model. It is called once before serving.
func Load(cfg ModelConfig) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "energy":
		threshold := cfg.ThresholdDBFS
		if threshold == 0 {
			threshold = DefaultThresholdDBFS
		}
		return EnergyModel{ThresholdDBFS: threshold}, nil
	default:
		return nil, errorsx.Wrap(fmt.Errorf("unknown vad model %q", cfg.Kind), errorsx.ReasonConfiguration)
	}
}

const DefaultThresholdDBFS = -38.0

// EnergyModel marks a frame as speech when its RMS level is above a dBFS
// threshold.
type EnergyModel struct {
	ThresholdDBFS float64
}

func (m EnergyModel) Classify(pcm []int16, _ int) (Result, error) {
	if len(pcm) == 0 {
		return Result{}, nil
	}
	db := LevelDBFS(pcm)
	p := (db - (m.ThresholdDBFS - 10)) / 20
	p = math.Max(0, math.Min(1, p))
	return Result{Speech: db >= m.ThresholdDBFS, Probability: p}, nil
}

// LevelDBFS returns the RMS level relative to full scale; silence is -96.
func LevelDBFS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return -96
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(pcm)))
	if rms <= 0 {
		return -96
	}
	return math.Max(-96, 20*math.Log10(rms))
}
