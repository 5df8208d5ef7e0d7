// Package asr wraps the speech recognition engine behind a narrow transcribe contract
package asr

import (
	"context"
	"errors"
)

//go:generate mockgen -destination=mock/engine.go -package=mock github.com/meetmemo/pipeline/internal/asr Engine

var (
	// ErrUnknownModel is returned for an engine variant with no model file mapping
	ErrUnknownModel = errors.New("unknown model variant")
	// ErrModelMissing is returned when the model file of a known variant is not installed
	ErrModelMissing = errors.New("model file not installed")
	// ErrDecode is returned when the audio could not be converted for the engine
	ErrDecode = errors.New("audio decoding failed")
	// ErrEngine is returned when the engine process itself failed
	ErrEngine = errors.New("speech recognition failed")
	// ErrMalformedOutput is returned when the engine output cannot be parsed
	ErrMalformedOutput = errors.New("malformed engine output")
)

// Segment is one timed piece of the transcript, in seconds
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the normalized engine output
type Transcript struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
	Duration float64   `json:"duration"`
}

// Request describes one transcription
type Request struct {
	AudioPath string
	// Language is an ISO code or "auto"
	Language string
	// Model is a variant name such as "base" or "turbo"
	Model string
}

// Engine transcribes audio. onStep is called before each externally visible sub-step.
type Engine interface {
	Transcribe(ctx context.Context, req Request, onStep func(step string)) (*Transcript, error)
}

// Languages returns the language hints accepted by the engine
func Languages() []string {
	return []string{"auto", "zh", "en", "ja", "ko", "es", "fr", "de", "ru"}
}

// SupportsLanguage reports whether lang is an accepted language hint
func SupportsLanguage(lang string) bool {
	for _, l := range Languages() {
		if l == lang {
			return true
		}
	}
	return false
}
