// Package stt defines the transcript tap over the user's audio stream.
// The tap runs beside the live sessions: agents hear raw audio, while
// the orchestrator reads transcripts here to drive reaction heuristics
// and client-facing captions.
package stt

import "context"

type EventKind string

const (
	EventTranscript    EventKind = "transcript"
	EventSpeechStarted EventKind = "speech_started"
	EventUtteranceEnd  EventKind = "utterance_end"
)

// Event is one tap observation. Text is set for transcript events only.
type Event struct {
	Kind    EventKind
	Text    string
	IsFinal bool
}

// Tap consumes a copy of the user's PCM16 audio and produces transcript
// and speech-boundary events. Events ends when the tap closes.
type Tap interface {
	Start(ctx context.Context) error
	SendAudio(pcm []byte) error
	Events() <-chan Event
	Close() error
}
