// Package deepgram implements the transcript tap over Deepgram's live
// transcription WebSocket API.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/troupelab/troupe/pkg/logging"
	"github.com/troupelab/troupe/pkg/stt"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        bool   `mapstructure:"interim"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	SessionID      string `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	return c
}

// Tap streams user audio to Deepgram and surfaces transcripts and
// speech boundaries as tap events.
type Tap struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan stt.Event
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
	logger     *slog.Logger
}

func New(cfg Config) *Tap {
	cfg = cfg.withDefaults()
	logger := logging.NewComponentLogger(slog.Default(), "deepgram_tap")
	return &Tap{
		cfg:    cfg,
		out:    make(chan stt.Event, 256),
		logger: logger.With(slog.String("session_id", cfg.SessionID)),
	}
}

func (t *Tap) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.pipeReader, t.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          t.cfg.Model,
		Language:       t.cfg.Language,
		Encoding:       t.cfg.Encoding,
		SampleRate:     t.cfg.SampleRate,
		InterimResults: t.cfg.Interim,
		VadEvents:      t.cfg.VADEvents,
		SmartFormat:    true,
	}
	if t.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", t.cfg.UtteranceEndMS)
	}

	t.logger.Info("deepgram_connecting",
		slog.String("model", t.cfg.Model),
		slog.Bool("vad_events", t.cfg.VADEvents),
		slog.Int("sample_rate", t.cfg.SampleRate))

	cb := &callback{parent: t}
	dgClient, err := client.NewWSUsingCallback(t.ctx, t.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		t.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return err
	}
	t.dgClient = dgClient

	if connected := t.dgClient.Connect(); !connected {
		t.logger.Error("deepgram_connect_failed")
		return fmt.Errorf("deepgram connection failed")
	}
	t.logger.Info("deepgram_connected", slog.String("model", t.cfg.Model))

	go func() {
		if err := t.dgClient.Stream(t.pipeReader); err != nil && t.ctx.Err() == nil {
			t.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (t *Tap) SendAudio(pcm []byte) error {
	if t.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	_, err := t.pipeWriter.Write(pcm)
	if err != nil {
		t.logger.Error("deepgram_send_error", slog.String("error", err.Error()))
	}
	return err
}

func (t *Tap) Events() <-chan stt.Event { return t.out }

func (t *Tap) Close() error {
	t.logger.Info("deepgram_closing")
	if t.cancel != nil {
		t.cancel()
	}
	if t.pipeWriter != nil {
		_ = t.pipeWriter.Close()
	}
	if t.dgClient != nil {
		t.dgClient.Stop()
	}
	return nil
}

func (t *Tap) emit(ev stt.Event) {
	select {
	case t.out <- ev:
	default:
		t.logger.Warn("deepgram_out_channel_full", slog.String("kind", string(ev.Kind)))
	}
}

type callback struct {
	parent *Tap
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal

	c.parent.logger.Debug("transcript_received",
		slog.String("transcript", transcript),
		slog.Bool("is_final", isFinal))
	c.parent.emit(stt.Event{Kind: stt.EventTranscript, Text: transcript, IsFinal: isFinal})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event")
	c.parent.emit(stt.Event{Kind: stt.EventSpeechStarted})
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event")
	c.parent.emit(stt.Event{Kind: stt.EventUtteranceEnd})
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.String("data", string(byData)))
	return nil
}

var _ stt.Tap = (*Tap)(nil)
