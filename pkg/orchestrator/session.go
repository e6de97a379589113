package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/troupelab/troupe/pkg/ambient"
	"github.com/troupelab/troupe/pkg/auth"
	"github.com/troupelab/troupe/pkg/checkpoint"
	"github.com/troupelab/troupe/pkg/errorsx"
	"github.com/troupelab/troupe/pkg/live"
	"github.com/troupelab/troupe/pkg/logging"
	"github.com/troupelab/troupe/pkg/metrics"
	"github.com/troupelab/troupe/pkg/mixer"
	"github.com/troupelab/troupe/pkg/redact"
	"github.com/troupelab/troupe/pkg/resilience"
	"github.com/troupelab/troupe/pkg/store"
	"github.com/troupelab/troupe/pkg/stt"
	"github.com/troupelab/troupe/pkg/turn"
	"github.com/troupelab/troupe/pkg/wire"
)

type msgKind int

const (
	msgClient msgKind = iota
	msgAdapterEvent
	msgAdapterClosed
	msgAmbientResult
	msgSwitchReady
	msgTapEvent
)

type message struct {
	kind msgKind

	raw []byte

	agent turn.Agent
	gen   int
	event live.Event

	ambientSess live.Session
	ambientErr  error

	switchSess live.Session
	switchErr  error

	tapEvent stt.Event
}

// Session is one client connection's orchestration state. All fields
// below the message channel are owned by the run loop goroutine;
// external callers interact only through HandleClientFrame, Disconnect,
// and Done.
type Session struct {
	id      string
	user    auth.UserContext
	cfg     Config
	deps    Deps
	emitter Emitter
	logger  *slog.Logger

	msgs chan message
	done chan struct{}

	disc       chan struct{}
	discOnce   sync.Once
	discReason string

	ctx    context.Context
	cancel context.CancelFunc

	manager *turn.Manager
	mix     *mixer.Mixer
	trigger *ambient.Trigger
	tap     stt.Tap
	cp      *checkpoint.Checkpointer

	active   turn.Agent
	sessions map[turn.Agent]live.Session
	gens     map[turn.Agent]int

	lastUser        string
	lastAgent       string
	lastAmbientFire time.Time
	ambientBusy     bool

	lastSeq   int64
	haveSeq   bool
	idleTimer *time.Timer
	ended     bool

	switching      bool
	switchFrom     turn.Agent
	switchTarget   turn.Agent
	switchStarted  time.Time
	switchBuf      []live.Input
	switchBufBytes int
	switchBufMax   int
	switchDropped  bool

	snapMu sync.Mutex
	snap   store.Snapshot
}

func newSession(id string, user auth.UserContext, cfg Config, deps Deps, emitter Emitter) *Session {
	now := time.Now().UTC()
	s := &Session{
		id:      id,
		user:    user,
		cfg:     cfg,
		deps:    deps,
		emitter: emitter,
		logger: logging.NewComponentLogger(slog.Default(), "session").With(
			slog.String("session_id", id)),
		msgs:     make(chan message, 512),
		done:     make(chan struct{}),
		disc:     make(chan struct{}),
		manager:  turn.NewManager(turn.AgentHost),
		mix:      mixer.New(cfg.Mixer),
		trigger:  ambient.New(cfg.Ambient),
		active:   turn.AgentHost,
		sessions: make(map[turn.Agent]live.Session),
		gens:     make(map[turn.Agent]int),
		// 2 bytes per PCM16 mono sample.
		switchBufMax: int(float64(cfg.SampleRate*2) * cfg.SwitchBuffer.Seconds()),
	}
	s.snap = store.Snapshot{
		SessionID:   id,
		UserID:      user.UserID,
		ActiveAgent: turn.AgentHost,
		StartedAt:   now,
	}
	s.cp = checkpoint.New(deps.Store, s.snapshot, deps.Observer, cfg.Checkpoint)
	if deps.TapFactory != nil {
		s.tap = deps.TapFactory(id)
	}
	return s
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Done() <-chan struct{} { return s.done }

// HandleClientFrame hands one raw inbound frame to the session loop.
func (s *Session) HandleClientFrame(raw []byte) {
	s.post(message{kind: msgClient, raw: raw})
}

// Disconnect asks the loop to tear the session down. It bypasses the
// message queue so a backlog of data frames can never swallow it.
func (s *Session) Disconnect(reason string) {
	s.discOnce.Do(func() {
		s.discReason = reason
		close(s.disc)
	})
}

func (s *Session) post(m message) {
	select {
	case <-s.done:
	case s.msgs <- m:
	default:
		s.logger.Warn("session_queue_full", slog.Int("kind", int(m.kind)))
	}
}

func (s *Session) run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer close(s.done)

	if err := s.openAgent(turn.AgentHost, ""); err != nil {
		s.logger.Error("initial_open_failed", slog.String("error", err.Error()))
		s.emit(wire.NewErrorFrame(wire.CodeSessionClosed, "could not start session", false))
		_ = s.emitter.Close(wire.CloseServerError, "live session unavailable")
		return
	}
	if s.tap != nil {
		if err := s.tap.Start(s.ctx); err != nil {
			s.logger.Warn("tap_start_failed", slog.String("error", err.Error()))
			s.tap = nil
		} else {
			go s.tapReader()
		}
	}
	s.cp.Start(s.ctx)
	s.idleTimer = time.NewTimer(s.cfg.IdleTimeout)
	defer s.idleTimer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.teardown(wire.CloseNormal, "context canceled")
			return
		case <-s.idleTimer.C:
			s.logger.Info("idle_timeout")
			s.teardown(wire.CloseNormal, "idle timeout")
			return
		case <-s.disc:
			s.logger.Info("client_disconnected", slog.String("reason", s.discReason))
			s.teardown(wire.CloseNormal, s.discReason)
			return
		case m := <-s.msgs:
			s.handle(m)
			if s.ended {
				return
			}
		}
	}
}

func (s *Session) handle(m message) {
	switch m.kind {
	case msgClient:
		s.onClientMessage(m.raw)
	case msgAdapterEvent:
		if m.gen != s.gens[m.agent] {
			return
		}
		s.onAdapterEvent(m.agent, m.event)
	case msgAdapterClosed:
		if m.gen != s.gens[m.agent] {
			return
		}
		s.onAdapterFailure(m.agent, fmt.Errorf("event stream ended"))
	case msgAmbientResult:
		s.onAmbientResult(m.ambientSess, m.ambientErr)
	case msgSwitchReady:
		s.onSwitchReady(m.agent, m.switchSess, m.switchErr)
	case msgTapEvent:
		s.onTapEvent(m.tapEvent)
	}
}

// --- inbound client frames ---

func (s *Session) onClientMessage(raw []byte) {
	cf, perr := wire.DecodeClientFrame(raw)
	if perr != nil {
		s.logger.Warn("protocol_error", slog.String("detail", perr.Message))
		s.record(metrics.EventProtocolError, nil)
		s.emit(perr.Frame())
		return
	}
	switch cf.Type {
	case wire.TypeAudioChunk:
		s.onClientAudio(cf)
	case wire.TypeTextInput:
		s.lastUser = cf.Text
		s.resetIdle()
		if s.holdingInput() {
			s.bufferHeldInput(live.Input{Kind: live.InputText, Text: cf.Text})
			return
		}
		if err := s.sendActive(live.Input{Kind: live.InputText, Text: cf.Text}); err != nil {
			s.logger.Warn("text_forward_failed", slog.String("error", err.Error()))
		}
	case wire.TypeControl:
		s.logger.Info("end_session_requested")
		s.teardown(wire.CloseNormal, "client requested end")
	}
}

func (s *Session) onClientAudio(cf wire.ClientFrame) {
	s.resetIdle()
	if s.haveSeq && cf.Seq > s.lastSeq+1 {
		s.logger.Debug("audio_seq_gap",
			slog.Int64("expected", s.lastSeq+1),
			slog.Int64("got", cf.Seq))
		s.record(metrics.EventAudioSeqGap, map[string]any{"missed": cf.Seq - s.lastSeq - 1})
	}
	s.lastSeq, s.haveSeq = cf.Seq, true

	s.updateSnap(func(snap *store.Snapshot) { snap.AudioChunksIn++ })
	s.record(metrics.EventAudioChunkIn, nil)
	s.cp.RecordChunk()

	if s.tap != nil {
		if err := s.tap.SendAudio(cf.PCM); err != nil {
			s.logger.Debug("tap_send_failed", slog.String("error", err.Error()))
		}
	}

	if s.holdingInput() {
		s.bufferHeldInput(live.Input{Kind: live.InputAudio, Audio: cf.PCM})
		return
	}
	if err := s.sendActive(live.Input{Kind: live.InputAudio, Audio: cf.PCM}); err != nil {
		s.logger.Warn("audio_forward_failed",
			slog.String("agent", string(s.active)),
			slog.String("error", err.Error()))
	}
}

// holdingInput reports whether inbound input belongs to the switch
// target rather than the current adapter. That window opens the moment a
// switch is requested, while the outgoing turn is still draining, and
// closes when the target adapter is live.
func (s *Session) holdingInput() bool {
	if s.switching {
		return true
	}
	_, pending := s.manager.SwitchPending()
	return pending
}

// bufferHeldInput holds inbound input for replay to the switch target.
// Whole inputs past the cap are discarded and the client is notified
// once.
func (s *Session) bufferHeldInput(in live.Input) {
	size := len(in.Audio) + len(in.Text)
	if s.switchBufBytes+size > s.switchBufMax {
		if !s.switchDropped {
			s.switchDropped = true
			s.record(metrics.EventSwitchBufferDrop, nil)
			s.emit(wire.NewErrorFrame(wire.CodeAudioError,
				"audio dropped during agent handoff", true))
		}
		return
	}
	if in.Kind == live.InputAudio {
		in.Audio = append([]byte(nil), in.Audio...)
	}
	s.switchBuf = append(s.switchBuf, in)
	s.switchBufBytes += size
}

// --- adapter events ---

func (s *Session) onAdapterEvent(agent turn.Agent, ev live.Event) {
	switch ev.Kind {
	case live.EventAudio:
		s.onAdapterAudio(agent, ev.Audio)
	case live.EventTranscript:
		s.onAdapterTranscript(agent, ev)
	case live.EventTool:
		s.onToolInvocation(agent, ev.Tool)
	case live.EventTurnComplete:
		s.onTurnComplete(agent)
	case live.EventError:
		s.onAdapterFailure(agent, ev.Err)
	}
}

func (s *Session) onAdapterAudio(agent turn.Agent, pcm []byte) {
	if agent == turn.AgentAmbient {
		out := s.mix.Ambient(pcm)
		if s.mix.Truncated() {
			s.record(metrics.EventAmbientTruncated, nil)
		}
		if len(out) > 0 {
			s.emitAudio(turn.AgentAmbient, out, "")
		}
		return
	}
	if agent != s.active {
		s.logger.Debug("audio_from_inactive_agent", slog.String("agent", string(agent)))
		return
	}
	s.ensureTurnStarted(agent)
	s.emitAudio(agent, s.mix.Primary(pcm), "")
}

// ensureTurnStarted claims the floor for an idle primary agent. A turn
// opens on the agent's first output, audio or transcript alike, so a
// text-only exchange still completes cleanly.
func (s *Session) ensureTurnStarted(agent turn.Agent) {
	if s.manager.State() != turn.StateIdle {
		return
	}
	if err := s.manager.StartTurn(agent); err != nil {
		s.logger.Error("turn_start_failed",
			slog.String("agent", string(agent)),
			slog.String("error", err.Error()))
		return
	}
	s.mix.PrimaryStarted()
	s.emit(wire.NewMetadata(wire.EventSpeechStarted, map[string]any{"agent": string(agent)}))
}

func (s *Session) onAdapterTranscript(agent turn.Agent, ev live.Event) {
	if agent == s.active && agent != turn.AgentAmbient && ev.Role == live.RoleAgent {
		s.ensureTurnStarted(agent)
	}
	data := map[string]any{
		"agent":    string(agent),
		"text":     ev.Text,
		"is_final": ev.IsFinal,
		"role":     string(ev.Role),
	}
	s.emit(wire.NewMetadata(wire.EventTranscription, data))
	if !ev.IsFinal {
		return
	}
	s.logger.Debug("transcript_final",
		slog.String("agent", string(agent)),
		slog.String("role", string(ev.Role)),
		slog.String("text", redact.Text(ev.Text)))
	// Only finalized text feeds the reaction heuristic; partials are
	// relayed above for UI purposes but never stored.
	if ev.Role == live.RoleUser {
		s.lastUser = ev.Text
	} else if agent != turn.AgentAmbient {
		s.lastAgent = ev.Text
	}
}

// onToolInvocation decodes the closed set of recognized model intents.
// Anything unrecognized is logged and ignored.
func (s *Session) onToolInvocation(agent turn.Agent, tool live.ToolInvocation) {
	switch tool.Name {
	case "switch_agent":
		target, _ := tool.Args["target"].(string)
		parsed, err := turn.ParseAgent(target)
		if err != nil || !parsed.IsPrimary() {
			s.logger.Warn("switch_target_rejected",
				slog.String("agent", string(agent)),
				slog.String("target", target))
			return
		}
		if err := s.manager.RequestSwitch(parsed); err != nil {
			s.logger.Warn("switch_request_rejected",
				slog.String("target", target),
				slog.String("error", err.Error()))
			return
		}
		s.logger.Info("switch_requested",
			slog.String("from", string(agent)),
			slog.String("to", string(parsed)))
	default:
		s.logger.Debug("unrecognized_tool_invocation",
			slog.String("agent", string(agent)),
			slog.String("tool", tool.Name))
	}
}

func (s *Session) onTurnComplete(agent turn.Agent) {
	if agent == turn.AgentAmbient {
		return
	}
	if agent != s.active {
		return
	}
	prevPhase := s.manager.Phase()
	count, phase, err := s.manager.CompleteTurn()
	if err != nil {
		s.logger.Warn("turn_complete_rejected",
			slog.String("agent", string(agent)),
			slog.String("error", err.Error()))
		return
	}
	s.updateSnap(func(snap *store.Snapshot) {
		snap.TurnCount = count
		snap.Phase = phase
	})
	s.logger.Info("turn_complete",
		slog.String("agent", string(agent)),
		slog.Int("turn_count", count),
		slog.String("phase", phase.String()))

	// Release ambient audio queued during the turn before announcing
	// completion: it belongs to the window that just closed.
	if queued := s.mix.PrimaryCompleted(); len(queued) > 0 {
		s.emitAudio(turn.AgentAmbient, queued, "")
	}
	s.emit(wire.NewMetadata(wire.EventSpeechEnded, map[string]any{"agent": string(agent)}))
	s.emit(wire.NewMetadata(wire.EventTurnComplete, map[string]any{
		"turn_count": count,
		"phase":      phase.String(),
	}))

	if phase != prevPhase {
		s.reconfigurePartner(phase)
	}

	if target, err := s.manager.ConsumeSwitch(); err == nil {
		s.beginSwitch(target, "model requested handoff")
		return
	}
	s.maybeFireAmbient()
}

// reconfigurePartner pushes the new phase persona to a running partner
// session as a system message. A session opened later picks the phase up
// from the catalog directly.
func (s *Session) reconfigurePartner(phase turn.Phase) {
	sess, ok := s.sessions[turn.AgentPartner]
	if !ok {
		return
	}
	persona, err := s.deps.Catalog.Persona(turn.AgentPartner, phase)
	if err != nil {
		s.logger.Warn("persona_lookup_failed", slog.String("error", err.Error()))
		return
	}
	if err := sess.Send(s.ctx, live.Input{Kind: live.InputSystem, Text: persona.Prompt}); err != nil {
		s.logger.Warn("persona_update_failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("partner_persona_updated", slog.String("phase", phase.String()))
}

// --- ambient dispatch ---

func (s *Session) maybeFireAmbient() {
	if s.ambientBusy {
		return
	}
	decision := s.trigger.Evaluate(s.lastUser, s.lastAgent, s.lastAmbientFire, time.Now())
	if !decision.Fire {
		s.record(metrics.EventAmbientSuppress, map[string]any{"reason": decision.Reason})
		s.logger.Debug("ambient_suppressed",
			slog.String("reason", decision.Reason),
			slog.String("sentiment", decision.Sentiment.String()),
			slog.Float64("energy", decision.Energy))
		return
	}
	hint := decision.Hint
	if hints := s.deps.Catalog.AmbientHints(decision.Sentiment); len(hints) > 0 {
		hint = hints[0]
	}
	s.ambientBusy = true
	existing := s.sessions[turn.AgentAmbient]

	// Fire-and-forget: failures come back as a message and are
	// swallowed; the primary conversation never waits on this.
	go func() {
		sess := existing
		var opened live.Session
		if sess == nil {
			persona, err := s.deps.Catalog.Persona(turn.AgentAmbient, turn.PhaseSupportive)
			if err != nil {
				s.post(message{kind: msgAmbientResult, ambientErr: err})
				return
			}
			sess, err = s.deps.Opener.Open(s.ctx, persona, s.deps.Catalog.SceneFraming())
			if err != nil {
				s.post(message{kind: msgAmbientResult,
					ambientErr: errorsx.Wrap(err, errorsx.ReasonAmbientDispatch)})
				return
			}
			opened = sess
		}
		if err := sess.Send(s.ctx, live.Input{Kind: live.InputText, Text: hint}); err != nil {
			if opened != nil {
				_ = opened.Close()
				opened = nil
			}
			s.post(message{kind: msgAmbientResult,
				ambientErr: errorsx.Wrap(err, errorsx.ReasonAmbientDispatch)})
			return
		}
		s.post(message{kind: msgAmbientResult, ambientSess: opened})
	}()
}

func (s *Session) onAmbientResult(opened live.Session, err error) {
	s.ambientBusy = false
	if err != nil {
		// Ambient reactions are best-effort: log and move on.
		s.logger.Warn("ambient_dispatch_failed", slog.String("error", err.Error()))
		return
	}
	if opened != nil {
		s.adoptSession(turn.AgentAmbient, opened)
	}
	s.lastAmbientFire = time.Now()
	s.updateSnap(func(snap *store.Snapshot) {
		snap.AmbientFires++
		snap.LastAmbientFireAt = s.lastAmbientFire
	})
	s.record(metrics.EventAmbientFire, nil)
	s.logger.Info("ambient_fired")
}

// --- agent switch ---

func (s *Session) beginSwitch(target turn.Agent, reason string) {
	if s.switching {
		s.logger.Warn("switch_already_in_progress", slog.String("target", string(target)))
		return
	}
	from := s.active
	s.switching = true
	s.switchFrom = from
	s.switchTarget = target
	s.switchStarted = time.Now()
	// switchBuf is left alone: input held since the switch request, and
	// anything carried through a fallback, replays to whoever comes up.

	s.logger.Info("switch_started",
		slog.String("from", string(from)),
		slog.String("to", string(target)),
		slog.String("reason", reason))

	// The outgoing adapter has fully drained: switches only execute at
	// turn boundaries, after that turn's events were relayed in order.
	s.closeAgent(from)

	turnCount := s.manager.TurnCount()
	phase := s.manager.Phase()
	summary := s.handoffSummary()
	go func() {
		persona, err := s.deps.Catalog.Persona(target, phase)
		if err != nil {
			s.post(message{kind: msgSwitchReady, agent: target, switchErr: err})
			return
		}
		initial := s.deps.Catalog.HandoffContext(from, target, turnCount, summary)
		retry := resilience.NewRetryPolicy(s.cfg.OpenRetries, s.cfg.OpenBackoff)
		var sess live.Session
		err = retry.Do(func() error {
			var oerr error
			sess, oerr = s.deps.Opener.Open(s.ctx, persona, initial)
			return oerr
		})
		if err != nil {
			s.post(message{kind: msgSwitchReady, agent: target,
				switchErr: errorsx.Wrap(err, errorsx.ReasonLiveConnect)})
			return
		}
		s.post(message{kind: msgSwitchReady, agent: target, switchSess: sess})
	}()
}

func (s *Session) handoffSummary() string {
	summary := ""
	if s.lastUser != "" {
		summary = "Player: " + s.lastUser
	}
	if s.lastAgent != "" {
		if summary != "" {
			summary += " / "
		}
		summary += "Agent: " + s.lastAgent
	}
	return summary
}

func (s *Session) onSwitchReady(target turn.Agent, sess live.Session, err error) {
	if !s.switching || target != s.switchTarget {
		if sess != nil {
			_ = sess.Close()
		}
		return
	}
	if err != nil {
		s.switching = false
		s.logger.Error("switch_open_failed",
			slog.String("target", string(target)),
			slog.String("error", err.Error()))
		if target != turn.AgentHost {
			s.fallbackToHost("agent unavailable")
			return
		}
		s.emit(wire.NewErrorFrame(wire.CodeSessionClosed, "no agent available", false))
		s.teardown(wire.CloseServerError, "host adapter failed")
		return
	}

	from := s.switchFrom
	s.adoptSession(target, sess)
	s.active = target
	s.switching = false
	s.updateSnap(func(snap *store.Snapshot) {
		snap.ActiveAgent = target
		snap.SwitchCount++
	})

	s.emit(wire.NewAgentSwitch(string(from), string(target)))
	latency := time.Since(s.switchStarted)
	s.record(metrics.EventAgentSwitch, map[string]any{
		"from": string(from), "to": string(target),
	})
	s.record(metrics.EventSwitchLatencyUS, map[string]any{"us": latency.Microseconds()})
	s.logger.Info("switch_complete",
		slog.String("from", string(from)),
		slog.String("to", string(target)),
		slog.Duration("latency", latency))

	// Replay input held since the switch was requested.
	buffered := s.switchBuf
	s.switchBuf = nil
	s.switchBufBytes = 0
	s.switchDropped = false
	for _, in := range buffered {
		if err := sess.Send(s.ctx, in); err != nil {
			s.logger.Warn("switch_replay_failed", slog.String("error", err.Error()))
			break
		}
	}
}

func (s *Session) fallbackToHost(notice string) {
	s.record(metrics.EventFallbackToHost, nil)
	s.emit(wire.NewErrorFrame(wire.CodeAudioError, notice+", returning to host", true))
	s.beginSwitch(turn.AgentHost, "fallback")
}

// --- adapter failure ---

func (s *Session) onAdapterFailure(agent turn.Agent, err error) {
	if err == nil {
		err = fmt.Errorf("adapter stream ended")
	}
	s.logger.Warn("adapter_failed",
		slog.String("agent", string(agent)),
		slog.String("error", err.Error()))
	s.closeAgent(agent)

	if agent == turn.AgentAmbient {
		// Non-critical: the next fire reopens it.
		return
	}
	if agent != s.active {
		return
	}
	s.manager.AbortTurn("adapter failure")
	if agent != turn.AgentHost {
		s.fallbackToHost("scene partner lost")
		return
	}
	s.emit(wire.NewErrorFrame(wire.CodeSessionClosed, "host connection lost", false))
	s.teardown(wire.CloseServerError, "host adapter failed")
}

// --- transcript tap ---

func (s *Session) tapReader() {
	for ev := range s.tap.Events() {
		s.post(message{kind: msgTapEvent, tapEvent: ev})
	}
}

func (s *Session) onTapEvent(ev stt.Event) {
	switch ev.Kind {
	case stt.EventSpeechStarted:
		s.emit(wire.NewMetadata(wire.EventSpeechStarted, map[string]any{"role": "user"}))
	case stt.EventUtteranceEnd:
		s.emit(wire.NewMetadata(wire.EventSpeechEnded, map[string]any{"role": "user"}))
	case stt.EventTranscript:
		s.emit(wire.NewMetadata(wire.EventTranscription, map[string]any{
			"role":     "user",
			"text":     ev.Text,
			"is_final": ev.IsFinal,
		}))
		if ev.IsFinal {
			s.lastUser = ev.Text
		}
	}
}

// --- session plumbing ---

func (s *Session) openAgent(agent turn.Agent, initialContext string) error {
	persona, err := s.deps.Catalog.Persona(agent, s.manager.Phase())
	if err != nil {
		return err
	}
	if initialContext == "" {
		initialContext = s.deps.Catalog.SceneFraming()
	}
	retry := resilience.NewRetryPolicy(s.cfg.OpenRetries, s.cfg.OpenBackoff)
	var sess live.Session
	err = retry.Do(func() error {
		var oerr error
		sess, oerr = s.deps.Opener.Open(s.ctx, persona, initialContext)
		return oerr
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonLiveConnect)
	}
	s.adoptSession(agent, sess)
	return nil
}

// adoptSession registers a live session for an agent slot and starts
// its reader. Events are tagged with a generation so anything emitted
// after closeAgent is discarded.
func (s *Session) adoptSession(agent turn.Agent, sess live.Session) {
	if old, ok := s.sessions[agent]; ok && old != sess {
		_ = old.Close()
	}
	s.gens[agent]++
	gen := s.gens[agent]
	s.sessions[agent] = sess
	go func() {
		for ev := range sess.Events() {
			s.post(message{kind: msgAdapterEvent, agent: agent, gen: gen, event: ev})
		}
		s.post(message{kind: msgAdapterClosed, agent: agent, gen: gen})
	}()
}

func (s *Session) closeAgent(agent turn.Agent) {
	if sess, ok := s.sessions[agent]; ok {
		_ = sess.Close()
		delete(s.sessions, agent)
	}
	s.gens[agent]++
}

func (s *Session) sendActive(in live.Input) error {
	sess, ok := s.sessions[s.active]
	if !ok {
		return fmt.Errorf("no live session for agent %q", s.active)
	}
	if err := sess.Send(s.ctx, in); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonLiveSend)
	}
	return nil
}

func (s *Session) emitAudio(agent turn.Agent, pcm []byte, transcript string) {
	s.emit(wire.NewAudioResponse(string(agent), pcm, transcript))
	s.updateSnap(func(snap *store.Snapshot) { snap.AudioChunksOut++ })
	s.record(metrics.EventAudioChunkOut, map[string]any{"agent": string(agent)})
}

func (s *Session) emit(frame any) {
	if err := s.emitter.Emit(frame); err != nil {
		s.logger.Debug("emit_failed", slog.String("error", err.Error()))
	}
}

func (s *Session) resetIdle() {
	if s.idleTimer == nil {
		return
	}
	if !s.idleTimer.Stop() {
		select {
		case <-s.idleTimer.C:
		default:
		}
	}
	s.idleTimer.Reset(s.cfg.IdleTimeout)
}

func (s *Session) record(name string, fields map[string]any) {
	s.deps.Observer.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   map[string]string{"session_id": s.id},
		Fields: fields,
	})
}

// snapshot is the checkpointer's read path; it may run on another
// goroutine, so snapshot state lives behind its own mutex.
func (s *Session) snapshot() store.Snapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snap
}

func (s *Session) updateSnap(fn func(*store.Snapshot)) {
	s.snapMu.Lock()
	fn(&s.snap)
	s.snapMu.Unlock()
}

func (s *Session) teardown(code int, reason string) {
	if s.ended {
		return
	}
	s.ended = true
	s.logger.Info("session_teardown",
		slog.Int("code", code),
		slog.String("reason", reason))

	for agent := range s.sessions {
		s.closeAgent(agent)
	}
	if s.tap != nil {
		_ = s.tap.Close()
	}
	s.manager.Close()
	s.cancel()

	// In-flight turns are not counted: the snapshot reflects state as
	// of the last completed turn.
	now := time.Now().UTC()
	final := s.snapshot()
	final.EndedAt = &now
	if err := s.cp.Flush(final); err != nil {
		s.logger.Warn("final_checkpoint_failed", slog.String("error", err.Error()))
	}
	_ = s.emitter.Close(code, reason)
}
