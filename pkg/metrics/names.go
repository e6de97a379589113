package metrics

// Event names recorded by the orchestrator and transports.
const (
	EventSessionStart     = "session_start"
	EventSessionEnd       = "session_end"
	EventAudioChunkIn     = "audio_chunk_in"
	EventAudioChunkOut    = "audio_chunk_out"
	EventAudioSeqGap      = "audio_seq_gap"
	EventProtocolError    = "protocol_error"
	EventAmbientFire      = "ambient_fire"
	EventAmbientSuppress  = "ambient_suppress"
	EventAmbientTruncated = "ambient_truncated"
	EventAgentSwitch      = "agent_switch"
	EventCheckpointOK     = "checkpoint_ok"
	EventCheckpointFail   = "checkpoint_fail"
	EventSwitchLatencyUS  = "switch_latency_us"
	EventSwitchBufferDrop = "switch_buffer_drop"
	EventFallbackToHost   = "fallback_to_host"
)
