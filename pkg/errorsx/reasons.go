package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonLiveConnect     ReasonCode = "live_connect"
	ReasonLiveSend        ReasonCode = "live_send"
	ReasonLiveStream      ReasonCode = "live_stream"
	ReasonLiveRetry       ReasonCode = "live_retry"
	ReasonLiveCircuitOpen ReasonCode = "live_circuit_open"

	ReasonProtocolDecode  ReasonCode = "protocol_decode"
	ReasonProtocolPayload ReasonCode = "protocol_payload"

	ReasonTransportSend  ReasonCode = "transport_send"
	ReasonTransportClose ReasonCode = "transport_close"

	ReasonStoreSave ReasonCode = "store_save"
	ReasonStoreLoad ReasonCode = "store_load"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"

	ReasonAmbientDispatch ReasonCode = "ambient_dispatch"

	ReasonAuthDenied ReasonCode = "auth_denied"
)
