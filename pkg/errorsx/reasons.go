package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Session-level taxonomy.
	ReasonClassifierFault     ReasonCode = "classifier_fault"
	ReasonTranscriptionFailed ReasonCode = "transcription_failed"
	ReasonGenerationFailed    ReasonCode = "generation_failed"
	ReasonSynthesisFailed     ReasonCode = "synthesis_failed"
	ReasonConfiguration       ReasonCode = "configuration_error"

	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTSend        ReasonCode = "stt_send"
	ReasonSTTProvider    ReasonCode = "stt_provider"
	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSend        ReasonCode = "tts_send"
	ReasonTTSProvider    ReasonCode = "tts_provider"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMStream      ReasonCode = "llm_stream"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"

	ReasonTransportConnect          ReasonCode = "transport_connect"
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)

// Fatal reports whether a reason terminates the owning session or process.
func (r ReasonCode) Fatal() bool {
	return r == ReasonConfiguration || r == ReasonTransportConnect
}
