package frames

// Meta keys shared by transports, providers and pipeline stages.
const (
	MetaStreamID    = "stream_id"
	MetaCallSID     = "call_sid"
	MetaTraceID     = "trace_id"
	MetaSessionID   = "session_id"
	MetaUtterance   = "utterance_id"
	MetaParticipant = "participant"
	MetaSource      = "source"
	MetaReason      = "reason"
	MetaIsFinal     = "is_final"
	MetaSpeechFinal = "speech_final"
	MetaEncoding    = "encoding"
	MetaCodec       = "codec"
	MetaSampleRate  = "sample_rate"
	MetaError       = "error"
	MetaEndReason   = "end_reason"
)
